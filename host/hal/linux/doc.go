// Package linux provides the platform services a UHCI driver needs on a
// Linux host, built from sysfs, /dev/port, hugetlb memory and UIO.
//
// # Requirements
//
// Everything here needs root or equivalent capabilities:
//   - CAP_SYS_RAWIO to open /dev/port and read physical frame numbers from
//     /proc/self/pagemap
//   - write access to the function's sysfs config and resource files
//   - hugetlb pages reserved in /proc/sys/vm/nr_hugepages
//   - the controller bound to uio_pci_generic for interrupt delivery, which
//     also unbinds the kernel's own uhci_hcd driver
//
// # Components
//
//   - [Scan] discovers UHCI functions under /sys/bus/pci/devices
//   - [PCIFunction] implements hal.PCIDevice over the sysfs config file and
//     maps BARs as port I/O through /dev/port or as MMIO through resourceN
//   - [Memory] implements hal.Memory by carving pages from a locked huge page
//     whose bus address is resolved through /proc/self/pagemap
//   - [UIO] implements hal.InterruptController with an epoll loop over the
//     UIO node and an eventfd for shutdown
//
// [Open] assembles all of them into a hal.Platform for one function.
package linux
