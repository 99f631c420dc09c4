// Package hal defines the platform contracts the UHCI host controller driver
// is written against.
//
// The driver never touches hardware directly. It reaches registers through an
// [AddressRegion], hands the controller bus addresses of [DMA] ranges obtained
// from [Memory], reads PCI configuration space through [PCIDevice], and hooks
// its interrupt line through [InterruptController]. A [Platform] bundles one
// of each.
//
// # Implementations
//
//   - [github.com/ardnew/softuhci/host/hal/sim] simulates a complete UHCI
//     function with attached devices; it is the test backend.
//   - [github.com/ardnew/softuhci/host/hal/linux] reaches real controllers
//     from Linux user space through /dev/port, sysfs and UIO.
//
// # Wire types
//
// [SetupPacket] is the bit-exact 8-byte control request. [Speed],
// [PortStatus] and [TransferType] are shared vocabulary between the driver
// and the platform.
package hal
