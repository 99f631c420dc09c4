package linux

// =============================================================================
// System Paths
// =============================================================================

// SysfsPCIPath is the base path for PCI functions in sysfs.
const SysfsPCIPath = "/sys/bus/pci/devices"

// DevPortPath is the character device exposing x86 I/O port space.
const DevPortPath = "/dev/port"

// SysfsUIOPath lists userspace I/O devices bound by uio_pci_generic.
const SysfsUIOPath = "/sys/class/uio"

// PagemapPath translates virtual pages of the calling process to frames.
const PagemapPath = "/proc/self/pagemap"

// =============================================================================
// PCI Identification
// =============================================================================

// ClassUHCI is the 24-bit class code (class, subclass, prog-if) of a UHCI
// controller as it appears in the sysfs "class" attribute.
const ClassUHCI = 0x0C0300

// Resource flags from the sysfs "resource" attribute.
const (
	resourceIO  = 0x00000100
	resourceMem = 0x00000200
)

// MaxBARs is the number of base address registers of a type-0 header.
const MaxBARs = 6

// configSpaceSize is the conventional PCI configuration space size.
const configSpaceSize = 256

// =============================================================================
// Memory
// =============================================================================

// HugePageSize is the size of one huge page backing pinned DMA memory. A
// huge page is physically contiguous, so any run of pages carved from it
// is too.
const HugePageSize = 2 << 20

// Pagemap entry layout.
const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = (1 << 55) - 1
)

// maxBusAddress is the highest address a 32-bit bus master can reach.
const maxBusAddress = 1<<32 - 1

// =============================================================================
// Epoll
// =============================================================================

// MaxEpollEvents is the number of events drained per epoll_wait call.
const MaxEpollEvents = 8

// uioCountSize is the size of the interrupt counter read from a UIO node.
const uioCountSize = 4
