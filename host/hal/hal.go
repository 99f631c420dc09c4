package hal

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 1.1 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	default:
		return "Unknown"
	}
}

// PortStatus represents the decoded status of a root hub port.
type PortStatus struct {
	Connected     bool  // Device is connected
	Enabled       bool  // Port is enabled
	Suspended     bool  // Port is suspended
	Reset         bool  // Port is being reset
	ResumeDetect  bool  // Resume signaling detected
	Speed         Speed // Connected device speed
	ConnectChange bool  // Connection status has changed
	EnableChange  bool  // Enable status has changed
	LineStatus    uint8 // D+/D- line state
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket decodes the eight bytes a SETUP token carries. It
// reports false when data is shorter than a setup packet.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	le := binary.LittleEndian
	*out = SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       le.Uint16(data[2:]),
		Index:       le.Uint16(data[4:]),
		Length:      le.Uint16(data[6:]),
	}
	return true
}

// MarshalTo encodes the packet into buf and returns SetupPacketSize, or 0
// when buf cannot hold it.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0], buf[1] = s.RequestType, s.Request
	le := binary.LittleEndian
	le.PutUint16(buf[2:], s.Value)
	le.PutUint16(buf[4:], s.Index)
	le.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// IsIn reports whether the data stage flows device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// String returns a compact description of the packet.
func (s SetupPacket) String() string {
	return fmt.Sprintf("bmRequestType=%#02x bRequest=%#02x wValue=%#04x wIndex=%#04x wLength=%d",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// =============================================================================
// Address Regions
// =============================================================================

// RegionKind distinguishes port-mapped from memory-mapped register windows.
type RegionKind uint8

// Region kinds.
const (
	RegionPortIO RegionKind = iota // x86 I/O port space
	RegionMemory                   // Memory-mapped I/O
)

// String returns the region kind name.
func (k RegionKind) String() string {
	if k == RegionMemory {
		return "mmio"
	}
	return "pio"
}

// AddressRegion is a window of device registers. Offsets are relative to the
// region base. Implementations hide whether accesses are port I/O
// instructions or loads and stores to mapped memory.
type AddressRegion interface {
	Kind() RegionKind
	Base() uint64
	Read8(offset uint32) uint8
	Read16(offset uint32) uint16
	Read32(offset uint32) uint32
	Write8(offset uint32, v uint8)
	Write16(offset uint32, v uint16)
	Write32(offset uint32, v uint32)
}

// =============================================================================
// DMA Memory
// =============================================================================

// PageSize is the allocation granule for pinned memory.
const PageSize = 4096

// DMA is a pinned, cache-disabled memory range visible to both the CPU and
// the controller. Phys is the bus address the controller dereferences; the
// byte view is the CPU mapping of the same range.
//
// 32-bit words shared with hardware must go through Load32 and Store32,
// which are atomic and act as the volatile accessors for descriptor fields.
type DMA struct {
	phys uint32
	buf  []byte
}

// NewDMA wraps an already pinned mapping. buf must be 4-byte aligned.
func NewDMA(phys uint32, buf []byte) *DMA {
	return &DMA{phys: phys, buf: buf}
}

// Phys returns the bus address of the first byte.
func (d *DMA) Phys() uint32 { return d.phys }

// Len returns the size of the range in bytes.
func (d *DMA) Len() int { return len(d.buf) }

// Bytes returns the CPU view of the range.
func (d *DMA) Bytes() []byte { return d.buf }

// Slice returns n bytes starting at off.
func (d *DMA) Slice(off, n int) []byte { return d.buf[off : off+n] }

// Contains reports whether phys falls inside the range.
func (d *DMA) Contains(phys uint32) bool {
	return phys >= d.phys && phys < d.phys+uint32(len(d.buf))
}

// Offset translates a bus address inside the range to a byte offset.
func (d *DMA) Offset(phys uint32) int { return int(phys - d.phys) }

// Load32 atomically reads the word at off.
func (d *DMA) Load32(off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&d.buf[off])))
}

// Store32 atomically writes the word at off.
func (d *DMA) Store32(off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&d.buf[off])), v)
}

// Memory allocates pinned pages that the controller can reach by bus address.
type Memory interface {
	// AllocPages returns n contiguous, zeroed, page-aligned pages.
	AllocPages(n int) (*DMA, error)

	// FreePages releases a range returned by AllocPages.
	FreePages(d *DMA) error
}

// =============================================================================
// PCI and Interrupts
// =============================================================================

// PCI configuration space offsets used by the driver.
const (
	PCIVendorID     = 0x00
	PCIDeviceID     = 0x02
	PCICommand      = 0x04
	PCIStatus       = 0x06
	PCIRevision     = 0x08
	PCIProgIf       = 0x09
	PCISubclass     = 0x0A
	PCIClass        = 0x0B
	PCIBAR0         = 0x10
	PCIInterruptPin = 0x3D
	PCIInterruptLn  = 0x3C
)

// PCI command register bits.
const (
	PCICommandIO         = 1 << 0
	PCICommandMemory     = 1 << 1
	PCICommandBusMaster  = 1 << 2
	PCICommandIntDisable = 1 << 10
)

// PCIDevice is one function's configuration space plus its BAR mappings.
type PCIDevice interface {
	// Name identifies the function, e.g. "0000:00:1d.0".
	Name() string

	ConfigRead8(offset uint8) uint8
	ConfigRead16(offset uint8) uint16
	ConfigRead32(offset uint8) uint32
	ConfigWrite8(offset uint8, v uint8)
	ConfigWrite16(offset uint8, v uint16)
	ConfigWrite32(offset uint8, v uint32)

	// BAR maps base address register index (0-5) as an AddressRegion.
	BAR(index int) (AddressRegion, error)
}

// InterruptController routes a device interrupt line to a handler.
//
// Handlers run in interrupt context: they must not block and must not take
// locks held by task code across blocking operations.
type InterruptController interface {
	Register(line int, handler func()) error
	Deregister(line int) error
}

// Platform bundles the services a host controller driver consumes.
type Platform struct {
	PCI    PCIDevice
	Memory Memory
	IRQ    InterruptController
}
