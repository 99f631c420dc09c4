package sim

import (
	"fmt"
	"sync"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Simulated PCI identity.
const (
	VendorIntel  = 0x8086
	DeviceUHCI   = 0x7112 // PIIX4 USB
	IRQLine      = 11
	IOBase       = 0xC000
	legacyOffset = 0xC0
)

// PCIFunction is the configuration space of the simulated controller.
type PCIFunction struct {
	mu    sync.Mutex
	name  string
	space [256]byte
	bar4  hal.AddressRegion
}

func newPCIFunction(name string, bar4 hal.AddressRegion) *PCIFunction {
	f := &PCIFunction{name: name, bar4: bar4}
	f.put16(hal.PCIVendorID, VendorIntel)
	f.put16(hal.PCIDeviceID, DeviceUHCI)
	f.space[hal.PCIRevision] = 0x01
	f.space[hal.PCIProgIf] = 0x00
	f.space[hal.PCISubclass] = 0x03
	f.space[hal.PCIClass] = 0x0C
	f.put32(hal.PCIBAR0+4*4, IOBase|1)
	f.space[hal.PCIInterruptLn] = IRQLine
	f.space[hal.PCIInterruptPin] = 4
	f.put16(legacyOffset, 0x2000)
	return f
}

func (f *PCIFunction) put16(off int, v uint16) {
	f.space[off], f.space[off+1] = byte(v), byte(v>>8)
}

func (f *PCIFunction) put32(off int, v uint32) {
	f.put16(off, uint16(v))
	f.put16(off+2, uint16(v>>16))
}

func (f *PCIFunction) get16(off int) uint16 {
	return uint16(f.space[off]) | uint16(f.space[off+1])<<8
}

// Name returns the function's bus location.
func (f *PCIFunction) Name() string { return f.name }

func (f *PCIFunction) ConfigRead8(off uint8) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.space[off]
}

func (f *PCIFunction) ConfigRead16(off uint8) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get16(int(off) &^ 1)
}

func (f *PCIFunction) ConfigRead32(off uint8) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := int(off) &^ 3
	return uint32(f.get16(o)) | uint32(f.get16(o+2))<<16
}

func (f *PCIFunction) ConfigWrite8(off uint8, v uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= hal.PCIVendorID && off < hal.PCICommand {
		return
	}
	f.space[off] = v
}

func (f *PCIFunction) ConfigWrite16(off uint8, v uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := int(off) &^ 1
	if o < hal.PCICommand {
		return
	}
	if o == legacyOffset {
		// Status bits in LEGSUP are write-1-to-clear.
		v = v&0x2000 | (f.get16(o) &^ v & 0x8F00)
	}
	f.put16(o, v)
}

func (f *PCIFunction) ConfigWrite32(off uint8, v uint32) {
	f.ConfigWrite16(off, uint16(v))
	f.ConfigWrite16(off+2, uint16(v>>16))
}

// Legacy returns the LEGSUP register.
func (f *PCIFunction) Legacy() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get16(legacyOffset)
}

// Command returns the PCI command register.
func (f *PCIFunction) Command() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get16(hal.PCICommand)
}

// BAR maps BAR4, the UHCI I/O window. Other BARs are unimplemented.
func (f *PCIFunction) BAR(index int) (hal.AddressRegion, error) {
	if index != 4 {
		return nil, fmt.Errorf("sim: BAR%d: %w", index, pkg.ErrNotSupported)
	}
	return f.bar4, nil
}

var _ hal.PCIDevice = (*PCIFunction)(nil)
