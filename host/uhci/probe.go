package uhci

import (
	"fmt"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// ProbeReport is what a read-only look at a controller function shows.
type ProbeReport struct {
	PCI       string
	Vendor    uint16
	Device    uint16
	Class     [3]uint8 // class, subclass, prog-if
	Revision  uint8
	IRQ       int
	Command   uint16
	Legacy    uint16
	IOBase    uint64
	Registers []string
	Ports     [NumPorts]hal.PortStatus
}

// IsUHCI reports whether the function identifies as a UHCI controller.
func (r ProbeReport) IsUHCI() bool {
	return r.Class == [3]uint8{pciClassSerialBus, pciSubclassUSB, pciProgIfUHCI}
}

// Probe reads the identity, register file and port state of a function
// without writing to it, so it is safe against a controller some other
// driver owns. A function that is not UHCI returns the partial report
// with ErrNotSupported.
func Probe(pci hal.PCIDevice) (ProbeReport, error) {
	r := ProbeReport{
		PCI:      pci.Name(),
		Vendor:   pci.ConfigRead16(hal.PCIVendorID),
		Device:   pci.ConfigRead16(hal.PCIDeviceID),
		Revision: pci.ConfigRead8(hal.PCIRevision),
		IRQ:      int(pci.ConfigRead8(hal.PCIInterruptLn)),
		Command:  pci.ConfigRead16(hal.PCICommand),
		Class: [3]uint8{
			pci.ConfigRead8(hal.PCIClass),
			pci.ConfigRead8(hal.PCISubclass),
			pci.ConfigRead8(hal.PCIProgIf),
		},
	}
	if !r.IsUHCI() {
		return r, fmt.Errorf("uhci: %s class %02x%02x%02x: %w",
			r.PCI, r.Class[0], r.Class[1], r.Class[2], pkg.ErrNotSupported)
	}
	r.Legacy = pci.ConfigRead16(pciLegacySupport)

	region, err := pci.BAR(pciBARIndex)
	if err != nil {
		return r, fmt.Errorf("uhci: map BAR%d: %w", pciBARIndex, err)
	}
	r.IOBase = region.Base()
	regs := newRegisters(region)
	r.Registers = regs.dump()
	for i := range r.Ports {
		r.Ports[i] = decodePort(regs.ports[i].Read())
	}
	return r, nil
}
