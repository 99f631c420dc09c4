package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Clock selects what advances simulated frames.
type Clock uint8

const (
	// ClockManual advances only on Step. Run may drive it in real time.
	ClockManual Clock = iota
	// ClockOnPoll also advances one frame on every USBSTS read, which makes
	// a polling driver deterministic without a background ticker.
	ClockOnPoll
)

// NumPorts is the number of simulated root ports.
const NumPorts = 2

// Register offsets and bits of the modeled controller.
const (
	regCmd     = 0x00
	regSts     = 0x02
	regIntr    = 0x04
	regFrnum   = 0x06
	regFrbase  = 0x08
	regSof     = 0x0C
	regPortsc1 = 0x10

	cmdRS      = 1 << 0
	cmdHCReset = 1 << 1
	cmdGReset  = 1 << 2

	stsUSBINT = 1 << 0
	stsERRINT = 1 << 1
	stsHSERR  = 1 << 3
	stsHCPERR = 1 << 4
	stsHalted = 1 << 5

	intrTimeoutCRC = 1 << 0
	intrIOC        = 1 << 2
	intrShort      = 1 << 3

	portCCS   = 1 << 0
	portCSC   = 1 << 1
	portPE    = 1 << 2
	portPEC   = 1 << 3
	portLineJ = 1 << 4
	portLineK = 1 << 5
	portOne   = 1 << 7
	portLSDA  = 1 << 8
	portPR    = 1 << 9
	portSUSP  = 1 << 12
)

// Options configures a Machine.
type Options struct {
	// Pages is the size of DMA memory. Zero selects 256 pages.
	Pages int
	Clock Clock
	// FailReset leaves HCRESET asserted forever.
	FailReset bool
	// FailHalt keeps the controller from reporting halted after reset.
	FailHalt bool
}

type port struct {
	dev     *Device
	enabled bool
	reset   bool
	csc     bool
	pec     bool
	suspend bool
}

// Machine is a simulated PC with one UHCI controller: DMA memory, PCI
// configuration space, an interrupt line, and two root ports. The
// controller model walks the frame list the driver installs and executes
// transfer descriptors against attached Devices.
type Machine struct {
	mem  *Memory
	pci  *PCIFunction
	irq  *IRQ
	opts Options

	mu     sync.Mutex
	cmd    uint16
	sts    uint16
	intr   uint16
	frnum  uint16
	frbase uint32
	sof    uint8
	ports  [NumPorts]port
	frames uint64
}

// New returns a powered-on machine with empty ports.
func New(opts Options) *Machine {
	if opts.Pages <= 0 {
		opts.Pages = 256
	}
	m := &Machine{
		mem:  NewMemory(opts.Pages),
		irq:  newIRQ(),
		opts: opts,
		sts:  stsHalted,
		sof:  64,
	}
	m.pci = newPCIFunction("sim:00:1d.0", (*ioWindow)(m))
	return m
}

// Platform returns the services a driver consumes.
func (m *Machine) Platform() hal.Platform {
	return hal.Platform{PCI: m.pci, Memory: m.mem, IRQ: m.irq}
}

func (m *Machine) Memory() *Memory   { return m.mem }
func (m *Machine) PCI() *PCIFunction { return m.pci }
func (m *Machine) IRQ() *IRQ         { return m.irq }

// Frames returns the number of frames executed.
func (m *Machine) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Attach connects d to a root port (0-based).
func (m *Machine) Attach(p int, d *Device) error {
	if p < 0 || p >= NumPorts || d == nil {
		return fmt.Errorf("sim: attach port %d: %w", p, pkg.ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ports[p].dev != nil {
		return fmt.Errorf("sim: port %d: %w", p, pkg.ErrClaimed)
	}
	d.Reset()
	m.ports[p] = port{dev: d, csc: true}
	pkg.LogDebug(pkg.ComponentSim, "attach", "port", p, "device", d.Name, "speed", d.Speed.String())
	return nil
}

// Detach disconnects whatever is on a root port.
func (m *Machine) Detach(p int) error {
	if p < 0 || p >= NumPorts {
		return fmt.Errorf("sim: detach port %d: %w", p, pkg.ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ports[p].dev == nil {
		return fmt.Errorf("sim: port %d: %w", p, pkg.ErrNoDevice)
	}
	m.ports[p] = port{csc: true, pec: m.ports[p].enabled}
	pkg.LogDebug(pkg.ComponentSim, "detach", "port", p)
	return nil
}

// Device returns the device attached to a port, if any.
func (m *Machine) Device(p int) *Device {
	if p < 0 || p >= NumPorts {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ports[p].dev
}

// Step executes one frame.
func (m *Machine) Step() {
	m.mu.Lock()
	raise := m.frame()
	m.mu.Unlock()
	if raise {
		m.irq.raise(IRQLine)
	}
}

// Steps executes n frames.
func (m *Machine) Steps(n int) {
	for i := 0; i < n; i++ {
		m.Step()
	}
}

// Run executes one frame per millisecond until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Step()
		}
	}
}

// hardReset restores power-on register values. Must hold m.mu.
func (m *Machine) hardReset() {
	m.cmd, m.intr, m.frnum, m.frbase, m.sof = 0, 0, 0, 0, 64
	m.sts = stsHalted
	if m.opts.FailHalt {
		m.sts = 0
	}
	for i := range m.ports {
		p := &m.ports[i]
		p.enabled, p.reset, p.suspend, p.pec = false, false, false, false
		p.csc = p.dev != nil
	}
}

func (m *Machine) portRead(i int) uint16 {
	p := &m.ports[i]
	v := uint16(portOne)
	if p.dev != nil {
		v |= portCCS
		if p.dev.Speed == hal.SpeedLow {
			v |= portLSDA | portLineK
		} else {
			v |= portLineJ
		}
	}
	if p.csc {
		v |= portCSC
	}
	if p.enabled {
		v |= portPE
	}
	if p.pec {
		v |= portPEC
	}
	if p.reset {
		v |= portPR
	}
	if p.suspend {
		v |= portSUSP
	}
	return v
}

func (m *Machine) portWrite(i int, v uint16) {
	p := &m.ports[i]
	if v&portCSC != 0 {
		p.csc = false
	}
	if v&portPEC != 0 {
		p.pec = false
	}
	switch {
	case v&portPR != 0:
		p.reset = true
		p.enabled = false
	case p.reset:
		p.reset = false
		if p.dev != nil {
			p.dev.Reset()
		}
	}
	if !p.reset {
		p.enabled = v&portPE != 0 && p.dev != nil
	}
	p.suspend = v&portSUSP != 0
}

func (m *Machine) read16(off uint32) uint16 {
	m.mu.Lock()
	var raise bool
	var v uint16
	switch {
	case off == regCmd:
		v = m.cmd
	case off == regSts:
		if m.opts.Clock == ClockOnPoll {
			raise = m.frame()
		}
		v = m.sts
	case off == regIntr:
		v = m.intr
	case off == regFrnum:
		v = m.frnum & 0x7FF
	case off == regFrbase:
		v = uint16(m.frbase)
	case off == regFrbase+2:
		v = uint16(m.frbase >> 16)
	case off == regSof:
		v = uint16(m.sof)
	case off >= regPortsc1 && off < regPortsc1+2*NumPorts:
		v = m.portRead(int(off-regPortsc1) / 2)
	}
	m.mu.Unlock()
	if raise {
		m.irq.raise(IRQLine)
	}
	return v
}

func (m *Machine) write16(off uint32, v uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case off == regCmd:
		switch {
		case v&cmdHCReset != 0:
			if m.opts.FailReset {
				m.cmd = v
				return
			}
			m.hardReset()
		case v&cmdGReset != 0:
			m.cmd = v
			for i := range m.ports {
				m.ports[i].enabled = false
				if d := m.ports[i].dev; d != nil {
					d.Reset()
				}
			}
		default:
			m.cmd = v
			if v&cmdRS != 0 {
				m.sts &^= stsHalted
			} else {
				m.sts |= stsHalted
			}
		}
	case off == regSts:
		m.sts &^= v & 0x1F
	case off == regIntr:
		m.intr = v & 0x0F
	case off == regFrnum:
		m.frnum = v & 0x7FF
	case off == regFrbase:
		m.frbase = m.frbase&0xFFFF0000 | uint32(v)&0xF000
	case off == regFrbase+2:
		m.frbase = m.frbase&0xFFFF | uint32(v)<<16
	case off == regSof:
		m.sof = uint8(v) & 0x7F
	case off >= regPortsc1 && off < regPortsc1+2*NumPorts:
		m.portWrite(int(off-regPortsc1)/2, v)
	}
}

// ioWindow exposes the controller registers as a port I/O region.
type ioWindow Machine

func (w *ioWindow) m() *Machine { return (*Machine)(w) }

func (w *ioWindow) Kind() hal.RegionKind { return hal.RegionPortIO }
func (w *ioWindow) Base() uint64         { return IOBase }

func (w *ioWindow) Read8(off uint32) uint8 {
	return uint8(w.m().read16(off&^1) >> (8 * (off & 1)))
}

func (w *ioWindow) Read16(off uint32) uint16 { return w.m().read16(off) }

func (w *ioWindow) Read32(off uint32) uint32 {
	return uint32(w.m().read16(off)) | uint32(w.m().read16(off+2))<<16
}

func (w *ioWindow) Write8(off uint32, v uint8) {
	if off == regSof {
		w.m().write16(off, uint16(v))
		return
	}
	cur := w.m().read16(off &^ 1)
	sh := 8 * (off & 1)
	w.m().write16(off&^1, cur&^(0xFF<<sh)|uint16(v)<<sh)
}

func (w *ioWindow) Write16(off uint32, v uint16) { w.m().write16(off, v) }

func (w *ioWindow) Write32(off uint32, v uint32) {
	w.m().write16(off, uint16(v))
	w.m().write16(off+2, uint16(v>>16))
}

var _ hal.AddressRegion = (*ioWindow)(nil)
