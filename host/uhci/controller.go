package uhci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softuhci/host"
	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// hcResetTimeout bounds the HCRESET handshake.
const hcResetTimeout = 50 * time.Millisecond

// portEnableRetries bounds attempts to enable a port after reset.
const portEnableRetries = 10

// deviceState is the controller's private bookkeeping for one device.
type deviceState struct {
	mem     *hal.DMA
	slots   *pool
	toggles map[uint8]uint8 // endpoint address -> next data toggle
	queues  map[int]struct{}
}

// Controller drives one UHCI host controller.
//
// A single mutex guards the schedule, both descriptor pools, the lookup
// tables and every device's request slots. Callbacks always run with it
// released.
type Controller struct {
	platform hal.Platform
	opts     Options

	regs registers
	irq  int

	mu      sync.Mutex
	running bool
	sched   *schedule
	mem     []*hal.DMA
	queues  map[int]*queue
	devices map[*host.Device]*deviceState

	wake    chan struct{}
	pending atomic.Bool
	busy    atomic.Bool
	overrun atomic.Bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New returns a controller for the UHCI function on p. Hardware is not
// touched until Start.
func New(p hal.Platform, opts Options) (*Controller, error) {
	if p.PCI == nil || p.Memory == nil {
		return nil, fmt.Errorf("uhci: platform: %w", pkg.ErrInvalidParameter)
	}
	opts = opts.normalize()
	if opts.Mode == ModeInterrupt && p.IRQ == nil {
		pkg.LogWarn(pkg.ComponentUHCI, "no interrupt controller, falling back to polling")
		opts.Mode = ModePoll
	}
	return &Controller{
		platform: p,
		opts:     opts,
		queues:   make(map[int]*queue),
		devices:  make(map[*host.Device]*deviceState),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Options returns the effective tuning.
func (c *Controller) Options() Options { return c.opts }

// NumPorts returns the number of root hub ports.
func (c *Controller) NumPorts() int { return NumPorts }

// Start brings the controller up and launches the completion task.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return pkg.ErrAlreadyRunning
	}
	c.mu.Unlock()

	if err := c.bringUp(ctx); err != nil {
		c.release()
		return err
	}

	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)
	g.Go(func() error { return c.completionTask(gctx) })

	c.mu.Lock()
	c.running = true
	c.cancel = cancel
	c.group = g
	c.mu.Unlock()

	pkg.LogInfo(pkg.ComponentUHCI, "controller running",
		"pci", c.platform.PCI.Name(),
		"mode", c.opts.Mode.String(),
		"irq", c.irq)
	return nil
}

func (c *Controller) alloc(pages int) (*hal.DMA, error) {
	d, err := c.platform.Memory.AllocPages(pages)
	if err != nil {
		return nil, fmt.Errorf("uhci: alloc %d pages: %w", pages, err)
	}
	c.mem = append(c.mem, d)
	return d, nil
}

// bringUp resets the controller, installs the frame list and skeleton, and
// sets it running.
func (c *Controller) bringUp(ctx context.Context) error {
	pci := c.platform.PCI
	if pci.ConfigRead8(hal.PCIClass) != pciClassSerialBus ||
		pci.ConfigRead8(hal.PCISubclass) != pciSubclassUSB ||
		pci.ConfigRead8(hal.PCIProgIf) != pciProgIfUHCI {
		return fmt.Errorf("uhci: %s is not a UHCI function: %w", pci.Name(), pkg.ErrNotSupported)
	}
	region, err := pci.BAR(pciBARIndex)
	if err != nil {
		return fmt.Errorf("uhci: map BAR%d: %w", pciBARIndex, err)
	}
	c.regs = newRegisters(region)

	// Hand the controller over from BIOS legacy emulation.
	pci.ConfigWrite16(pciLegacySupport, legacyDisable)
	cmd := pci.ConfigRead16(hal.PCICommand)
	pci.ConfigWrite16(hal.PCICommand, cmd|hal.PCICommandIO|hal.PCICommandBusMaster)

	c.regs.interrupts.Write(0)
	c.regs.command.Write(cmdGReset)
	if err := sleep(ctx, c.opts.ResetHold); err != nil {
		return err
	}
	c.regs.command.Write(0)

	c.regs.command.Write(cmdHCReset)
	deadline := time.Now().Add(hcResetTimeout)
	for c.regs.command.Read()&cmdHCReset != 0 {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("uhci: %s: %w", c.regs.command.Dump(), pkg.ErrResetFailed)
		}
		time.Sleep(pollYield)
	}
	if c.regs.status.Read()&stsHalted == 0 {
		return fmt.Errorf("uhci: %s: %w", c.regs.status.Dump(), pkg.ErrNotHalted)
	}

	frames, err := c.alloc(1)
	if err != nil {
		return err
	}
	qhMem, err := c.alloc(c.opts.QHPages)
	if err != nil {
		return err
	}
	tdMem, err := c.alloc(c.opts.TDPages)
	if err != nil {
		return err
	}
	tds := c.opts.TDPages * hal.PageSize / tdSize
	packets, err := c.alloc((tds*packetSize + hal.PageSize - 1) / hal.PageSize)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sched = newSchedule(frames, qhMem, tdMem, packets)
	err = c.sched.build()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.regs.frameBase.Write(frames.Phys())
	c.regs.frameNumber.Write(0)
	c.regs.sof.Write(64)
	c.regs.status.Write(stsAck)

	if c.opts.Mode == ModeInterrupt {
		c.irq = int(pci.ConfigRead8(hal.PCIInterruptLn))
		if err := c.platform.IRQ.Register(c.irq, c.interrupt); err != nil {
			return fmt.Errorf("uhci: irq %d: %w", c.irq, err)
		}
		c.regs.interrupts.Write(intrTimeoutCRC | intrIOC | intrShortPacket)
	}

	c.regs.command.Write(cmdRun | cmdConfigure | cmdMaxPacket)
	deadline = time.Now().Add(hcResetTimeout)
	for c.regs.status.Read()&stsHalted != 0 {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("uhci: controller did not start: %w", pkg.ErrNotRunning)
		}
		time.Sleep(pollYield)
	}

	if pkg.DebugEnabled() {
		for _, line := range c.regs.dump() {
			pkg.LogDebug(pkg.ComponentUHCI, "register", "value", line)
		}
	}
	return nil
}

// Stop halts the controller, fails every outstanding transfer with
// StatusShutdown, and releases all pinned memory.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return pkg.ErrNotRunning
	}
	c.running = false
	cancel, g := c.cancel, c.group
	c.mu.Unlock()

	cancel()
	err := g.Wait()

	c.regs.command.Clear(cmdRun)
	deadline := time.Now().Add(hcResetTimeout)
	for c.regs.status.Read()&stsHalted == 0 && time.Now().Before(deadline) {
		time.Sleep(pollYield)
	}
	c.regs.interrupts.Write(0)
	if c.opts.Mode == ModeInterrupt {
		if derr := c.platform.IRQ.Deregister(c.irq); derr != nil {
			err = errors.Join(err, derr)
		}
	}

	c.mu.Lock()
	out := make([]completion, 0, len(c.queues))
	for _, q := range c.queues {
		out = append(out, completion{req: q.req, status: pkg.StatusShutdown.Fail(), settled: q.settled})
		c.retire(q)
	}
	for dev, ds := range c.devices {
		if ferr := c.platform.Memory.FreePages(ds.mem); ferr != nil {
			err = errors.Join(err, ferr)
		}
		delete(c.devices, dev)
	}
	c.mu.Unlock()

	for _, d := range out {
		d.deliver()
	}
	if rerr := c.release(); rerr != nil {
		err = errors.Join(err, rerr)
	}
	pkg.LogInfo(pkg.ComponentUHCI, "controller stopped", "failed", len(out))
	return err
}

// release frees controller memory.
func (c *Controller) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for _, d := range c.mem {
		err = errors.Join(err, c.platform.Memory.FreePages(d))
	}
	c.mem = nil
	c.sched = nil
	return err
}

// InitDevice allocates the request-slot pool for a newly reset device.
func (c *Controller) InitDevice(dev *host.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return pkg.ErrNotRunning
	}
	if _, ok := c.devices[dev]; ok {
		return nil
	}
	pages := (c.opts.RequestSlots*slotSize + hal.PageSize - 1) / hal.PageSize
	mem, err := c.platform.Memory.AllocPages(pages)
	if err != nil {
		return fmt.Errorf("uhci: request slots: %w", err)
	}
	slots := newPool("request", mem, slotSize)
	slots.n = min(slots.n, c.opts.RequestSlots)
	c.devices[dev] = &deviceState{
		mem:     mem,
		slots:   slots,
		toggles: make(map[uint8]uint8),
		queues:  make(map[int]struct{}),
	}
	return nil
}

// ReleaseDevice retires every queue owned by dev with StatusShutdown and
// frees its request slots.
func (c *Controller) ReleaseDevice(dev *host.Device) {
	c.mu.Lock()
	ds, ok := c.devices[dev]
	if !ok {
		c.mu.Unlock()
		return
	}
	out := make([]completion, 0, len(ds.queues))
	for qi := range ds.queues {
		if q, ok := c.queues[qi]; ok {
			out = append(out, completion{req: q.req, status: pkg.StatusShutdown.Fail(), settled: q.settled})
			c.retire(q)
		}
	}
	delete(c.devices, dev)
	err := c.platform.Memory.FreePages(ds.mem)
	c.mu.Unlock()

	if err != nil {
		pkg.LogWarn(pkg.ComponentUHCI, "free request slots", "error", err)
	}
	for _, d := range out {
		d.deliver()
	}
}

// ResetToggle restarts the data toggle of an endpoint at DATA0, as required
// after a halt is cleared.
func (c *Controller) ResetToggle(dev *host.Device, endpoint uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.devices[dev]; ok {
		delete(ds.toggles, endpoint)
	}
}

func (c *Controller) port(port int) (Register, error) {
	if port < 0 || port >= NumPorts {
		return nil, fmt.Errorf("uhci: port %d: %w", port, pkg.ErrInvalidParameter)
	}
	if c.regs.ports[port] == nil {
		return nil, pkg.ErrNotRunning
	}
	return c.regs.ports[port], nil
}

// PortStatus decodes PORTSC for a root port (0-based).
func (c *Controller) PortStatus(port int) (hal.PortStatus, error) {
	r, err := c.port(port)
	if err != nil {
		return hal.PortStatus{}, err
	}
	return decodePort(r.Read()), nil
}

func decodePort(v uint32) hal.PortStatus {
	ps := hal.PortStatus{
		Connected:     v&portConnected != 0,
		Enabled:       v&portEnabled != 0,
		Suspended:     v&portSuspend != 0,
		Reset:         v&portReset != 0,
		ResumeDetect:  v&portResumeDetect != 0,
		ConnectChange: v&portConnectChange != 0,
		EnableChange:  v&portEnableChange != 0,
		LineStatus:    uint8((v & portLineStatus) >> 4),
	}
	if ps.Connected {
		ps.Speed = hal.SpeedFull
		if v&portLowSpeed != 0 {
			ps.Speed = hal.SpeedLow
		}
	}
	return ps
}

// ClearPortChange acknowledges the connect and enable change bits.
func (c *Controller) ClearPortChange(port int) error {
	r, err := c.port(port)
	if err != nil {
		return err
	}
	r.Clear(portConnectChange | portEnableChange)
	return nil
}

// ResetPort drives reset signaling on a root port, then enables it and
// reports the attached device's speed.
func (c *Controller) ResetPort(ctx context.Context, port int) (hal.Speed, error) {
	r, err := c.port(port)
	if err != nil {
		return hal.SpeedUnknown, err
	}

	r.Set(portReset)
	if err := sleep(ctx, c.opts.PortResetHold); err != nil {
		r.Clear(portReset)
		return hal.SpeedUnknown, err
	}
	r.Clear(portReset)

	for i := 0; i < portEnableRetries; i++ {
		v := r.Read()
		if v&portConnected == 0 {
			return hal.SpeedUnknown, pkg.ErrNoDevice
		}
		if v&portW1C != 0 {
			r.Clear(portW1C)
			continue
		}
		if v&portEnabled != 0 {
			ps := decodePort(v)
			pkg.LogDebug(pkg.ComponentUHCI, "port reset",
				"port", port,
				"speed", ps.Speed.String(),
				"reg", r.Dump())
			return ps.Speed, nil
		}
		r.Set(portEnabled)
		if err := sleep(ctx, time.Millisecond); err != nil {
			return hal.SpeedUnknown, err
		}
	}
	return hal.SpeedUnknown, fmt.Errorf("uhci: port %d not enabled: %w", port, pkg.ErrResetFailed)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ host.Controller = (*Controller)(nil)
