package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// DefaultPortPoll is the root port polling period used when Options leaves
// it unset.
const DefaultPortPoll = 100 * time.Millisecond

// Options configures a Host.
type Options struct {
	// PortPoll is the root port polling period. Negative disables the
	// monitor; ports are then only scanned by explicit Scan calls.
	PortPoll time.Duration

	// MaxConfigSize bounds configuration descriptors read during
	// enumeration. Zero selects MaxConfigSize.
	MaxConfigSize int
}

// Host manages a host controller, the devices on its root ports and the
// class drivers bound to them.
type Host struct {
	ctrl  Controller
	opts  Options
	addrs *addressAllocator

	mutex        sync.RWMutex
	running      bool
	devices      map[uint8]*Device
	ports        []*Device
	drivers      []*Driver
	listeners    map[ListenerID]Listener
	nextListener ListenerID

	// scan serializes port scans between the monitor and ResetPort.
	scan sync.Mutex

	cancel    context.CancelFunc
	group     *errgroup.Group
	connected chan *Device
}

// New creates a host on ctrl.
func New(ctrl Controller, opts Options) *Host {
	if opts.PortPoll == 0 {
		opts.PortPoll = DefaultPortPoll
	}
	if opts.MaxConfigSize <= 0 {
		opts.MaxConfigSize = MaxConfigSize
	}
	return &Host{
		ctrl:      ctrl,
		opts:      opts,
		addrs:     newAddressAllocator(),
		devices:   make(map[uint8]*Device),
		ports:     make([]*Device, ctrl.NumPorts()),
		listeners: make(map[ListenerID]Listener),
		connected: make(chan *Device, MaxDevices),
	}
}

// Controller returns the host controller.
func (h *Host) Controller() Controller {
	return h.ctrl
}

// Start starts the controller, enumerates devices already present and
// starts the port monitor.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.running = true
	h.mutex.Unlock()

	if err := h.ctrl.Start(ctx); err != nil {
		h.mutex.Lock()
		h.running = false
		h.mutex.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	h.mutex.Lock()
	h.cancel = cancel
	h.group = group
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.NumPorts())

	h.Scan(ctx, true)
	if h.opts.PortPoll > 0 {
		group.Go(func() error {
			return h.monitor(ctx)
		})
	}
	return nil
}

// Stop removes every device, stops the monitor and halts the controller.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	cancel, group := h.cancel, h.group
	h.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			pkg.LogWarn(pkg.ComponentHost, "monitor stopped with error", "error", err)
		}
	}

	h.scan.Lock()
	for port := range h.ports {
		if dev := h.portDevice(port); dev != nil {
			h.remove(dev)
		}
	}
	h.scan.Unlock()

	if err := h.ctrl.Stop(); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning reports whether the host has been started.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// NumPorts returns the number of root ports.
func (h *Host) NumPorts() int {
	return h.ctrl.NumPorts()
}

// PortStatus returns the status of a root port.
func (h *Host) PortStatus(port int) (hal.PortStatus, error) {
	return h.ctrl.PortStatus(port)
}

// Devices returns the configured devices ordered by address.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	result := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		result = append(result, dev)
	}
	h.mutex.RUnlock()
	slices.SortFunc(result, func(a, b *Device) int {
		return int(a.Address()) - int(b.Address())
	})
	return result
}

// GetDevice returns the configured device at address, or nil.
func (h *Host) GetDevice(address uint8) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address]
}

// DeviceOnPort returns the device attached to a root port, including one
// that failed enumeration, or nil.
func (h *Host) DeviceOnPort(port int) *Device {
	if port < 0 || port >= len(h.ports) {
		return nil
	}
	return h.portDevice(port)
}

func (h *Host) portDevice(port int) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.ports[port]
}

// WaitDevice blocks until a device is configured.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case dev := <-h.connected:
		return dev, nil
	}
}

// ResetPort resets a root port and enumerates whatever is attached to it,
// replacing any device previously found there.
func (h *Host) ResetPort(ctx context.Context, port int) (*Device, error) {
	if port < 0 || port >= len(h.ports) {
		return nil, fmt.Errorf("port %d: %w", port, pkg.ErrInvalidParameter)
	}
	h.scan.Lock()
	defer h.scan.Unlock()

	if dev := h.portDevice(port); dev != nil {
		h.remove(dev)
	}
	ps, err := h.ctrl.PortStatus(port)
	if err != nil {
		return nil, err
	}
	if !ps.Connected {
		return nil, pkg.ErrNoDevice
	}
	return h.attach(ctx, port)
}

// Scan checks every root port once. Ports with a connect change have
// their old device removed and any new device enumerated. With initial
// set, connected ports without a known device are enumerated even when no
// change is flagged.
func (h *Host) Scan(ctx context.Context, initial bool) {
	h.scan.Lock()
	defer h.scan.Unlock()

	for port := range h.ports {
		if ctx.Err() != nil {
			return
		}
		ps, err := h.ctrl.PortStatus(port)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHost, "port status failed", "port", port, "error", err)
			continue
		}
		existing := h.portDevice(port)
		if !ps.ConnectChange && !(initial && ps.Connected && existing == nil) {
			continue
		}
		if err := h.ctrl.ClearPortChange(port); err != nil {
			pkg.LogWarn(pkg.ComponentHost, "clear port change failed", "port", port, "error", err)
		}
		if existing != nil {
			pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port, "address", existing.Address())
			h.remove(existing)
		}
		if ps.Connected {
			pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port, "speed", ps.Speed)
			if _, err := h.attach(ctx, port); err != nil {
				pkg.LogWarn(pkg.ComponentHost, "enumeration failed", "port", port, "error", err)
			}
		}
	}
}

// monitor polls the root ports until ctx is cancelled.
func (h *Host) monitor(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.PortPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Scan(ctx, false)
		}
	}
}

// attach resets the port, enumerates the device and binds drivers. A
// device that fails enumeration stays recorded on its port, in whatever
// state it reached, so it is not retried until it reconnects.
func (h *Host) attach(ctx context.Context, port int) (*Device, error) {
	speed, err := h.ctrl.ResetPort(ctx, port)
	if err != nil {
		return nil, err
	}
	dev := NewDevice(h.ctrl, port, speed)
	dev.host = h
	if err := h.ctrl.InitDevice(dev); err != nil {
		return nil, err
	}
	h.mutex.Lock()
	h.ports[port] = dev
	h.mutex.Unlock()
	h.emit(Event{Type: EventDeviceAttached, Port: port, Device: dev})

	if err := enumerate(ctx, dev, h.addrs, h.opts.MaxConfigSize); err != nil {
		h.emit(Event{Type: EventEnumerationFailed, Port: port, Device: dev, Err: err})
		return dev, err
	}

	h.mutex.Lock()
	h.devices[dev.Address()] = dev
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"address", dev.Address(),
		"vendor", dev.VendorID(),
		"product", dev.ProductID(),
		"speed", dev.Speed())
	h.emit(Event{Type: EventDeviceConfigured, Port: port, Device: dev})

	h.bindDevice(dev)

	select {
	case h.connected <- dev:
	default:
	}
	return dev, nil
}

// remove unbinds drivers, retires the device's transfers and frees its
// address.
func (h *Host) remove(dev *Device) {
	h.unbindDevice(dev)
	h.ctrl.ReleaseDevice(dev)

	addr := dev.Address()
	h.mutex.Lock()
	if h.devices[addr] == dev {
		delete(h.devices, addr)
	}
	if h.ports[dev.port] == dev {
		h.ports[dev.port] = nil
	}
	h.mutex.Unlock()
	h.addrs.release(addr)
	dev.detach()

	h.emit(Event{Type: EventDeviceRemoved, Port: dev.port, Device: dev})
}
