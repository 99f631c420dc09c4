package host

import (
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ardnew/softuhci/pkg"
)

// Wildcards for DeviceID fields.
const (
	MatchAny   = 0xFF
	MatchAnyID = 0xFFFF
)

// DeviceID is one entry of a driver's filter table. A field equal to its
// wildcard matches any value. Vendor and product also accept the 8-bit
// wildcard 0xFF so tables can use a single wildcard constant throughout.
type DeviceID struct {
	Vendor   uint16
	Product  uint16
	Class    uint8
	SubClass uint8
	Protocol uint8

	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
}

// AnyDevice matches every interface of every device.
var AnyDevice = DeviceID{
	Vendor: MatchAnyID, Product: MatchAnyID,
	Class: MatchAny, SubClass: MatchAny, Protocol: MatchAny,
	InterfaceClass: MatchAny, InterfaceSubClass: MatchAny, InterfaceProtocol: MatchAny,
}

// IsZero reports whether id is the all-zero entry that ends a filter table.
func (id DeviceID) IsZero() bool {
	return id == DeviceID{}
}

func match8(want, got uint8) bool {
	return want == MatchAny || want == got
}

func match16(want, got uint16) bool {
	return want == MatchAnyID || want == MatchAny || want == got
}

// MatchDevice compares the device-level fields.
func (id DeviceID) MatchDevice(desc DeviceDescriptor) bool {
	return match16(id.Vendor, desc.VendorID) &&
		match16(id.Product, desc.ProductID) &&
		match8(id.Class, desc.DeviceClass) &&
		match8(id.SubClass, desc.DeviceSubClass) &&
		match8(id.Protocol, desc.DeviceProtocol)
}

// MatchInterface compares the interface-level fields.
func (id DeviceID) MatchInterface(desc InterfaceDescriptor) bool {
	return match8(id.InterfaceClass, desc.InterfaceClass) &&
		match8(id.InterfaceSubClass, desc.InterfaceSubClass) &&
		match8(id.InterfaceProtocol, desc.InterfaceProtocol)
}

// Driver is a class driver. IDs is scanned in order up to the first zero
// entry. Probe is called with the interface already claimed for the
// driver; returning an error releases the claim. Disconnect is called
// when a bound interface goes away or the driver is deregistered.
type Driver struct {
	Name       string
	IDs        []DeviceID
	Probe      func(ifc *Interface, id DeviceID) error
	Disconnect func(ifc *Interface)

	host    *Host
	claimed mapset.Set[*Interface]
}

// Match returns the first filter entry that accepts the interface.
func (d *Driver) Match(dev *Device, ifc *Interface) (DeviceID, bool) {
	desc := dev.Descriptor()
	alt := ifc.Active()
	if alt == nil {
		return DeviceID{}, false
	}
	for _, id := range d.IDs {
		if id.IsZero() {
			break
		}
		if id.MatchDevice(desc) && id.MatchInterface(alt.Descriptor) {
			return id, true
		}
	}
	return DeviceID{}, false
}

// Interfaces returns the interfaces currently bound to the driver.
func (d *Driver) Interfaces() []*Interface {
	if d.claimed == nil {
		return nil
	}
	return d.claimed.ToSlice()
}

// Owns reports whether the driver has claimed ifc.
func (d *Driver) Owns(ifc *Interface) bool {
	return d.claimed != nil && d.claimed.Contains(ifc)
}

// Driver returns the driver bound to the interface, or nil.
func (i *Interface) Driver() *Driver {
	if i.device != nil && i.device.host != nil {
		i.device.host.mutex.RLock()
		defer i.device.host.mutex.RUnlock()
	}
	return i.driver
}

// RegisterDriver adds drv to the host and offers it every unclaimed
// interface of every configured device. It returns the number of
// interfaces bound, or pkg.ErrNoMatch when none were. The driver stays
// registered either way and is offered devices that attach later.
func (h *Host) RegisterDriver(drv *Driver) (int, error) {
	if drv == nil || drv.Probe == nil {
		return 0, pkg.ErrInvalidParameter
	}
	h.mutex.Lock()
	if drv.host != nil {
		h.mutex.Unlock()
		return 0, fmt.Errorf("driver %q: %w", drv.Name, pkg.ErrAlreadyRunning)
	}
	drv.host = h
	drv.claimed = mapset.NewSet[*Interface]()
	h.drivers = append(h.drivers, drv)
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentDriver, "driver registered", "driver", drv.Name)

	bound := 0
	for _, dev := range h.Devices() {
		bound += h.probe(drv, dev)
	}
	if bound == 0 {
		return 0, pkg.ErrNoMatch
	}
	return bound, nil
}

// DeregisterDriver disconnects drv from every interface it holds and
// removes it from the host.
func (h *Host) DeregisterDriver(drv *Driver) error {
	h.mutex.Lock()
	idx := slices.Index(h.drivers, drv)
	if idx < 0 {
		h.mutex.Unlock()
		return fmt.Errorf("driver %q: %w", drv.Name, pkg.ErrInvalidParameter)
	}
	h.drivers = slices.Delete(h.drivers, idx, idx+1)
	h.mutex.Unlock()

	for _, ifc := range drv.Interfaces() {
		h.unbind(drv, ifc)
	}

	h.mutex.Lock()
	drv.host = nil
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentDriver, "driver deregistered", "driver", drv.Name)
	return nil
}

// bindDevice offers a configured device to every registered driver.
func (h *Host) bindDevice(dev *Device) int {
	h.mutex.RLock()
	drivers := slices.Clone(h.drivers)
	h.mutex.RUnlock()

	bound := 0
	for _, drv := range drivers {
		bound += h.probe(drv, dev)
	}
	return bound
}

// unbindDevice disconnects every driver bound to dev.
func (h *Host) unbindDevice(dev *Device) {
	for _, ifc := range dev.Interfaces() {
		if drv := ifc.Driver(); drv != nil {
			h.unbind(drv, ifc)
		}
	}
}

// probe offers drv each unclaimed matching interface of dev.
func (h *Host) probe(drv *Driver, dev *Device) int {
	if dev.State() != DeviceStateConfigured {
		return 0
	}
	bound := 0
	for _, ifc := range dev.Interfaces() {
		id, ok := drv.Match(dev, ifc)
		if !ok {
			continue
		}
		if err := h.claim(drv, ifc); err != nil {
			pkg.LogDebug(pkg.ComponentDriver, "interface unavailable",
				"driver", drv.Name,
				"device", dev.String(),
				"interface", ifc.Number,
				"error", err)
			continue
		}
		if err := drv.Probe(ifc, id); err != nil {
			h.release(drv, ifc)
			pkg.LogDebug(pkg.ComponentDriver, "probe declined",
				"driver", drv.Name,
				"interface", ifc.Number,
				"error", err)
			continue
		}
		pkg.LogInfo(pkg.ComponentDriver, "driver bound",
			"driver", drv.Name,
			"device", dev.String(),
			"interface", ifc.Number)
		h.emit(Event{Type: EventDriverBound, Port: dev.port, Device: dev, Driver: drv, Interface: ifc})
		bound++
	}
	return bound
}

// claim locks ifc to drv. An interface has at most one driver.
func (h *Host) claim(drv *Driver, ifc *Interface) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if ifc.driver != nil {
		return pkg.ErrClaimed
	}
	ifc.driver = drv
	drv.claimed.Add(ifc)
	return nil
}

// release undoes claim.
func (h *Host) release(drv *Driver, ifc *Interface) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if ifc.driver == drv {
		ifc.driver = nil
	}
	drv.claimed.Remove(ifc)
}

// unbind disconnects drv from ifc and releases the claim.
func (h *Host) unbind(drv *Driver, ifc *Interface) {
	if drv.Disconnect != nil {
		drv.Disconnect(ifc)
	}
	h.release(drv, ifc)
	pkg.LogInfo(pkg.ComponentDriver, "driver unbound", "driver", drv.Name, "interface", ifc.Number)
	h.emit(Event{Type: EventDriverUnbound, Port: ifc.device.port, Device: ifc.device, Driver: drv, Interface: ifc})
}
