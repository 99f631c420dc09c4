package host

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Device represents a connected USB device from the host's perspective.
type Device struct {
	host *Host
	ctrl Controller
	port int

	mutex      sync.RWMutex
	speed      hal.Speed
	address    uint8
	maxPacket0 uint8
	state      DeviceState
	descriptor DeviceDescriptor
	langID     uint16
	strings    map[uint8]string
	configs    []*Configuration
	active     *Configuration
}

// NewDevice returns a device in the Default state at address 0, as found
// on a port right after reset.
func NewDevice(ctrl Controller, port int, speed hal.Speed) *Device {
	return &Device{
		ctrl:       ctrl,
		port:       port,
		speed:      speed,
		maxPacket0: DefaultMaxPacketSize0,
		state:      DeviceStateDefault,
		strings:    make(map[uint8]string),
	}
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Port returns the root port the device is connected to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// MaxPacketSize0 returns the negotiated control pipe packet size.
func (d *Device) MaxPacketSize0() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.maxPacket0
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mutex.Lock()
	d.state = s
	d.mutex.Unlock()
}

// Controller returns the controller that owns the device.
func (d *Device) Controller() Controller {
	return d.ctrl
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.descriptor
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.Descriptor().VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.Descriptor().ProductID
}

// LangID returns the language used for string descriptors, or 0 when the
// device has none.
func (d *Device) LangID() uint16 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.langID
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.Descriptor().ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.Descriptor().ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.Descriptor().SerialNumberIndex)
}

// Configurations returns every configuration parsed during enumeration.
func (d *Device) Configurations() []*Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configs
}

// ActiveConfiguration returns the selected configuration, or nil before
// enumeration picks one.
func (d *Device) ActiveConfiguration() *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.active
}

// Interfaces returns the interfaces of the active configuration.
func (d *Device) Interfaces() []*Interface {
	if c := d.ActiveConfiguration(); c != nil {
		return c.Interfaces
	}
	return nil
}

// Interface returns an interface of the active configuration by number.
func (d *Device) Interface(num uint8) *Interface {
	if c := d.ActiveConfiguration(); c != nil {
		return c.Interface(num)
	}
	return nil
}

// Endpoint finds an endpoint by address among the active alternate
// settings of the active configuration.
func (d *Device) Endpoint(address uint8) *EndpointDescriptor {
	for _, ifc := range d.Interfaces() {
		if ep := ifc.Active().Endpoint(address); ep != nil {
			return ep
		}
	}
	return nil
}

func (d *Device) String() string {
	desc := d.Descriptor()
	return fmt.Sprintf("%04x:%04x@%d port %d (%s, %s)",
		desc.VendorID, desc.ProductID, d.Address(), d.port, d.speed, d.State())
}

// ControlTransfer performs a control transfer on the default pipe and
// waits for it. It returns the number of data stage bytes moved.
func (d *Device) ControlTransfer(setup hal.SetupPacket, data []byte) (int, error) {
	if setup.Length > 0 && len(data) < int(setup.Length) {
		return 0, fmt.Errorf("control buffer %d < %d: %w", len(data), setup.Length, pkg.ErrInvalidParameter)
	}
	return submitSync(d.ctrl.SubmitControl, &Request{
		Device:   d,
		Setup:    setup,
		Buffer:   data,
		Priority: PriorityNormal,
	})
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return d.ControlTransfer(setup, data)
}

// GetStatus performs a GET_STATUS request on the device.
func (d *Device) GetStatus() (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}
	if _, err := d.ControlTransfer(setup, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// GetEndpointStatus performs GET_STATUS on an endpoint. Bit 0 is the halt
// feature.
func (d *Device) GetEndpointStatus(endpoint uint8) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestGetStatus,
		Index:       uint16(endpoint),
		Length:      2,
	}
	if _, err := d.ControlTransfer(setup, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ClearEndpointHalt clears the halt condition on an endpoint and restarts
// its data toggle.
func (d *Device) ClearEndpointHalt(endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}
	if _, err := d.ControlTransfer(setup, nil); err != nil {
		return err
	}
	d.ctrl.ResetToggle(d, endpoint)
	return nil
}

// SetConfiguration selects a configuration by its bConfigurationValue.
// Device state only moves forward, so zero, which would unconfigure the
// device, is rejected.
func (d *Device) SetConfiguration(value uint8) error {
	var cfg *Configuration
	for _, c := range d.Configurations() {
		if value != 0 && c.Descriptor.ConfigurationValue == value {
			cfg = c
			break
		}
	}
	if cfg == nil {
		return fmt.Errorf("configuration %d: %w", value, pkg.ErrInvalidParameter)
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.ControlTransfer(setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.active = cfg
	cfg.bind(d)
	d.state = DeviceStateConfigured
	return nil
}

// SetInterface selects an alternate setting of an interface in the active
// configuration.
func (d *Device) SetInterface(num, alternate uint8) error {
	ifc := d.Interface(num)
	if ifc == nil {
		return fmt.Errorf("interface %d: %w", num, pkg.ErrInvalidParameter)
	}
	alt := ifc.Alternate(alternate)
	if alt == nil {
		return fmt.Errorf("interface %d alternate %d: %w", num, alternate, pkg.ErrInvalidParameter)
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeInterface,
		Request:     RequestSetInterface,
		Value:       uint16(alternate),
		Index:       uint16(num),
	}
	if _, err := d.ControlTransfer(setup, nil); err != nil {
		return err
	}
	d.mutex.Lock()
	ifc.active = alt
	d.mutex.Unlock()
	for _, ep := range alt.Endpoints {
		d.ctrl.ResetToggle(d, ep.EndpointAddress)
	}
	return nil
}

// Submit schedules an asynchronous transfer on the device. The pipe type
// is taken from req.Endpoint; a nil endpoint selects the control pipe.
func (d *Device) Submit(req *Request) {
	req.Device = d
	switch {
	case req.Endpoint == nil || req.Endpoint.IsControl():
		d.ctrl.SubmitControl(req)
	case req.Endpoint.IsBulk():
		d.ctrl.SubmitBulk(req)
	case req.Endpoint.IsInterrupt():
		d.ctrl.SubmitInterrupt(req)
	default:
		req.Complete(pkg.StatusBadType.Fail(), 0)
	}
}

// detach marks the device gone.
func (d *Device) detach() {
	d.setState(DeviceStateDetached)
}
