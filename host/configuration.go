package host

import (
	"fmt"

	"github.com/ardnew/softuhci/pkg"
)

// Configuration is one parsed configuration of a device.
type Configuration struct {
	Descriptor ConfigurationDescriptor
	Interfaces []*Interface

	// Extra holds descriptors that precede the first interface, such as
	// interface association descriptors.
	Extra [][]byte
}

// Interface is one interface of a configuration. Its alternate settings
// form a list ordered by setting number.
type Interface struct {
	Number     uint8
	Alternates *AlternateInterface

	device *Device
	active *AlternateInterface
	driver *Driver
}

// AlternateInterface is one alternate setting of an interface.
type AlternateInterface struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor

	// Extra holds class-specific descriptors (HID, CDC functional, ...)
	// found between this interface descriptor and the next.
	Extra [][]byte

	Next *AlternateInterface
}

// Interface returns the interface with the given number, or nil.
func (c *Configuration) Interface(num uint8) *Interface {
	for _, ifc := range c.Interfaces {
		if ifc.Number == num {
			return ifc
		}
	}
	return nil
}

// Device returns the device the interface belongs to.
func (i *Interface) Device() *Device {
	return i.device
}

// Active returns the selected alternate setting.
func (i *Interface) Active() *AlternateInterface {
	if i.device != nil {
		i.device.mutex.RLock()
		defer i.device.mutex.RUnlock()
	}
	if i.active == nil {
		return i.Alternates
	}
	return i.active
}

// Alternate returns the alternate setting with the given number, or nil.
func (i *Interface) Alternate(setting uint8) *AlternateInterface {
	for alt := i.Alternates; alt != nil; alt = alt.Next {
		if alt.Descriptor.AlternateSetting == setting {
			return alt
		}
	}
	return nil
}

// NumAlternates returns the length of the alternate setting list.
func (i *Interface) NumAlternates() int {
	n := 0
	for alt := i.Alternates; alt != nil; alt = alt.Next {
		n++
	}
	return n
}

// Endpoint returns the endpoint with the given address, or nil.
func (a *AlternateInterface) Endpoint(address uint8) *EndpointDescriptor {
	if a == nil {
		return nil
	}
	for k := range a.Endpoints {
		if a.Endpoints[k].EndpointAddress == address {
			return &a.Endpoints[k]
		}
	}
	return nil
}

// owns reports whether ep points into this alternate setting's endpoints.
func (a *AlternateInterface) owns(ep *EndpointDescriptor) bool {
	if a == nil || ep == nil {
		return false
	}
	for k := range a.Endpoints {
		if &a.Endpoints[k] == ep {
			return true
		}
	}
	return false
}

// ParseConfiguration builds the interface graph of a full configuration
// descriptor block. Unknown descriptors are kept as Extra on the
// preceding interface, or on the configuration when no interface has been
// seen yet.
func ParseConfiguration(data []byte) (*Configuration, error) {
	cfg := &Configuration{}
	if err := cfg.Descriptor.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	total := int(cfg.Descriptor.TotalLength)
	if total > len(data) {
		return nil, fmt.Errorf("configuration %d > %d bytes: %w", total, len(data), pkg.ErrDescriptorTooShort)
	}

	var alt *AlternateInterface
	for off := int(cfg.Descriptor.Length); off+2 <= total; {
		n := int(data[off])
		if n < 2 || off+n > total {
			return nil, fmt.Errorf("descriptor at offset %d: %w", off, pkg.ErrDescriptorTooShort)
		}
		desc := data[off : off+n]
		switch desc[1] {
		case DescriptorTypeInterface:
			alt = &AlternateInterface{}
			if err := alt.Descriptor.UnmarshalBinary(desc); err != nil {
				return nil, fmt.Errorf("interface at offset %d: %w", off, err)
			}
			cfg.addAlternate(alt)
		case DescriptorTypeEndpoint:
			if alt == nil {
				return nil, fmt.Errorf("endpoint outside interface at offset %d: %w", off, pkg.ErrProtocol)
			}
			var ep EndpointDescriptor
			if err := ep.UnmarshalBinary(desc); err != nil {
				return nil, fmt.Errorf("endpoint at offset %d: %w", off, err)
			}
			alt.Endpoints = append(alt.Endpoints, ep)
		default:
			extra := append([]byte(nil), desc...)
			if alt == nil {
				cfg.Extra = append(cfg.Extra, extra)
			} else {
				alt.Extra = append(alt.Extra, extra)
			}
		}
		off += n
	}
	return cfg, nil
}

// addAlternate inserts alt into its interface's list, creating the
// interface on first sight.
func (c *Configuration) addAlternate(alt *AlternateInterface) {
	num := alt.Descriptor.InterfaceNumber
	ifc := c.Interface(num)
	if ifc == nil {
		ifc = &Interface{Number: num}
		c.Interfaces = append(c.Interfaces, ifc)
	}
	link := &ifc.Alternates
	for *link != nil && (*link).Descriptor.AlternateSetting < alt.Descriptor.AlternateSetting {
		link = &(*link).Next
	}
	alt.Next = *link
	*link = alt
}

// bind attaches the interfaces to dev and selects alternate zero.
func (c *Configuration) bind(dev *Device) {
	for _, ifc := range c.Interfaces {
		ifc.device = dev
		ifc.active = ifc.Alternates
	}
}
