package host

import "fmt"

// DeviceState is where a device stands in enumeration. It only moves
// forward through Default, Address and Configured; Detached is terminal.
type DeviceState uint8

const (
	DeviceStateDetached   DeviceState = iota // removed, or abandoned after a failure
	DeviceStateDefault                       // reset, answering at address 0
	DeviceStateAddress                       // SET_ADDRESS accepted
	DeviceStateConfigured                    // SET_CONFIGURATION accepted
)

var deviceStateNames = [...]string{
	DeviceStateDetached:   "Detached",
	DeviceStateDefault:    "Default",
	DeviceStateAddress:    "Address",
	DeviceStateConfigured: "Configured",
}

func (s DeviceState) String() string {
	if int(s) < len(deviceStateNames) {
		return deviceStateNames[s]
	}
	return fmt.Sprintf("Unknown State (%d)", s)
}

// Bus and enumeration limits.
const (
	// MaxDevices is the highest assignable USB device address.
	MaxDevices = 127

	// DefaultMaxPacketSize0 is the control pipe packet size assumed until the
	// first 8 bytes of the device descriptor have been read.
	DefaultMaxPacketSize0 = 8

	// MaxConfigSize bounds a configuration descriptor block. Larger
	// configurations are skipped during enumeration.
	MaxConfigSize = 512

	// MaxStringSize is the request length used for string descriptors.
	MaxStringSize = 255
)

// Endpoint attribute and address bits.
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
	endpointTypeMask        = 0x03

	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
	endpointNumberMask   = 0x0F
)

// Standard descriptor types the host decodes.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Standard requests issued by the host.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetConfiguration = 0x09
	RequestSetInterface     = 0x0B

	// FeatureEndpointHalt is the ENDPOINT_HALT feature selector.
	FeatureEndpointHalt = 0x00
)

// bmRequestType fields.
const (
	RequestTypeOut       = 0x00
	RequestTypeIn        = 0x80
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeVendor    = 0x40
	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
)

// LangIDUSEnglish is English (United States).
const LangIDUSEnglish = 0x0409
