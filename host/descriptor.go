package host

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
	StringDescriptorHeaderSize  = 2
)

// checkHeader verifies that b holds at least size bytes of a descriptor of
// type typ.
func checkHeader(b []byte, size int, typ uint8) error {
	if len(b) < size {
		return fmt.Errorf("%d of %d bytes: %w", len(b), size, pkg.ErrDescriptorTooShort)
	}
	if b[1] != typ {
		return fmt.Errorf("type %#02x, want %#02x: %w", b[1], typ, pkg.ErrDescriptorTypeMismatch)
	}
	return nil
}

// DeviceDescriptor is the standard device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// UnmarshalBinary decodes a device descriptor.
func (d *DeviceDescriptor) UnmarshalBinary(b []byte) error {
	if err := checkHeader(b, DeviceDescriptorSize, DescriptorTypeDevice); err != nil {
		return err
	}
	le := binary.LittleEndian
	*d = DeviceDescriptor{
		Length:            b[0],
		DescriptorType:    b[1],
		USBVersion:        le.Uint16(b[2:]),
		DeviceClass:       b[4],
		DeviceSubClass:    b[5],
		DeviceProtocol:    b[6],
		MaxPacketSize0:    b[7],
		VendorID:          le.Uint16(b[8:]),
		ProductID:         le.Uint16(b[10:]),
		DeviceVersion:     le.Uint16(b[12:]),
		ManufacturerIndex: b[14],
		ProductIndex:      b[15],
		SerialNumberIndex: b[16],
		NumConfigurations: b[17],
	}
	return nil
}

// ConfigurationDescriptor is the header of a configuration block.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2 mA units
}

// UnmarshalBinary decodes a configuration descriptor header.
func (c *ConfigurationDescriptor) UnmarshalBinary(b []byte) error {
	if err := checkHeader(b, ConfigurationDescriptorSize, DescriptorTypeConfiguration); err != nil {
		return err
	}
	*c = ConfigurationDescriptor{
		Length:             b[0],
		DescriptorType:     b[1],
		TotalLength:        binary.LittleEndian.Uint16(b[2:]),
		NumInterfaces:      b[4],
		ConfigurationValue: b[5],
		ConfigurationIndex: b[6],
		Attributes:         b[7],
		MaxPower:           b[8],
	}
	return nil
}

// InterfaceDescriptor describes one alternate setting of an interface.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// UnmarshalBinary decodes an interface descriptor.
func (i *InterfaceDescriptor) UnmarshalBinary(b []byte) error {
	if err := checkHeader(b, InterfaceDescriptorSize, DescriptorTypeInterface); err != nil {
		return err
	}
	*i = InterfaceDescriptor{
		Length:            b[0],
		DescriptorType:    b[1],
		InterfaceNumber:   b[2],
		AlternateSetting:  b[3],
		NumEndpoints:      b[4],
		InterfaceClass:    b[5],
		InterfaceSubClass: b[6],
		InterfaceProtocol: b[7],
		InterfaceIndex:    b[8],
	}
	return nil
}

// EndpointDescriptor describes one endpoint of an alternate setting.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// UnmarshalBinary decodes an endpoint descriptor.
func (e *EndpointDescriptor) UnmarshalBinary(b []byte) error {
	if err := checkHeader(b, EndpointDescriptorSize, DescriptorTypeEndpoint); err != nil {
		return err
	}
	*e = EndpointDescriptor{
		Length:          b[0],
		DescriptorType:  b[1],
		EndpointAddress: b[2],
		Attributes:      b[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(b[4:]),
		Interval:        b[6],
	}
	return nil
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 { return e.EndpointAddress & endpointNumberMask }

// Direction returns EndpointDirectionIn or EndpointDirectionOut.
func (e *EndpointDescriptor) Direction() uint8 { return e.EndpointAddress & EndpointDirectionIn }

func (e *EndpointDescriptor) IsIn() bool  { return e.Direction() == EndpointDirectionIn }
func (e *EndpointDescriptor) IsOut() bool { return e.Direction() == EndpointDirectionOut }

// TransferType decodes the transfer type from the attributes.
func (e *EndpointDescriptor) TransferType() hal.TransferType {
	return hal.TransferType(e.Attributes & endpointTypeMask)
}

func (e *EndpointDescriptor) IsControl() bool     { return e.TransferType() == hal.TransferControl }
func (e *EndpointDescriptor) IsBulk() bool        { return e.TransferType() == hal.TransferBulk }
func (e *EndpointDescriptor) IsInterrupt() bool   { return e.TransferType() == hal.TransferInterrupt }
func (e *EndpointDescriptor) IsIsochronous() bool { return e.TransferType() == hal.TransferIsochronous }

// stringUnits returns the UTF-16 code units of a string descriptor,
// bounded by both bLength and the bytes actually received.
func stringUnits(b []byte) ([]uint16, error) {
	if err := checkHeader(b, StringDescriptorHeaderSize, DescriptorTypeString); err != nil {
		return nil, err
	}
	n := min(max(int(b[0]), StringDescriptorHeaderSize), len(b))
	units := make([]uint16, 0, (n-StringDescriptorHeaderSize)/2)
	for i := StringDescriptorHeaderSize; i+1 < n; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(b[i:]))
	}
	return units, nil
}

// DecodeLangIDs returns the language IDs listed by string descriptor zero.
func DecodeLangIDs(b []byte) ([]uint16, error) {
	return stringUnits(b)
}

// DecodeString converts a UTF-16LE string descriptor to a Go string.
func DecodeString(b []byte) (string, error) {
	units, err := stringUnits(b)
	if err != nil {
		return "", err
	}
	return string(utf16.Decode(units)), nil
}
