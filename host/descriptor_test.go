package host

import (
	"errors"
	"testing"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// =============================================================================
// Fixtures
// =============================================================================

// keyboardDevice is the device descriptor of a full-speed boot keyboard.
var keyboardDevice = []byte{
	18, DescriptorTypeDevice,
	0x10, 0x01, // USB 1.10
	0x00, 0x00, 0x00, // class per interface
	8,          // bMaxPacketSize0
	0x6d, 0x04, // Logitech
	0x1c, 0xc3,
	0x00, 0x49,
	1, 2, 0,
	1,
}

// =============================================================================
// Device State
// =============================================================================

func TestDeviceState_String(t *testing.T) {
	for state, want := range map[DeviceState]string{
		DeviceStateDetached:   "Detached",
		DeviceStateDefault:    "Default",
		DeviceStateAddress:    "Address",
		DeviceStateConfigured: "Configured",
		DeviceState(9):        "Unknown State (9)",
	} {
		if got := state.String(); got != want {
			t.Errorf("DeviceState(%d) = %q, want %q", uint8(state), got, want)
		}
	}
}

// =============================================================================
// Fixed-Size Descriptors
// =============================================================================

func TestDeviceDescriptor_UnmarshalBinary(t *testing.T) {
	var d DeviceDescriptor
	if err := d.UnmarshalBinary(keyboardDevice); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	want := DeviceDescriptor{
		Length:            18,
		DescriptorType:    DescriptorTypeDevice,
		USBVersion:        0x0110,
		MaxPacketSize0:    8,
		VendorID:          0x046d,
		ProductID:         0xc31c,
		DeviceVersion:     0x4900,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		NumConfigurations: 1,
	}
	if d != want {
		t.Errorf("UnmarshalBinary() = %+v, want %+v", d, want)
	}
}

func TestUnmarshalBinary_Errors(t *testing.T) {
	wrongType := append([]byte(nil), keyboardDevice...)
	wrongType[1] = DescriptorTypeConfiguration

	tests := []struct {
		name string
		desc interface{ UnmarshalBinary([]byte) error }
		data []byte
		want error
	}{
		{"device truncated", &DeviceDescriptor{}, keyboardDevice[:8], pkg.ErrDescriptorTooShort},
		{"device wrong type", &DeviceDescriptor{}, wrongType, pkg.ErrDescriptorTypeMismatch},
		{"configuration empty", &ConfigurationDescriptor{}, nil, pkg.ErrDescriptorTooShort},
		{"interface as endpoint", &InterfaceDescriptor{}, []byte{9, DescriptorTypeEndpoint, 0, 0, 0, 0, 0, 0, 0}, pkg.ErrDescriptorTypeMismatch},
		{"endpoint truncated", &EndpointDescriptor{}, []byte{7, DescriptorTypeEndpoint, 0x81}, pkg.ErrDescriptorTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.desc.UnmarshalBinary(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("UnmarshalBinary() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConfigurationDescriptor_UnmarshalBinary(t *testing.T) {
	var c ConfigurationDescriptor
	err := c.UnmarshalBinary([]byte{9, DescriptorTypeConfiguration, 0x22, 0x00, 1, 1, 0, 0xA0, 50})
	if err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if c.TotalLength != 34 || c.NumInterfaces != 1 || c.ConfigurationValue != 1 {
		t.Errorf("header = %+v", c)
	}
	if c.Attributes != 0xA0 || c.MaxPower != 50 {
		t.Errorf("attributes %#02x power %d, want 0xa0 50", c.Attributes, c.MaxPower)
	}
}

func TestInterfaceDescriptor_UnmarshalBinary(t *testing.T) {
	var i InterfaceDescriptor
	err := i.UnmarshalBinary([]byte{9, DescriptorTypeInterface, 0, 1, 2, 0x08, 0x06, 0x50, 3})
	if err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	want := InterfaceDescriptor{
		Length:            9,
		DescriptorType:    DescriptorTypeInterface,
		AlternateSetting:  1,
		NumEndpoints:      2,
		InterfaceClass:    0x08,
		InterfaceSubClass: 0x06,
		InterfaceProtocol: 0x50,
		InterfaceIndex:    3,
	}
	if i != want {
		t.Errorf("UnmarshalBinary() = %+v, want %+v", i, want)
	}
}

// =============================================================================
// Endpoints
// =============================================================================

func TestEndpointDescriptor(t *testing.T) {
	tests := []struct {
		raw      []byte
		number   uint8
		in       bool
		transfer hal.TransferType
	}{
		{[]byte{7, DescriptorTypeEndpoint, 0x81, 0x03, 0x08, 0x00, 10}, 1, true, hal.TransferInterrupt},
		{[]byte{7, DescriptorTypeEndpoint, 0x02, 0x02, 0x40, 0x00, 0}, 2, false, hal.TransferBulk},
		{[]byte{7, DescriptorTypeEndpoint, 0x8F, 0x01, 0xFF, 0x03, 1}, 15, true, hal.TransferIsochronous},
		{[]byte{7, DescriptorTypeEndpoint, 0x00, 0x00, 0x08, 0x00, 0}, 0, false, hal.TransferControl},
	}
	for _, tt := range tests {
		var ep EndpointDescriptor
		if err := ep.UnmarshalBinary(tt.raw); err != nil {
			t.Fatalf("UnmarshalBinary(% x) error = %v", tt.raw, err)
		}
		t.Run(tt.transfer.String(), func(t *testing.T) {
			if ep.Number() != tt.number {
				t.Errorf("Number() = %d, want %d", ep.Number(), tt.number)
			}
			if ep.IsIn() != tt.in || ep.IsOut() == tt.in {
				t.Errorf("IsIn() = %v IsOut() = %v, want in=%v", ep.IsIn(), ep.IsOut(), tt.in)
			}
			if ep.TransferType() != tt.transfer {
				t.Errorf("TransferType() = %v, want %v", ep.TransferType(), tt.transfer)
			}
			kinds := []bool{ep.IsControl(), ep.IsIsochronous(), ep.IsBulk(), ep.IsInterrupt()}
			for k, set := range kinds {
				if set != (hal.TransferType(k) == tt.transfer) {
					t.Errorf("predicate for %v = %v", hal.TransferType(k), set)
				}
			}
		})
	}

	var ep EndpointDescriptor
	_ = ep.UnmarshalBinary(tests[2].raw)
	if ep.MaxPacketSize != 0x3FF {
		t.Errorf("MaxPacketSize = %#x, want 0x3ff", ep.MaxPacketSize)
	}
}

// =============================================================================
// String Descriptors
// =============================================================================

func TestDecodeLangIDs(t *testing.T) {
	ids, err := DecodeLangIDs([]byte{6, DescriptorTypeString, 0x09, 0x04, 0x07, 0x04})
	if err != nil {
		t.Fatalf("DecodeLangIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != LangIDUSEnglish || ids[1] != 0x0407 {
		t.Errorf("DecodeLangIDs() = %#04x", ids)
	}

	// bLength beyond the received bytes is clipped; an odd trailing byte is dropped.
	ids, err = DecodeLangIDs([]byte{10, DescriptorTypeString, 0x09, 0x04, 0x07})
	if err != nil || len(ids) != 1 {
		t.Errorf("DecodeLangIDs(clipped) = %v, %v", ids, err)
	}

	if _, err := DecodeLangIDs([]byte{4, DescriptorTypeDevice, 0x09, 0x04}); !errors.Is(err, pkg.ErrDescriptorTypeMismatch) {
		t.Errorf("DecodeLangIDs(wrong type) error = %v", err)
	}
}

func TestDecodeString(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
		err  error
	}{
		{"ascii", []byte{8, DescriptorTypeString, 'U', 0, 'S', 0, 'B', 0}, "USB", nil},
		{"empty", []byte{2, DescriptorTypeString}, "", nil},
		{"bmp", []byte{4, DescriptorTypeString, 0xB5, 0x00}, "µ", nil},
		{"surrogate pair", []byte{6, DescriptorTypeString, 0x3D, 0xD8, 0x0C, 0xDD}, "\U0001F50C", nil},
		{"length shorter than data", []byte{4, DescriptorTypeString, 'A', 0, 'B', 0}, "A", nil},
		{"too short", []byte{2}, "", pkg.ErrDescriptorTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeString(tt.data)
			if !errors.Is(err, tt.err) {
				t.Fatalf("DecodeString() error = %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Errorf("DecodeString() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkDeviceDescriptor_UnmarshalBinary(b *testing.B) {
	var d DeviceDescriptor
	for i := 0; i < b.N; i++ {
		_ = d.UnmarshalBinary(keyboardDevice)
	}
}

func BenchmarkDecodeString(b *testing.B) {
	data := []byte{12, DescriptorTypeString, 'U', 0, 'H', 0, 'C', 0, 'I', 0, '!', 0}
	for i := 0; i < b.N; i++ {
		_, _ = DecodeString(data)
	}
}
