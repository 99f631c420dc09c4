package sim

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Fixture describes a simulated device in TOML:
//
//	name = "keyboard"
//	speed = "low"
//	vendor = 0x046d
//	product = 0xc31c
//	manufacturer = "Logitech"
//
//	[[config]]
//	value = 1
//	[[config.interface]]
//	class = 3
//	subclass = 1
//	protocol = 1
//	hid_report_length = 63
//	[[config.interface.endpoint]]
//	address = 0x81
//	type = "interrupt"
//	max_packet = 8
//	interval = 10
type Fixture struct {
	Name           string          `toml:"name"`
	Speed          string          `toml:"speed"`
	USB            uint16          `toml:"usb"`
	Class          uint8           `toml:"class"`
	SubClass       uint8           `toml:"subclass"`
	Protocol       uint8           `toml:"protocol"`
	MaxPacket0     uint8           `toml:"max_packet0"`
	Vendor         uint16          `toml:"vendor"`
	Product        uint16          `toml:"product"`
	Release        uint16          `toml:"release"`
	Manufacturer   string          `toml:"manufacturer"`
	ProductName    string          `toml:"product_name"`
	Serial         string          `toml:"serial"`
	FailSetAddress bool            `toml:"fail_set_address"`
	Configs        []FixtureConfig `toml:"config"`
}

// FixtureConfig is one configuration of a Fixture.
type FixtureConfig struct {
	Value      uint8              `toml:"value"`
	Attributes uint8              `toml:"attributes"`
	MaxPower   uint8              `toml:"max_power"`
	Interfaces []FixtureInterface `toml:"interface"`
}

// FixtureInterface is one interface alternate setting.
type FixtureInterface struct {
	Number          uint8             `toml:"number"`
	Alternate       uint8             `toml:"alternate"`
	Class           uint8             `toml:"class"`
	SubClass        uint8             `toml:"subclass"`
	Protocol        uint8             `toml:"protocol"`
	HIDReportLength uint16            `toml:"hid_report_length"`
	Endpoints       []FixtureEndpoint `toml:"endpoint"`
}

// FixtureEndpoint is one endpoint of an interface.
type FixtureEndpoint struct {
	Address   uint8  `toml:"address"`
	Type      string `toml:"type"`
	MaxPacket uint16 `toml:"max_packet"`
	Interval  uint8  `toml:"interval"`
}

// LoadFixture decodes a TOML fixture.
func LoadFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
		return Fixture{}, fmt.Errorf("sim: fixture: %w", err)
	}
	return f, nil
}

// LoadFixtureFile decodes a TOML fixture file.
func LoadFixtureFile(path string) (Fixture, error) {
	var f Fixture
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Fixture{}, fmt.Errorf("sim: fixture %s: %w", path, err)
	}
	return f, nil
}

// ReadFixtureFile is LoadFixtureFile followed by Build.
func ReadFixtureFile(path string) (*Device, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	f, err := LoadFixtureFile(path)
	if err != nil {
		return nil, err
	}
	return f.Build()
}

func endpointType(s string) (uint8, error) {
	switch s {
	case "control":
		return 0, nil
	case "isochronous":
		return 1, nil
	case "bulk", "":
		return 2, nil
	case "interrupt":
		return 3, nil
	}
	return 0, fmt.Errorf("sim: endpoint type %q: %w", s, pkg.ErrInvalidParameter)
}

func speedOf(s string) (hal.Speed, error) {
	switch s {
	case "low":
		return hal.SpeedLow, nil
	case "full", "":
		return hal.SpeedFull, nil
	}
	return hal.SpeedUnknown, fmt.Errorf("sim: speed %q: %w", s, pkg.ErrInvalidParameter)
}

// Build renders the fixture into descriptor bytes and returns a Device.
func (f Fixture) Build() (*Device, error) {
	speed, err := speedOf(f.Speed)
	if err != nil {
		return nil, err
	}
	strs := make(map[uint8]string)
	index := func(s string) uint8 {
		if s == "" {
			return 0
		}
		i := uint8(len(strs) + 1)
		strs[i] = s
		return i
	}
	mps0 := f.MaxPacket0
	if mps0 == 0 {
		mps0 = 8
	}
	usb := f.USB
	if usb == 0 {
		usb = 0x0110
	}
	dev := []byte{
		18, descDevice,
		byte(usb), byte(usb >> 8),
		f.Class, f.SubClass, f.Protocol, mps0,
		byte(f.Vendor), byte(f.Vendor >> 8),
		byte(f.Product), byte(f.Product >> 8),
		byte(f.Release), byte(f.Release >> 8),
		index(f.Manufacturer), index(f.ProductName), index(f.Serial),
		byte(len(f.Configs)),
	}

	configs := make([][]byte, 0, len(f.Configs))
	for _, c := range f.Configs {
		block, err := c.render()
		if err != nil {
			return nil, err
		}
		configs = append(configs, block)
	}

	name := f.Name
	if name == "" {
		name = fmt.Sprintf("%04x:%04x", f.Vendor, f.Product)
	}
	d := NewDevice(name, speed, dev, configs, strs)
	d.FailSetAddress = f.FailSetAddress
	return d, nil
}

func (c FixtureConfig) render() ([]byte, error) {
	value := c.Value
	if value == 0 {
		value = 1
	}
	attrs := c.Attributes
	if attrs == 0 {
		attrs = 0x80
	}
	numIfaces := map[uint8]bool{}
	b := []byte{9, descConfig, 0, 0, 0, value, 0, attrs, c.MaxPower}
	for _, ifc := range c.Interfaces {
		numIfaces[ifc.Number] = true
		b = append(b, 9, 0x04, ifc.Number, ifc.Alternate,
			byte(len(ifc.Endpoints)), ifc.Class, ifc.SubClass, ifc.Protocol, 0)
		if ifc.HIDReportLength > 0 {
			b = append(b, 9, 0x21, 0x11, 0x01, 0, 1, 0x22,
				byte(ifc.HIDReportLength), byte(ifc.HIDReportLength>>8))
		}
		for _, ep := range ifc.Endpoints {
			t, err := endpointType(ep.Type)
			if err != nil {
				return nil, err
			}
			b = append(b, 7, 0x05, ep.Address, t,
				byte(ep.MaxPacket), byte(ep.MaxPacket>>8), ep.Interval)
		}
	}
	b[2], b[3] = byte(len(b)), byte(len(b)>>8)
	b[4] = byte(len(numIfaces))
	return b, nil
}

// Keyboard is a low-speed HID boot keyboard with one interrupt IN endpoint
// polled every 10ms.
func Keyboard() Fixture {
	return Fixture{
		Name:         "keyboard",
		Speed:        "low",
		Vendor:       0x046D,
		Product:      0xC31C,
		Release:      0x6400,
		Manufacturer: "Logitech",
		ProductName:  "USB Keyboard",
		Configs: []FixtureConfig{{
			Value:    1,
			MaxPower: 50,
			Interfaces: []FixtureInterface{{
				Class:           3,
				SubClass:        1,
				Protocol:        1,
				HIDReportLength: 63,
				Endpoints: []FixtureEndpoint{
					{Address: 0x81, Type: "interrupt", MaxPacket: 8, Interval: 10},
				},
			}},
		}},
	}
}

// MassStorage is a full-speed bulk-only mass storage device.
func MassStorage() Fixture {
	return Fixture{
		Name:         "flash",
		Speed:        "full",
		MaxPacket0:   64,
		Vendor:       0x0781,
		Product:      0x5567,
		Release:      0x0100,
		Manufacturer: "SanDisk",
		ProductName:  "Cruzer Blade",
		Serial:       "4C530001230105117093",
		Configs: []FixtureConfig{{
			Value:    1,
			MaxPower: 100,
			Interfaces: []FixtureInterface{{
				Class:    8,
				SubClass: 6,
				Protocol: 0x50,
				Endpoints: []FixtureEndpoint{
					{Address: 0x81, Type: "bulk", MaxPacket: 64},
					{Address: 0x02, Type: "bulk", MaxPacket: 64},
				},
			}},
		}},
	}
}

// MustBuild is Build for fixtures known to be valid.
func (f Fixture) MustBuild() *Device {
	d, err := f.Build()
	if err != nil {
		panic(err)
	}
	return d
}
