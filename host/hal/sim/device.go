package sim

import (
	"sync"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Handshake is a device's answer to one token.
type Handshake uint8

// Handshakes. NoResponse models a device that never answers.
const (
	ACK Handshake = iota
	NAK
	STALL
	NoResponse
)

func (h Handshake) String() string {
	switch h {
	case ACK:
		return "ACK"
	case NAK:
		return "NAK"
	case STALL:
		return "STALL"
	default:
		return "none"
	}
}

// Standard requests understood by Device.
const (
	reqGetStatus     = 0x00
	reqClearFeature  = 0x01
	reqSetFeature    = 0x03
	reqSetAddress    = 0x05
	reqGetDescriptor = 0x06
	reqGetConfig     = 0x08
	reqSetConfig     = 0x09
	reqGetInterface  = 0x0A
	reqSetInterface  = 0x0B

	descDevice = 0x01
	descConfig = 0x02
	descString = 0x03
)

// Device is a scriptable USB function. It answers standard requests from
// its descriptor bytes, queues interrupt reports, and loops bulk OUT data
// back to bulk IN.
type Device struct {
	Name  string
	Speed hal.Speed

	descriptor []byte
	configs    [][]byte
	strings    map[uint8]string
	langIDs    []uint16

	// FailSetAddress stalls the status stage of SET_ADDRESS.
	FailSetAddress bool
	// Unresponsive makes the device ignore every token.
	Unresponsive bool

	mu         sync.Mutex
	address    uint8
	newAddress int // -1 when no SET_ADDRESS is pending
	config     uint8
	alternates map[uint8]uint8
	halted     map[uint8]bool
	ctl        control
	reports    map[uint8][][]byte
	loop       []byte
	requests   []hal.SetupPacket
}

// control tracks the default pipe through one request.
type control struct {
	setup   hal.SetupPacket
	reply   []byte
	stall   bool
	out     []byte
	started bool
}

// NewDevice returns a device answering with the given descriptors. configs
// are complete configuration blocks indexed by descriptor index.
func NewDevice(name string, speed hal.Speed, descriptor []byte, configs [][]byte, strings map[uint8]string) *Device {
	d := &Device{
		Name:       name,
		Speed:      speed,
		descriptor: descriptor,
		configs:    configs,
		strings:    strings,
		newAddress: -1,
		alternates: make(map[uint8]uint8),
		halted:     make(map[uint8]bool),
		reports:    make(map[uint8][][]byte),
	}
	if len(strings) > 0 {
		d.langIDs = []uint16{0x0409}
	}
	return d
}

// MaxPacketSize0 returns bMaxPacketSize0 from the device descriptor.
func (d *Device) MaxPacketSize0() int {
	if len(d.descriptor) < 8 || d.descriptor[7] == 0 {
		return 8
	}
	return int(d.descriptor[7])
}

// Address returns the device's current bus address.
func (d *Device) Address() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Configuration returns the selected configuration value.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Alternate returns the selected alternate setting of an interface.
func (d *Device) Alternate(iface uint8) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alternates[iface]
}

// Halt stalls an endpoint until the host clears it.
func (d *Device) Halt(endpoint uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted[endpoint] = true
}

// Halted reports whether an endpoint is stalled.
func (d *Device) Halted(endpoint uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[endpoint]
}

// QueueReport queues one interrupt IN report on endpoint.
func (d *Device) QueueReport(endpoint uint8, report []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reports[endpoint] = append(d.reports[endpoint], append([]byte(nil), report...))
}

// Requests returns every setup packet received since the last reset.
func (d *Device) Requests() []hal.SetupPacket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]hal.SetupPacket(nil), d.requests...)
}

// Reset returns the device to the Default state at address 0, as a bus
// reset does.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = 0
	d.newAddress = -1
	d.config = 0
	d.ctl = control{}
	d.requests = nil
	clear(d.alternates)
	clear(d.halted)
}

// respondsTo reports whether the device decodes tokens for addr.
func (d *Device) respondsTo(addr uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.Unresponsive && d.address == addr
}

// Token processes one transaction. For IN tokens the returned slice is the
// data sent to the host, at most maxLen bytes.
func (d *Device) Token(pid uint8, endpoint uint8, data []byte, maxLen int) (Handshake, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Unresponsive {
		return NoResponse, nil
	}
	if endpoint == 0 {
		return d.controlToken(pid, data, maxLen)
	}
	return d.pipe(pid, endpoint, data, maxLen)
}

func (d *Device) controlToken(pid uint8, data []byte, maxLen int) (Handshake, []byte) {
	switch pid {
	case pidSetup:
		var s hal.SetupPacket
		if !hal.ParseSetupPacket(data, &s) {
			return STALL, nil
		}
		d.requests = append(d.requests, s)
		d.ctl = control{setup: s, started: true}
		d.standard()
		return ACK, nil

	case pidIn:
		if !d.ctl.started || d.ctl.stall {
			return STALL, nil
		}
		if !d.ctl.setup.IsIn() || d.ctl.setup.Length == 0 {
			// Status stage of a no-data or OUT request.
			d.finish()
			return ACK, nil
		}
		n := min(maxLen, len(d.ctl.reply))
		out := d.ctl.reply[:n]
		d.ctl.reply = d.ctl.reply[n:]
		return ACK, out

	case pidOut:
		if !d.ctl.started || d.ctl.stall {
			return STALL, nil
		}
		if d.ctl.setup.IsIn() {
			// Status stage of an IN request.
			d.finish()
			return ACK, nil
		}
		d.ctl.out = append(d.ctl.out, data...)
		return ACK, nil
	}
	return STALL, nil
}

// finish applies effects that take hold after the status stage.
func (d *Device) finish() {
	if d.newAddress >= 0 {
		d.address = uint8(d.newAddress)
		d.newAddress = -1
		pkg.LogDebug(pkg.ComponentSim, "device addressed", "device", d.Name, "address", d.address)
	}
	d.ctl.started = false
}

// standard decodes the setup packet in d.ctl and prepares the reply.
func (d *Device) standard() {
	s := d.ctl.setup
	if s.RequestType&0x60 != 0 {
		// Class and vendor requests (SET_IDLE, SET_PROTOCOL, ...) are
		// accepted without effect.
		d.ctl.reply = make([]byte, s.Length)
		return
	}
	recipient := s.RequestType & 0x1F
	switch s.Request {
	case reqGetDescriptor:
		d.ctl.reply, d.ctl.stall = d.describe(uint8(s.Value>>8), uint8(s.Value))
	case reqSetAddress:
		if d.FailSetAddress || s.Value > 127 {
			d.ctl.stall = true
			return
		}
		d.newAddress = int(s.Value)
	case reqSetConfig:
		v := uint8(s.Value)
		if v != 0 && !d.hasConfig(v) {
			d.ctl.stall = true
			return
		}
		d.config = v
	case reqGetConfig:
		d.ctl.reply = []byte{d.config}
	case reqGetStatus:
		st := []byte{0, 0}
		if recipient == 2 && d.halted[uint8(s.Index)] {
			st[0] = 1
		}
		d.ctl.reply = st
	case reqClearFeature:
		if recipient == 2 && s.Value == 0 {
			delete(d.halted, uint8(s.Index))
		}
	case reqSetFeature:
		if recipient == 2 && s.Value == 0 {
			d.halted[uint8(s.Index)] = true
		}
	case reqSetInterface:
		d.alternates[uint8(s.Index)] = uint8(s.Value)
	case reqGetInterface:
		d.ctl.reply = []byte{d.alternates[uint8(s.Index)]}
	default:
		d.ctl.stall = true
	}
	if len(d.ctl.reply) > int(s.Length) {
		d.ctl.reply = d.ctl.reply[:s.Length]
	}
}

func (d *Device) hasConfig(v uint8) bool {
	for _, c := range d.configs {
		if len(c) > 5 && c[5] == v {
			return true
		}
	}
	return false
}

func (d *Device) describe(typ, index uint8) ([]byte, bool) {
	switch typ {
	case descDevice:
		return append([]byte(nil), d.descriptor...), false
	case descConfig:
		if int(index) >= len(d.configs) {
			return nil, true
		}
		return append([]byte(nil), d.configs[index]...), false
	case descString:
		if index == 0 {
			if len(d.langIDs) == 0 {
				return nil, true
			}
			b := []byte{byte(2 + 2*len(d.langIDs)), descString}
			for _, id := range d.langIDs {
				b = append(b, byte(id), byte(id>>8))
			}
			return b, false
		}
		s, ok := d.strings[index]
		if !ok {
			return nil, true
		}
		return encodeString(s), false
	}
	return nil, true
}

// encodeString builds a UTF-16LE string descriptor.
func encodeString(s string) []byte {
	r := []rune(s)
	b := make([]byte, 2, 2+2*len(r))
	for _, c := range r {
		b = append(b, byte(c), byte(c>>8))
	}
	b[0], b[1] = byte(len(b)), descString
	return b
}

func (d *Device) pipe(pid, endpoint uint8, data []byte, maxLen int) (Handshake, []byte) {
	dir := uint8(0)
	if pid == pidIn {
		dir = 0x80
	}
	addr := endpoint | dir
	if d.config == 0 {
		return STALL, nil
	}
	if d.halted[addr] {
		return STALL, nil
	}
	if pid == pidOut {
		d.loop = append(d.loop, data...)
		return ACK, nil
	}
	if q := d.reports[addr]; len(q) > 0 {
		r := q[0]
		d.reports[addr] = q[1:]
		return ACK, r
	}
	if len(d.loop) > 0 {
		n := min(maxLen, len(d.loop))
		out := append([]byte(nil), d.loop[:n]...)
		d.loop = d.loop[n:]
		return ACK, out
	}
	return NAK, nil
}
