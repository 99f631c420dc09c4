package uhci

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"

	"github.com/ardnew/softuhci/host/hal"
)

// Field names a bit range within a register.
type Field struct {
	Name string
	Mask uint32
}

// value extracts the field from raw, shifted down to bit 0.
func (f Field) value(raw uint32) uint32 {
	return (raw & f.Mask) >> bits.TrailingZeros32(f.Mask)
}

// Register is one hardware register with a decoded field view.
//
// Every Read and Write reloads the cached view from the raw value it just
// transferred, so Field never reports stale bits.
type Register interface {
	Name() string
	Read() uint32
	Write(v uint32)
	// Set ORs mask into the register with a read-modify-write.
	Set(mask uint32)
	// Clear clears mask: write-1-to-clear bits are acknowledged by writing
	// 1, ordinary bits are cleared with a read-modify-write.
	Clear(mask uint32)
	// Field returns a named field from the last transferred value.
	Field(name string) uint32
	Dump() string
}

type register struct {
	name   string
	region hal.AddressRegion
	offset uint32
	width  int    // 8, 16 or 32
	w1c    uint32 // write-1-to-clear bits
	fields []Field

	mu   sync.Mutex
	raw  uint32
	view map[string]uint32
}

func newRegister(name string, region hal.AddressRegion, offset uint32, width int, w1c uint32, fields []Field) *register {
	return &register{
		name:   name,
		region: region,
		offset: offset,
		width:  width,
		w1c:    w1c,
		fields: fields,
		view:   make(map[string]uint32, len(fields)),
	}
}

func (r *register) Name() string { return r.name }

func (r *register) load() uint32 {
	switch r.width {
	case 8:
		return uint32(r.region.Read8(r.offset))
	case 16:
		return uint32(r.region.Read16(r.offset))
	default:
		return r.region.Read32(r.offset)
	}
}

func (r *register) store(v uint32) {
	switch r.width {
	case 8:
		r.region.Write8(r.offset, uint8(v))
	case 16:
		r.region.Write16(r.offset, uint16(v))
	default:
		r.region.Write32(r.offset, v)
	}
}

// reload must be called with r.mu held.
func (r *register) reload(raw uint32) {
	r.raw = raw
	for _, f := range r.fields {
		r.view[f.Name] = f.value(raw)
	}
}

func (r *register) Read() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.load()
	r.reload(v)
	return v
}

func (r *register) Write(v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store(v)
	r.reload(v)
}

func (r *register) Set(mask uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := (r.load() &^ r.w1c) | mask
	r.store(v)
	r.reload(v)
}

func (r *register) Clear(mask uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.load()
	v := (cur &^ r.w1c &^ mask) | (mask & r.w1c)
	r.store(v)
	r.reload(v)
}

func (r *register) Field(name string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view[name]
}

func (r *register) Dump() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.load()
	r.reload(v)

	var b strings.Builder
	fmt.Fprintf(&b, "%s=%#0*x", r.name, r.width/4+2, v)
	for _, f := range r.fields {
		if x := r.view[f.Name]; x != 0 {
			if bits.OnesCount32(f.Mask) == 1 {
				fmt.Fprintf(&b, " %s", f.Name)
			} else {
				fmt.Fprintf(&b, " %s=%d", f.Name, x)
			}
		}
	}
	return b.String()
}

// newRegisters binds the UHCI register set to an I/O region.
func newRegisters(region hal.AddressRegion) registers {
	return registers{
		command:     newRegister("USBCMD", region, regUSBCMD, 16, 0, commandFields),
		status:      newRegister("USBSTS", region, regUSBSTS, 16, stsAck, statusFields),
		interrupts:  newRegister("USBINTR", region, regUSBINTR, 16, 0, interruptFields),
		frameNumber: newRegister("FRNUM", region, regFRNUM, 16, 0, frameNumberFields),
		frameBase:   newRegister("FRBASEADD", region, regFRBASEADD, 32, 0, frameBaseFields),
		sof:         newRegister("SOFMOD", region, regSOFMOD, 8, 0, sofFields),
		ports: [NumPorts]Register{
			newRegister("PORTSC1", region, regPORTSC1, 16, portW1C, portFields),
			newRegister("PORTSC2", region, regPORTSC2, 16, portW1C, portFields),
		},
	}
}

func (rs *registers) dump() []string {
	all := []Register{rs.command, rs.status, rs.interrupts, rs.frameNumber,
		rs.frameBase, rs.sof, rs.ports[0], rs.ports[1]}
	out := make([]string, 0, len(all))
	for _, r := range all {
		out = append(out, r.Dump())
	}
	return out
}
