package sim

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

func TestMemory_AllocFree(t *testing.T) {
	m := NewMemory(4)

	a, err := m.AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if got := a.Phys(); got != uint32(MemoryBase) {
		t.Errorf("a.Phys() = %v, want %v", got, uint32(MemoryBase))
	}
	if got := a.Len(); got != 2*hal.PageSize {
		t.Errorf("a.Len() = %v, want %v", got, 2*hal.PageSize)
	}

	b, err := m.AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if got := b.Phys(); got != uint32(MemoryBase+2*hal.PageSize) {
		t.Errorf("b.Phys() = %v, want %v", got, uint32(MemoryBase+2*hal.PageSize))
	}

	_, err = m.AllocPages(1)
	if !errors.Is(err, pkg.ErrNoResources) {
		t.Errorf("error = %v, want %v", err, pkg.ErrNoResources)
	}

	a.Store32(0, 0xDEADBEEF)
	if got := m.load32(MemoryBase); got != uint32(0xDEADBEEF) {
		t.Errorf("m.load32(MemoryBase) = %v, want %v", got, uint32(0xDEADBEEF))
	}

	if err := m.FreePages(a); err != nil {
		t.Fatalf("m.FreePages(): %v", err)
	}
	if got := m.PagesInUse(); got != 2 {
		t.Errorf("m.PagesInUse() = %v, want %v", got, 2)
	}
	if err := m.FreePages(a); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("m.FreePages() error = %v, want %v", err, pkg.ErrInvalidParameter)
	}

	c, err := m.AllocPages(1)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if got := c.Load32(0); got != uint32(0) {
		t.Errorf("pages are zeroed on allocation: c.Load32(0) = %v, want %v", got, uint32(0))
	}
}

func TestMemory_Valid(t *testing.T) {
	m := NewMemory(1)
	if !m.valid(MemoryBase, 16) {
		t.Errorf("m.valid(MemoryBase, 16) = false")
	}
	if !m.valid(MemoryBase+hal.PageSize-4, 4) {
		t.Errorf("m.valid(MemoryBase+hal.PageSize-4, 4) = false")
	}
	if m.valid(MemoryBase+hal.PageSize-4, 8) {
		t.Errorf("m.valid(MemoryBase+hal.PageSize-4, 8) = true")
	}
	if m.valid(0, 4) {
		t.Errorf("m.valid(0, 4) = true")
	}
}

func TestPCIFunction_Identity(t *testing.T) {
	m := New(Options{})
	pci := m.PCI()

	if got := pci.ConfigRead16(hal.PCIVendorID); got != uint16(VendorIntel) {
		t.Errorf("pci.ConfigRead16(hal.PCIVendorID) = %v, want %v", got, uint16(VendorIntel))
	}
	if got := pci.ConfigRead8(hal.PCIClass); got != uint8(0x0C) {
		t.Errorf("pci.ConfigRead8(hal.PCIClass) = %v, want %v", got, uint8(0x0C))
	}
	if got := pci.ConfigRead8(hal.PCISubclass); got != uint8(0x03) {
		t.Errorf("pci.ConfigRead8(hal.PCISubclass) = %v, want %v", got, uint8(0x03))
	}
	if got := pci.ConfigRead8(hal.PCIProgIf); got != uint8(0x00) {
		t.Errorf("pci.ConfigRead8(hal.PCIProgIf) = %v, want %v", got, uint8(0x00))
	}
	if got := pci.ConfigRead8(hal.PCIInterruptLn); got != uint8(IRQLine) {
		t.Errorf("pci.ConfigRead8(hal.PCIInterruptLn) = %v, want %v", got, uint8(IRQLine))
	}

	pci.ConfigWrite16(hal.PCIVendorID, 0x1234)
	if got := pci.ConfigRead16(hal.PCIVendorID); got != uint16(VendorIntel) {
		t.Errorf("IDs are read-only: pci.ConfigRead16(hal.PCIVendorID) = %v, want %v", got, uint16(VendorIntel))
	}

	pci.ConfigWrite16(legacyOffset, 0x8F00)
	if v := pci.Legacy() & 0x2000; v != 0 {
		t.Errorf("pci.Legacy()&0x2000 = %#x, want 0", v)
	}

	_, err := pci.BAR(0)
	if !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("error = %v, want %v", err, pkg.ErrNotSupported)
	}
	bar, err := pci.BAR(4)
	if err != nil {
		t.Fatalf("BAR: %v", err)
	}
	if got := bar.Kind(); got != hal.RegionPortIO {
		t.Errorf("bar.Kind() = %v, want %v", got, hal.RegionPortIO)
	}
}

func TestIRQ_RegisterTwice(t *testing.T) {
	q := newIRQ()
	if err := q.Register(5, func() {}); err != nil {
		t.Fatalf("q.Register(): %v", err)
	}
	if err := q.Register(5, func() {}); !errors.Is(err, pkg.ErrClaimed) {
		t.Errorf("q.Register() error = %v, want %v", err, pkg.ErrClaimed)
	}
	if err := q.Deregister(5); err != nil {
		t.Fatalf("q.Deregister(): %v", err)
	}
	if err := q.Deregister(5); !errors.Is(err, pkg.ErrNotClaimed) {
		t.Errorf("q.Deregister() error = %v, want %v", err, pkg.ErrNotClaimed)
	}
}

func TestMachine_ResetAndRun(t *testing.T) {
	m := New(Options{})
	bar, _ := m.PCI().BAR(4)

	if v := bar.Read16(regSts) & stsHalted; v == 0 {
		t.Errorf("bar.Read16(regSts)&stsHalted is zero")
	}
	bar.Write16(regCmd, cmdHCReset)
	if v := bar.Read16(regCmd) & cmdHCReset; v != 0 {
		t.Errorf("bar.Read16(regCmd)&cmdHCReset = %#x, want 0", v)
	}
	if got := bar.Read8(regSof); got != uint8(64) {
		t.Errorf("bar.Read8(regSof) = %v, want %v", got, uint8(64))
	}

	bar.Write16(regCmd, cmdRS)
	if v := bar.Read16(regSts) & stsHalted; v != 0 {
		t.Errorf("bar.Read16(regSts)&stsHalted = %#x, want 0", v)
	}
	bar.Write16(regCmd, 0)
	if v := bar.Read16(regSts) & stsHalted; v == 0 {
		t.Errorf("bar.Read16(regSts)&stsHalted is zero")
	}

	bar.Write32(regFrbase, 0x00123456)
	if got := bar.Read32(regFrbase); got != uint32(0x00123000) {
		t.Errorf("bar.Read32(regFrbase) = %v, want %v", got, uint32(0x00123000))
	}
}

func TestMachine_FailReset(t *testing.T) {
	m := New(Options{FailReset: true})
	bar, _ := m.PCI().BAR(4)
	bar.Write16(regCmd, cmdHCReset)
	if v := bar.Read16(regCmd) & cmdHCReset; v == 0 {
		t.Errorf("bar.Read16(regCmd)&cmdHCReset is zero")
	}
}

func TestMachine_PortReset(t *testing.T) {
	m := New(Options{})
	bar, _ := m.PCI().BAR(4)
	d := Keyboard().MustBuild()
	if err := m.Attach(1, d); err != nil {
		t.Fatalf("m.Attach(): %v", err)
	}
	if err := m.Attach(1, d); !errors.Is(err, pkg.ErrClaimed) {
		t.Errorf("m.Attach() error = %v, want %v", err, pkg.ErrClaimed)
	}

	v := bar.Read16(regPortsc1 + 2)
	if bits := v & portCCS; bits == 0 {
		t.Errorf("v&portCCS is zero")
	}
	if bits := v & portCSC; bits == 0 {
		t.Errorf("v&portCSC is zero")
	}
	if bits := v & portLSDA; bits == 0 {
		t.Errorf("keyboard is low speed: v&portLSDA is zero")
	}
	if bits := v & portPE; bits != 0 {
		t.Errorf("v&portPE = %#x, want 0", bits)
	}

	bar.Write16(regPortsc1+2, portPR)
	if v := bar.Read16(regPortsc1+2) & portPR; v == 0 {
		t.Errorf("bar.Read16(regPortsc1+2)&portPR is zero")
	}
	bar.Write16(regPortsc1+2, 0)
	bar.Write16(regPortsc1+2, portPE|portCSC)
	v = bar.Read16(regPortsc1 + 2)
	if bits := v & portPE; bits == 0 {
		t.Errorf("v&portPE is zero")
	}
	if bits := v & portCSC; bits != 0 {
		t.Errorf("v&portCSC = %#x, want 0", bits)
	}

	if err := m.Detach(1); err != nil {
		t.Fatalf("m.Detach(): %v", err)
	}
	v = bar.Read16(regPortsc1 + 2)
	if bits := v & portCCS; bits != 0 {
		t.Errorf("v&portCCS = %#x, want 0", bits)
	}
	if bits := v & portCSC; bits == 0 {
		t.Errorf("v&portCSC is zero")
	}
	if err := m.Detach(1); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("m.Detach() error = %v, want %v", err, pkg.ErrNoDevice)
	}
}

func setupBytes(s hal.SetupPacket) []byte {
	b := make([]byte, hal.SetupPacketSize)
	s.MarshalTo(b)
	return b
}

func TestDevice_ControlSequence(t *testing.T) {
	d := MassStorage().MustBuild()

	hs, _ := d.Token(pidSetup, 0, setupBytes(hal.SetupPacket{
		RequestType: 0x80, Request: reqGetDescriptor, Value: descDevice << 8, Length: 18,
	}), 8)
	if hs != ACK {
		t.Fatalf("hs = %v, want %v", hs, ACK)
	}

	var got []byte
	for len(got) < 18 {
		hs, data := d.Token(pidIn, 0, nil, 64)
		if hs != ACK {
			t.Fatalf("hs = %v, want %v", hs, ACK)
		}
		got = append(got, data...)
	}
	if got[0] != byte(18) {
		t.Errorf("got[0] = %v, want %v", got[0], byte(18))
	}
	if got[7] != byte(64) {
		t.Errorf("got[7] = %v, want %v", got[7], byte(64))
	}
	if !bytes.Equal(got[8:10], []byte{0x81, 0x07}) {
		t.Errorf("got[8:10] = %v, want %v", got[8:10], []byte{0x81, 0x07})
	}

	hs, _ = d.Token(pidOut, 0, nil, 0)
	if hs != ACK {
		t.Errorf("hs = %v, want %v", hs, ACK)
	}

	// SET_ADDRESS only takes effect after the status stage.
	d.Token(pidSetup, 0, setupBytes(hal.SetupPacket{Request: reqSetAddress, Value: 7}), 8)
	if got := d.Address(); got != uint8(0) {
		t.Errorf("d.Address() = %v, want %v", got, uint8(0))
	}
	hs, data := d.Token(pidIn, 0, nil, 0)
	if hs != ACK {
		t.Errorf("hs = %v, want %v", hs, ACK)
	}
	if len(data) != 0 {
		t.Errorf("data = %v, want empty", data)
	}
	if got := d.Address(); got != uint8(7) {
		t.Errorf("d.Address() = %v, want %v", got, uint8(7))
	}
}

func TestDevice_FailSetAddress(t *testing.T) {
	d := Keyboard().MustBuild()
	d.FailSetAddress = true
	hs, _ := d.Token(pidSetup, 0, setupBytes(hal.SetupPacket{Request: reqSetAddress, Value: 3}), 8)
	if hs != ACK {
		t.Errorf("hs = %v, want %v", hs, ACK)
	}
	hs, _ = d.Token(pidIn, 0, nil, 0)
	if hs != STALL {
		t.Errorf("hs = %v, want %v", hs, STALL)
	}
	if got := d.Address(); got != uint8(0) {
		t.Errorf("d.Address() = %v, want %v", got, uint8(0))
	}
}

func TestDevice_StringsAndLangIDs(t *testing.T) {
	d := MassStorage().MustBuild()
	b, stall := d.describe(descString, 0)
	if stall {
		t.Fatalf("stall = true")
	}
	if !bytes.Equal(b, []byte{4, descString, 0x09, 0x04}) {
		t.Errorf("b = %v, want %v", b, []byte{4, descString, 0x09, 0x04})
	}

	b, stall = d.describe(descString, 1)
	if stall {
		t.Fatalf("stall = true")
	}
	if b[0] != byte(2+2*len("SanDisk")) {
		t.Errorf("b[0] = %v, want %v", b[0], byte(2+2*len("SanDisk")))
	}
	if b[2] != byte('S') {
		t.Errorf("b[2] = %v, want %v", b[2], byte('S'))
	}

	_, stall = d.describe(descString, 9)
	if !stall {
		t.Errorf("stall = false")
	}
}

func TestDevice_Pipes(t *testing.T) {
	d := Keyboard().MustBuild()
	hs, _ := d.Token(pidIn, 1, nil, 8)
	if hs != STALL {
		t.Errorf("unconfigured device stalls data pipes: hs = %v, want %v", hs, STALL)
	}

	d.Token(pidSetup, 0, setupBytes(hal.SetupPacket{Request: reqSetConfig, Value: 1}), 8)
	d.Token(pidIn, 0, nil, 0)
	if got := d.Configuration(); got != uint8(1) {
		t.Fatalf("d.Configuration() = %v, want %v", got, uint8(1))
	}

	hs, _ = d.Token(pidIn, 1, nil, 8)
	if hs != NAK {
		t.Errorf("hs = %v, want %v", hs, NAK)
	}

	d.QueueReport(0x81, []byte{0, 0, 4, 0, 0, 0, 0, 0})
	hs, data := d.Token(pidIn, 1, nil, 8)
	if hs != ACK {
		t.Errorf("hs = %v, want %v", hs, ACK)
	}
	if data[2] != byte(4) {
		t.Errorf("data[2] = %v, want %v", data[2], byte(4))
	}

	d.Halt(0x81)
	hs, _ = d.Token(pidIn, 1, nil, 8)
	if hs != STALL {
		t.Errorf("hs = %v, want %v", hs, STALL)
	}
}

const keyboardTOML = `
name = "toml-kbd"
speed = "low"
vendor = 0x413c
product = 0x2107
manufacturer = "Dell"
product_name = "Dell USB Entry Keyboard"

[[config]]
value = 1
max_power = 50

[[config.interface]]
class = 3
subclass = 1
protocol = 1
hid_report_length = 65

[[config.interface.endpoint]]
address = 0x81
type = "interrupt"
max_packet = 8
interval = 24
`

func TestLoadFixture(t *testing.T) {
	f, err := LoadFixture(strings.NewReader(keyboardTOML))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if f.Name != "toml-kbd" {
		t.Errorf("f.Name = %v, want %v", f.Name, "toml-kbd")
	}
	if f.Vendor != uint16(0x413C) {
		t.Errorf("f.Vendor = %v, want %v", f.Vendor, uint16(0x413C))
	}
	if len(f.Configs) != 1 {
		t.Fatalf("len(f.Configs) = %d, want %d", len(f.Configs), 1)
	}
	if len(f.Configs[0].Interfaces) != 1 {
		t.Fatalf("len(f.Configs[0].Interfaces) = %d, want %d", len(f.Configs[0].Interfaces), 1)
	}
	if len(f.Configs[0].Interfaces[0].Endpoints) != 1 {
		t.Fatalf("len(f.Configs[0].Interfaces[0].Endpoints) = %d, want %d", len(f.Configs[0].Interfaces[0].Endpoints), 1)
	}
	if got := f.Configs[0].Interfaces[0].Endpoints[0].Interval; got != uint8(24) {
		t.Errorf("f.Configs[0].Interfaces[0].Endpoints[0].Interval = %v, want %v", got, uint8(24))
	}

	d, err := f.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Speed != hal.SpeedLow {
		t.Errorf("d.Speed = %v, want %v", d.Speed, hal.SpeedLow)
	}
	cfg, stall := d.describe(descConfig, 0)
	if stall {
		t.Fatalf("stall = true")
	}
	// config(9) + interface(9) + hid(9) + endpoint(7)
	if got := len(cfg); got != 34 {
		t.Errorf("len(cfg) = %v, want %v", got, 34)
	}
	if cfg[2] != byte(34) {
		t.Errorf("cfg[2] = %v, want %v", cfg[2], byte(34))
	}
	if cfg[4] != byte(1) {
		t.Errorf("cfg[4] = %v, want %v", cfg[4], byte(1))
	}
}

func TestLoadFixture_Errors(t *testing.T) {
	_, err := LoadFixture(strings.NewReader("name = ["))
	if err == nil {
		t.Error("expected an error")
	}

	f := Keyboard()
	f.Speed = "high"
	_, err = f.Build()
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("error = %v, want %v", err, pkg.ErrInvalidParameter)
	}

	f = Keyboard()
	f.Configs[0].Interfaces[0].Endpoints[0].Type = "weird"
	_, err = f.Build()
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("error = %v, want %v", err, pkg.ErrInvalidParameter)
	}
}

// buildQueue hand-assembles a frame list with one QH holding one IN TD.
func buildQueue(t *testing.T, m *Machine, token uint32, status uint32) (qh, td uint32) {
	t.Helper()
	page, err := m.Memory().AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	base := page.Phys()
	qh, td = base+hal.PageSize, base+hal.PageSize+16
	buf := base + hal.PageSize + 64
	for f := 0; f < 1024; f++ {
		page.Store32(f*4, qh|linkQ)
	}
	m.mem.store32(qh+qhLinkOff, linkT)
	m.mem.store32(qh+qhElemOff, td)
	m.mem.store32(td+tdLinkOff, linkT)
	m.mem.store32(td+tdStatusOff, status)
	m.mem.store32(td+tdTokenOff, token)
	m.mem.store32(td+tdBufferOff, buf)

	bar, _ := m.PCI().BAR(4)
	bar.Write32(regFrbase, base)
	bar.Write16(regCmd, cmdRS)
	return qh, td
}

func TestMachine_TimeoutExhaustsRetries(t *testing.T) {
	m := New(Options{})
	// IN to address 5, endpoint 0, 8 bytes. Nothing answers address 5.
	token := uint32(pidIn) | 5<<8 | 7<<21
	qh, td := buildQueue(t, m, token, tdActive|3<<tdCErrShift)

	m.Steps(2)
	st := m.mem.load32(td + tdStatusOff)
	if v := st & tdActive; v == 0 {
		t.Errorf("two errors leave one retry: st&tdActive is zero")
	}

	m.Step()
	st = m.mem.load32(td + tdStatusOff)
	if v := st & tdActive; v != 0 {
		t.Errorf("st&tdActive = %#x, want 0", v)
	}
	if v := st & tdCRC; v == 0 {
		t.Errorf("st&tdCRC is zero")
	}
	if v := st & tdStalled; v == 0 {
		t.Errorf("st&tdStalled is zero")
	}
	if got := m.mem.load32(qh + qhElemOff); got != td {
		t.Errorf("element stays on the failed TD: m.mem.load32(qh+qhElemOff) = %v, want %v", got, td)
	}

	bar, _ := m.PCI().BAR(4)
	if v := bar.Read16(regSts) & stsERRINT; v == 0 {
		t.Errorf("bar.Read16(regSts)&stsERRINT is zero")
	}
}

func TestMachine_InterruptReport(t *testing.T) {
	m := New(Options{})
	d := Keyboard().MustBuild()
	if err := m.Attach(0, d); err != nil {
		t.Fatalf("m.Attach(): %v", err)
	}
	bar, _ := m.PCI().BAR(4)
	bar.Write16(regPortsc1, portPE)

	// Configure at address 0 directly through the device.
	d.Token(pidSetup, 0, setupBytes(hal.SetupPacket{Request: reqSetConfig, Value: 1}), 8)
	d.Token(pidIn, 0, nil, 0)

	token := uint32(pidIn) | 1<<15 | 7<<21
	qh, td := buildQueue(t, m, token, tdActive|tdIOC|3<<tdCErrShift)
	bar.Write16(regIntr, intrIOC)

	m.Step()
	if v := m.mem.load32(td+tdStatusOff) & tdNAK; v == 0 {
		t.Errorf("m.mem.load32(td+tdStatusOff)&tdNAK is zero")
	}
	if v := m.mem.load32(td+tdStatusOff) & tdActive; v == 0 {
		t.Errorf("m.mem.load32(td+tdStatusOff)&tdActive is zero")
	}

	d.QueueReport(0x81, []byte{0, 0, 0x1E, 0, 0, 0, 0, 0})
	m.Step()
	st := m.mem.load32(td + tdStatusOff)
	if v := st & tdActive; v != 0 {
		t.Errorf("st&tdActive = %#x, want 0", v)
	}
	if got := st & 0x7FF; got != uint32(7) {
		t.Errorf("st&0x7FF = %v, want %v", got, uint32(7))
	}
	if got := m.mem.load32(qh + qhElemOff); got != uint32(linkT) {
		t.Errorf("m.mem.load32(qh+qhElemOff) = %v, want %v", got, uint32(linkT))
	}
	buf := m.mem.load32(td + tdBufferOff)
	if got := m.mem.bytes(buf, 8)[2]; got != byte(0x1E) {
		t.Errorf("m.mem.bytes(buf, 8)[2] = %v, want %v", got, byte(0x1E))
	}
	if got := m.IRQ().Raised(IRQLine); got != 1 {
		t.Errorf("m.IRQ().Raised(IRQLine) = %v, want %v", got, 1)
	}
}

func TestMachine_ClockOnPoll(t *testing.T) {
	m := New(Options{Clock: ClockOnPoll})
	buildQueue(t, m, uint32(pidIn)|5<<8, tdActive)
	bar, _ := m.PCI().BAR(4)
	before := m.Frames()
	bar.Read16(regSts)
	bar.Read16(regSts)
	if got := m.Frames(); got != before+2 {
		t.Errorf("m.Frames() = %v, want %v", got, before+2)
	}
	bar.Read16(regFrnum)
	if got := m.Frames(); got != before+2 {
		t.Errorf("only USBSTS reads advance the clock: m.Frames() = %v, want %v", got, before+2)
	}
}
