package hal

import (
	"bytes"
	"testing"
	"unsafe"
)

// =============================================================================
// Enumerations
// =============================================================================

func TestNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{SpeedUnknown.String(), "Unknown"},
		{SpeedLow.String(), "Low Speed"},
		{SpeedFull.String(), "Full Speed"},
		{Speed(7).String(), "Unknown"},
		{TransferControl.String(), "control"},
		{TransferIsochronous.String(), "isochronous"},
		{TransferBulk.String(), "bulk"},
		{TransferInterrupt.String(), "interrupt"},
		{TransferType(9).String(), "type(9)"},
		{RegionPortIO.String(), "pio"},
		{RegionMemory.String(), "mmio"},
	}
	for i, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("case %d: got %q, want %q", i, tt.got, tt.want)
		}
	}
}

// The endpoint attribute encoding is the USB one; descriptors are decoded
// straight into TransferType.
func TestTransferType_Encoding(t *testing.T) {
	for attr, want := range []TransferType{TransferControl, TransferIsochronous, TransferBulk, TransferInterrupt} {
		if TransferType(attr) != want {
			t.Errorf("attributes %d decode as %v, want %v", attr, TransferType(attr), want)
		}
	}
}

// =============================================================================
// Setup Packets
// =============================================================================

func TestSetupPacket_Wire(t *testing.T) {
	tests := []struct {
		name  string
		setup SetupPacket
		wire  []byte
		in    bool
	}{
		{
			name:  "get device descriptor",
			setup: SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18},
			wire:  []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
			in:    true,
		},
		{
			name:  "get string",
			setup: SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0302, Index: 0x0409, Length: 0xFF},
			wire:  []byte{0x80, 0x06, 0x02, 0x03, 0x09, 0x04, 0xFF, 0x00},
			in:    true,
		},
		{
			name:  "hid set report",
			setup: SetupPacket{RequestType: 0x21, Request: 0x09, Value: 0x0200, Index: 1, Length: 1},
			wire:  []byte{0x21, 0x09, 0x00, 0x02, 0x01, 0x00, 0x01, 0x00},
		},
		{
			name:  "clear endpoint halt",
			setup: SetupPacket{RequestType: 0x02, Request: 0x01, Index: 0x0081},
			wire:  []byte{0x02, 0x01, 0x00, 0x00, 0x81, 0x00, 0x00, 0x00},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, SetupPacketSize+2)
			if n := tt.setup.MarshalTo(buf); n != SetupPacketSize {
				t.Fatalf("MarshalTo() = %d, want %d", n, SetupPacketSize)
			}
			if !bytes.Equal(buf[:SetupPacketSize], tt.wire) {
				t.Errorf("MarshalTo() wrote % x, want % x", buf[:SetupPacketSize], tt.wire)
			}

			var got SetupPacket
			if !ParseSetupPacket(tt.wire, &got) {
				t.Fatal("ParseSetupPacket() = false")
			}
			if got != tt.setup {
				t.Errorf("ParseSetupPacket() = %v, want %v", got, tt.setup)
			}
			if got.IsIn() != tt.in {
				t.Errorf("IsIn() = %v, want %v", got.IsIn(), tt.in)
			}
		})
	}
}

func TestSetupPacket_ShortBuffers(t *testing.T) {
	short := make([]byte, SetupPacketSize-1)
	if (&SetupPacket{Request: 5}).MarshalTo(short) != 0 {
		t.Error("MarshalTo() into 7 bytes should write nothing")
	}
	if !bytes.Equal(short, make([]byte, len(short))) {
		t.Errorf("MarshalTo() touched a short buffer: % x", short)
	}
	var s SetupPacket
	if ParseSetupPacket(short, &s) {
		t.Error("ParseSetupPacket() accepted 7 bytes")
	}
}

// =============================================================================
// DMA Ranges
// =============================================================================

func newTestDMA(phys uint32, words int) *DMA {
	backing := make([]uint32, words)
	return NewDMA(phys, unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), words*4))
}

func TestDMA(t *testing.T) {
	d := newTestDMA(0x00200000, 16)

	if d.Phys() != 0x00200000 || d.Len() != 64 || len(d.Bytes()) != 64 {
		t.Fatalf("range = %#x+%d", d.Phys(), d.Len())
	}

	d.Store32(8, 0xDEADBEEF)
	if got := d.Load32(8); got != 0xDEADBEEF {
		t.Errorf("Load32(8) = %#x", got)
	}
	// Words are stored little-endian, as the controller reads them.
	if got := d.Slice(8, 4); !bytes.Equal(got, []byte{0xEF, 0xBE, 0xAD, 0xDE}) {
		t.Errorf("Slice(8, 4) = % x", got)
	}

	for phys, want := range map[uint32]bool{
		0x001FFFFC: false,
		0x00200000: true,
		0x0020003C: true,
		0x00200040: false,
	} {
		if d.Contains(phys) != want {
			t.Errorf("Contains(%#x) = %v, want %v", phys, !want, want)
		}
	}
	if off := d.Offset(0x00200010); off != 16 {
		t.Errorf("Offset() = %d, want 16", off)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkSetupPacket(b *testing.B) {
	setup := SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	var buf [SetupPacketSize]byte
	var out SetupPacket

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		setup.MarshalTo(buf[:])
		ParseSetupPacket(buf[:], &out)
	}
}
