//go:build linux

package linux

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// openFakePCI builds a function with a config file, an I/O BAR4 backed by
// a fake port file and a memory BAR5 backed by resource5.
func openFakePCI(t *testing.T) *PCIFunction {
	t.Helper()
	res := uhciResources()
	res[5] = "0x00000000feb00000 0x00000000feb00fff 0x0000000000040200"
	dir := fakeFunction(t, t.TempDir(), "0000:00:1d.0", "0x0c0300", res)

	config := make([]byte, configSpaceSize)
	config[0], config[1] = 0x86, 0x80
	if err := os.WriteFile(filepath.Join(dir, "config"), config, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "resource5"), make([]byte, hal.PageSize), 0o644); err != nil {
		t.Fatal(err)
	}
	port := filepath.Join(t.TempDir(), "port")
	if err := os.WriteFile(port, make([]byte, 0xC020), 0o644); err != nil {
		t.Fatal(err)
	}

	fn, err := ParseFunction(dir)
	if err != nil {
		t.Fatal(err)
	}
	p, err := OpenPCI(fn)
	if err != nil {
		t.Fatalf("OpenPCI() error = %v", err)
	}
	p.devPort = port
	return p
}

// =============================================================================
// Configuration Space Tests
// =============================================================================

func TestPCIFunction_Config(t *testing.T) {
	p := openFakePCI(t)
	defer p.Close()

	if got := p.ConfigRead16(0); got != 0x8086 {
		t.Errorf("ConfigRead16(vendor) = %#04x, want 0x8086", got)
	}
	p.ConfigWrite32(0x20, 0xDEADBEEF)
	if got := p.ConfigRead32(0x20); got != 0xDEADBEEF {
		t.Errorf("ConfigRead32() = %#08x, want 0xdeadbeef", got)
	}
	p.ConfigWrite16(0x04, 0x0005)
	if got := p.ConfigRead8(0x04); got != 0x05 {
		t.Errorf("ConfigRead8() = %#02x, want 0x05", got)
	}
	p.ConfigWrite8(0x3C, 11)
	if got := p.ConfigRead16(0x3C); got != 11 {
		t.Errorf("ConfigRead16() = %d, want 11", got)
	}
	if p.Name() != "0000:00:1d.0" || !p.Function().IsUHCI() {
		t.Errorf("Function() = %+v", p.Function())
	}
}

func TestPCIFunction_ReadAfterClose(t *testing.T) {
	p := openFakePCI(t)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := p.ConfigRead16(0); got != 0xFFFF {
		t.Errorf("ConfigRead16() after Close = %#04x, want 0xffff", got)
	}
}

// =============================================================================
// BAR Tests
// =============================================================================

func TestPCIFunction_BARErrors(t *testing.T) {
	p := openFakePCI(t)
	defer p.Close()

	tests := []struct {
		index int
		want  error
	}{
		{-1, pkg.ErrInvalidParameter},
		{0, pkg.ErrNotSupported},
		{MaxBARs, pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		if _, err := p.BAR(tt.index); !errors.Is(err, tt.want) {
			t.Errorf("BAR(%d) error = %v, want %v", tt.index, err, tt.want)
		}
	}
}

func TestPCIFunction_PortBAR(t *testing.T) {
	p := openFakePCI(t)
	defer p.Close()

	r, err := p.BAR(4)
	if err != nil {
		t.Fatalf("BAR(4) error = %v", err)
	}
	if r.Kind() != hal.RegionPortIO || r.Base() != 0xC000 {
		t.Fatalf("BAR(4) = %v at %#x", r.Kind(), r.Base())
	}

	r.Write16(0x02, 0xBEEF)
	r.Write32(0x08, 0x12345678)
	r.Write8(0x10, 0x5A)
	if got := r.Read16(0x02); got != 0xBEEF {
		t.Errorf("Read16() = %#04x, want 0xbeef", got)
	}
	if got := r.Read32(0x08); got != 0x12345678 {
		t.Errorf("Read32() = %#08x, want 0x12345678", got)
	}
	if got := r.Read8(0x10); got != 0x5A {
		t.Errorf("Read8() = %#02x, want 0x5a", got)
	}
	// Out of range accesses are dropped.
	r.Write32(0x1E, 0xFFFFFFFF)
	if got := r.Read32(0x1E); got != 0 {
		t.Errorf("Read32() out of range = %#x, want 0", got)
	}

	data, err := os.ReadFile(p.devPort)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[0xC002:0xC004], []byte{0xEF, 0xBE}) {
		t.Errorf("port bytes = % x, want ef be", data[0xC002:0xC004])
	}
}

func TestPCIFunction_MemoryBAR(t *testing.T) {
	p := openFakePCI(t)

	r, err := p.BAR(5)
	if err != nil {
		t.Fatalf("BAR(5) error = %v", err)
	}
	if r.Kind() != hal.RegionMemory || r.Base() != 0xFEB00000 {
		t.Fatalf("BAR(5) = %v at %#x", r.Kind(), r.Base())
	}

	r.Write32(0, 0x11223344)
	r.Write8(1, 0xAA)
	if got := r.Read32(0); got != 0x1122AA44 {
		t.Errorf("after Write8 Read32() = %#08x, want 0x1122aa44", got)
	}
	r.Write16(2, 0xBEEF)
	if got := r.Read32(0); got != 0xBEEFAA44 {
		t.Errorf("after Write16 Read32() = %#08x, want 0xbeefaa44", got)
	}
	if got := r.Read16(2); got != 0xBEEF {
		t.Errorf("Read16() = %#04x, want 0xbeef", got)
	}
	if got := r.Read8(1); got != 0xAA {
		t.Errorf("Read8() = %#02x, want 0xaa", got)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(p.Function().Path, "resource5"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[:4], []byte{0x44, 0xAA, 0xEF, 0xBE}) {
		t.Errorf("resource bytes = % x, want 44 aa ef be", data[:4])
	}
}
