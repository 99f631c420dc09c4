//go:build linux

package linux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// =============================================================================
// Configuration Space
// =============================================================================

// PCIFunction is a PCI function reached through its sysfs directory.
// Configuration accesses go through the "config" attribute. Failed accesses
// read as all ones, like a master abort on a real bus.
type PCIFunction struct {
	fn      Function
	config  *os.File
	devPort string

	mu      sync.Mutex
	regions []closer
}

type closer interface{ close() error }

// OpenPCI opens the configuration space of fn for reading and writing.
func OpenPCI(fn Function) (*PCIFunction, error) {
	f, err := os.OpenFile(filepath.Join(fn.Path, "config"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("linux: open %s config: %w", fn.Name, err)
	}
	return &PCIFunction{fn: fn, config: f, devPort: DevPortPath}, nil
}

// Name returns the bus address of the function.
func (p *PCIFunction) Name() string { return p.fn.Name }

// Function returns the sysfs description the function was opened from.
func (p *PCIFunction) Function() Function { return p.fn }

func (p *PCIFunction) read(off uint8, n int) []byte {
	b := make([]byte, n)
	if _, err := unix.Pread(int(p.config.Fd()), b, int64(off)); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "config read", "pci", p.fn.Name, "offset", off, "error", err)
		for i := range b {
			b[i] = 0xFF
		}
	}
	return b
}

func (p *PCIFunction) write(off uint8, b []byte) {
	if _, err := unix.Pwrite(int(p.config.Fd()), b, int64(off)); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "config write", "pci", p.fn.Name, "offset", off, "error", err)
	}
}

func (p *PCIFunction) ConfigRead8(off uint8) uint8 { return p.read(off, 1)[0] }

func (p *PCIFunction) ConfigRead16(off uint8) uint16 {
	return binary.LittleEndian.Uint16(p.read(off, 2))
}

func (p *PCIFunction) ConfigRead32(off uint8) uint32 {
	return binary.LittleEndian.Uint32(p.read(off, 4))
}

func (p *PCIFunction) ConfigWrite8(off uint8, v uint8) { p.write(off, []byte{v}) }

func (p *PCIFunction) ConfigWrite16(off uint8, v uint16) {
	p.write(off, binary.LittleEndian.AppendUint16(nil, v))
}

func (p *PCIFunction) ConfigWrite32(off uint8, v uint32) {
	p.write(off, binary.LittleEndian.AppendUint32(nil, v))
}

// BAR maps base address register index. I/O BARs are reached through
// /dev/port; memory BARs are mapped from the resourceN attribute.
func (p *PCIFunction) BAR(index int) (hal.AddressRegion, error) {
	if index < 0 || index >= MaxBARs || index >= len(p.fn.Resources) {
		return nil, fmt.Errorf("linux: %s BAR%d: %w", p.fn.Name, index, pkg.ErrInvalidParameter)
	}
	res := p.fn.Resources[index]
	if res.Size() == 0 {
		return nil, fmt.Errorf("linux: %s BAR%d unassigned: %w", p.fn.Name, index, pkg.ErrNotSupported)
	}

	var (
		r interface {
			hal.AddressRegion
			closer
		}
		err error
	)
	switch {
	case res.IsIO():
		r, err = openPortRegion(p.devPort, res.Start, res.Size())
	case res.IsMem():
		r, err = openMMIORegion(filepath.Join(p.fn.Path, fmt.Sprintf("resource%d", index)), res.Start, res.Size())
	default:
		err = fmt.Errorf("linux: %s BAR%d flags %#x: %w", p.fn.Name, index, res.Flags, pkg.ErrNotSupported)
	}
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.regions = append(p.regions, r)
	p.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "bar mapped",
		"pci", p.fn.Name,
		"bar", index,
		"kind", r.Kind().String(),
		"base", fmt.Sprintf("%#x", res.Start),
		"size", res.Size())
	return r, nil
}

// Close unmaps every BAR and closes configuration space.
func (p *PCIFunction) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for _, r := range p.regions {
		err = errors.Join(err, r.close())
	}
	p.regions = nil
	return errors.Join(err, p.config.Close())
}

var _ hal.PCIDevice = (*PCIFunction)(nil)

// =============================================================================
// Port I/O Region
// =============================================================================

// portRegion reaches I/O port space through positional reads and writes on
// /dev/port, where the file offset is the port number.
type portRegion struct {
	f    *os.File
	base uint64
	size uint64
}

func openPortRegion(path string, base, size uint64) (*portRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("linux: open %s: %w", path, err)
	}
	return &portRegion{f: f, base: base, size: size}, nil
}

func (r *portRegion) Kind() hal.RegionKind { return hal.RegionPortIO }
func (r *portRegion) Base() uint64         { return r.base }

func (r *portRegion) in(off uint32, b []byte) {
	if uint64(off)+uint64(len(b)) > r.size {
		pkg.LogWarn(pkg.ComponentHAL, "port read out of range", "offset", off)
		return
	}
	if _, err := unix.Pread(int(r.f.Fd()), b, int64(r.base)+int64(off)); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "port read", "port", r.base+uint64(off), "error", err)
	}
}

func (r *portRegion) out(off uint32, b []byte) {
	if uint64(off)+uint64(len(b)) > r.size {
		pkg.LogWarn(pkg.ComponentHAL, "port write out of range", "offset", off)
		return
	}
	if _, err := unix.Pwrite(int(r.f.Fd()), b, int64(r.base)+int64(off)); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "port write", "port", r.base+uint64(off), "error", err)
	}
}

func (r *portRegion) Read8(off uint32) uint8 {
	var b [1]byte
	r.in(off, b[:])
	return b[0]
}

func (r *portRegion) Read16(off uint32) uint16 {
	var b [2]byte
	r.in(off, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (r *portRegion) Read32(off uint32) uint32 {
	var b [4]byte
	r.in(off, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *portRegion) Write8(off uint32, v uint8) { r.out(off, []byte{v}) }

func (r *portRegion) Write16(off uint32, v uint16) {
	r.out(off, binary.LittleEndian.AppendUint16(nil, v))
}

func (r *portRegion) Write32(off uint32, v uint32) {
	r.out(off, binary.LittleEndian.AppendUint32(nil, v))
}

func (r *portRegion) close() error { return r.f.Close() }

// =============================================================================
// Memory-Mapped Region
// =============================================================================

// mmioRegion is a shared mapping of a memory BAR. Word accesses are atomic
// so the compiler never merges or elides them.
type mmioRegion struct {
	mem  []byte
	base uint64
}

func openMMIORegion(path string, base, size uint64) (*mmioRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("linux: open %s: %w", path, err)
	}
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("linux: mmap %s: %w", path, err)
	}
	return &mmioRegion{mem: mem, base: base}, nil
}

func (r *mmioRegion) Kind() hal.RegionKind { return hal.RegionMemory }
func (r *mmioRegion) Base() uint64         { return r.base }

func (r *mmioRegion) word(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off&^3]))
}

func (r *mmioRegion) Read8(off uint32) uint8 {
	return uint8(atomic.LoadUint32(r.word(off)) >> (8 * (off & 3)))
}

func (r *mmioRegion) Read16(off uint32) uint16 {
	return uint16(atomic.LoadUint32(r.word(off)) >> (8 * (off & 2)))
}

func (r *mmioRegion) Read32(off uint32) uint32 { return atomic.LoadUint32(r.word(off)) }

// Sub-word writes merge into the containing word.
func (r *mmioRegion) Write8(off uint32, v uint8) {
	w, s := r.word(off), 8*(off&3)
	atomic.StoreUint32(w, atomic.LoadUint32(w)&^(0xFF<<s)|uint32(v)<<s)
}

func (r *mmioRegion) Write16(off uint32, v uint16) {
	w, s := r.word(off), 8*(off&2)
	atomic.StoreUint32(w, atomic.LoadUint32(w)&^(0xFFFF<<s)|uint32(v)<<s)
}

func (r *mmioRegion) Write32(off uint32, v uint32) { atomic.StoreUint32(r.word(off), v) }

func (r *mmioRegion) close() error { return unix.Munmap(r.mem) }
