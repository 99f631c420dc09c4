//go:build linux

package linux

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Memory hands out pinned pages from locked huge pages. Every huge page is
// physically contiguous and the set is required to be contiguous too, so a
// bus address is a fixed offset from the CPU mapping.
type Memory struct {
	mu    sync.Mutex
	raw   []byte
	arena *hal.DMA
	pages []bool
	live  map[uint32]int // phys -> page count
}

// NewMemory maps and locks n huge pages and resolves their bus address.
// The whole range must sit below 4 GiB for a 32-bit bus master.
func NewMemory(n int) (*Memory, error) {
	if n <= 0 {
		return nil, fmt.Errorf("linux: %d huge pages: %w", n, pkg.ErrInvalidParameter)
	}
	size := n * HugePageSize
	raw, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("linux: map %d huge pages: %w", n, err)
	}

	pm, err := os.Open(PagemapPath)
	if err != nil {
		unix.Munmap(raw)
		return nil, fmt.Errorf("linux: %w", err)
	}
	defer pm.Close()

	var base uint64
	for i := 0; i < n; i++ {
		addr := uintptr(unsafe.Pointer(&raw[i*HugePageSize]))
		phys, err := translate(pm, addr)
		if err != nil {
			unix.Munmap(raw)
			return nil, err
		}
		if i == 0 {
			base = phys
		} else if phys != base+uint64(i*HugePageSize) {
			unix.Munmap(raw)
			return nil, fmt.Errorf("linux: huge pages not contiguous: %w", pkg.ErrNoResources)
		}
	}
	if base+uint64(size)-1 > maxBusAddress {
		unix.Munmap(raw)
		return nil, fmt.Errorf("linux: memory at %#x beyond 32-bit bus: %w", base, pkg.ErrNoResources)
	}

	pkg.LogInfo(pkg.ComponentHAL, "dma memory",
		"phys", fmt.Sprintf("%#08x", base),
		"size", size)
	return &Memory{
		raw:   raw,
		arena: hal.NewDMA(uint32(base), raw),
		pages: make([]bool, size/hal.PageSize),
		live:  make(map[uint32]int),
	}, nil
}

// translate resolves the bus address of a virtual address through the
// process pagemap.
func translate(pm *os.File, addr uintptr) (uint64, error) {
	var b [8]byte
	off := int64(addr/uintptr(hal.PageSize)) * 8
	if _, err := pm.ReadAt(b[:], off); err != nil {
		return 0, fmt.Errorf("linux: pagemap: %w", err)
	}
	pfn, ok := pagemapFrame(binary.LittleEndian.Uint64(b[:]))
	if !ok {
		return 0, fmt.Errorf("linux: page %#x not resident or frame hidden: %w", addr, pkg.ErrNotSupported)
	}
	return pfn*uint64(hal.PageSize) + uint64(addr%uintptr(hal.PageSize)), nil
}

// pagemapFrame decodes a pagemap entry. Without CAP_SYS_ADMIN the kernel
// reports frame 0, which is treated as unknown.
func pagemapFrame(entry uint64) (uint64, bool) {
	if entry&pagemapPresent == 0 {
		return 0, false
	}
	pfn := entry & pagemapPFNMask
	return pfn, pfn != 0
}

// AllocPages returns n contiguous zeroed pages.
func (m *Memory) AllocPages(n int) (*hal.DMA, error) {
	if n <= 0 {
		return nil, fmt.Errorf("linux: alloc %d pages: %w", n, pkg.ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	run := 0
	for i := range m.pages {
		if m.pages[i] {
			run = 0
			continue
		}
		if run++; run < n {
			continue
		}
		first := i - n + 1
		for j := first; j <= i; j++ {
			m.pages[j] = true
		}
		buf := m.arena.Slice(first*hal.PageSize, n*hal.PageSize)
		clear(buf)
		phys := m.arena.Phys() + uint32(first*hal.PageSize)
		m.live[phys] = n
		return hal.NewDMA(phys, buf), nil
	}
	return nil, fmt.Errorf("linux: alloc %d pages: %w", n, pkg.ErrNoResources)
}

// FreePages returns a range to the allocator.
func (m *Memory) FreePages(d *hal.DMA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.live[d.Phys()]
	if !ok {
		return fmt.Errorf("linux: free %#x: %w", d.Phys(), pkg.ErrInvalidParameter)
	}
	first := m.arena.Offset(d.Phys()) / hal.PageSize
	for j := first; j < first+n; j++ {
		m.pages[j] = false
	}
	delete(m.live, d.Phys())
	return nil
}

// PagesInUse returns the number of allocated pages.
func (m *Memory) PagesInUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.live {
		n += c
	}
	return n
}

// Close unmaps the huge pages. Outstanding ranges become invalid.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raw == nil {
		return nil
	}
	err := unix.Munmap(m.raw)
	m.raw = nil
	return err
}

var _ hal.Memory = (*Memory)(nil)
