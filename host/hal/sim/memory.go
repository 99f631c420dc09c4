package sim

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// MemoryBase is the bus address of the first simulated page.
const MemoryBase = 0x00100000

// Memory is a page allocator over one word-aligned arena. Bus addresses
// start at MemoryBase and map linearly onto the arena, so the controller
// model can dereference any pointer the driver writes.
type Memory struct {
	mu    sync.Mutex
	arena *hal.DMA
	pages []bool
	live  map[uint32]int // phys -> page count
}

// NewMemory returns an allocator with n pages.
func NewMemory(n int) *Memory {
	words := make([]uint64, n*hal.PageSize/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n*hal.PageSize)
	return &Memory{
		arena: hal.NewDMA(MemoryBase, buf),
		pages: make([]bool, n),
		live:  make(map[uint32]int),
	}
}

// AllocPages returns n contiguous zeroed pages.
func (m *Memory) AllocPages(n int) (*hal.DMA, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sim: alloc %d pages: %w", n, pkg.ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	run := 0
	for i := range m.pages {
		if m.pages[i] {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}
		first := i - n + 1
		for j := first; j <= i; j++ {
			m.pages[j] = true
		}
		off := first * hal.PageSize
		buf := m.arena.Slice(off, n*hal.PageSize)
		clear(buf)
		d := hal.NewDMA(MemoryBase+uint32(off), buf)
		m.live[d.Phys()] = n
		return d, nil
	}
	return nil, fmt.Errorf("sim: alloc %d pages: %w", n, pkg.ErrNoResources)
}

// FreePages releases pages returned by AllocPages.
func (m *Memory) FreePages(d *hal.DMA) error {
	if d == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.live[d.Phys()]
	if !ok {
		return fmt.Errorf("sim: free %#08x: %w", d.Phys(), pkg.ErrInvalidParameter)
	}
	delete(m.live, d.Phys())
	first := m.arena.Offset(d.Phys()) / hal.PageSize
	for j := first; j < first+n; j++ {
		m.pages[j] = false
	}
	return nil
}

// PagesInUse reports how many pages are allocated.
func (m *Memory) PagesInUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, used := range m.pages {
		if used {
			n++
		}
	}
	return n
}

// valid reports whether [phys, phys+n) lies inside the arena.
func (m *Memory) valid(phys uint32, n int) bool {
	return phys >= MemoryBase && m.arena.Contains(phys) &&
		(n == 0 || m.arena.Contains(phys+uint32(n)-1))
}

func (m *Memory) load32(phys uint32) uint32 {
	return m.arena.Load32(m.arena.Offset(phys))
}

func (m *Memory) store32(phys uint32, v uint32) {
	m.arena.Store32(m.arena.Offset(phys), v)
}

func (m *Memory) bytes(phys uint32, n int) []byte {
	return m.arena.Slice(m.arena.Offset(phys), n)
}

var _ hal.Memory = (*Memory)(nil)
