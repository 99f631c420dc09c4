package uhci

import (
	"math/bits"

	"github.com/ardnew/softuhci/host/hal"
)

// pool is a fixed-capacity arena of equally sized records inside a pinned
// DMA range. A bitmap tracks which slots are in use. Slots are addressed by
// index; bus addresses are derived only where hardware needs them.
//
// pool is not safe for concurrent use; the controller lock guards it.
type pool struct {
	name string
	mem  *hal.DMA
	size int
	n    int
	used []uint64
	live int
}

func newPool(name string, mem *hal.DMA, size int) *pool {
	n := mem.Len() / size
	return &pool{
		name: name,
		mem:  mem,
		size: size,
		n:    n,
		used: make([]uint64, (n+63)/64),
	}
}

// alloc claims the lowest free slot and zeroes it. It reports false when
// the pool is exhausted.
func (p *pool) alloc() (int, bool) {
	for w, word := range p.used {
		if word == ^uint64(0) {
			continue
		}
		b := bits.TrailingZeros64(^word)
		i := w*64 + b
		if i >= p.n {
			return -1, false
		}
		p.used[w] |= 1 << b
		p.live++
		off := i * p.size
		for j := 0; j < p.size; j += 4 {
			p.mem.Store32(off+j, 0)
		}
		return i, true
	}
	return -1, false
}

// free releases slot i. Freeing a slot that is not allocated is a no-op.
func (p *pool) free(i int) {
	if i < 0 || i >= p.n {
		return
	}
	w, b := i/64, uint(i%64)
	if p.used[w]&(1<<b) == 0 {
		return
	}
	p.used[w] &^= 1 << b
	p.live--
}

func (p *pool) allocated(i int) bool {
	return i >= 0 && i < p.n && p.used[i/64]&(1<<uint(i%64)) != 0
}

// phys returns the bus address of slot i.
func (p *pool) phys(i int) uint32 {
	return p.mem.Phys() + uint32(i*p.size)
}

// index locates the slot containing a bus address.
func (p *pool) index(phys uint32) (int, bool) {
	if !p.mem.Contains(phys) {
		return -1, false
	}
	return p.mem.Offset(phys) / p.size, true
}

func (p *pool) load(i, field int) uint32     { return p.mem.Load32(i*p.size + field) }
func (p *pool) store(i, field int, v uint32) { p.mem.Store32(i*p.size+field, v) }

// bytes returns the CPU view of slot i.
func (p *pool) bytes(i int) []byte { return p.mem.Slice(i*p.size, p.size) }

func (p *pool) capacity() int { return p.n }
func (p *pool) inUse() int    { return p.live }
