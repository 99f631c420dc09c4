package uhci

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Skeleton meta node slots. Slots 0 through 10 are the interval nodes for
// 1024ms down to 1ms; control and bulk anchors follow the 1ms node.
const (
	metaIntervals = 11
	metaControl   = metaIntervals
	metaBulk      = metaIntervals + 1
	metaCount     = metaIntervals + 2
)

var errNotLinked = errors.New("queue head not linked into skeleton")

// MetaInterval returns the polling interval in frames served by interval
// meta slot k, or 0 for the control and bulk anchors.
func MetaInterval(k int) int {
	if k < 0 || k >= metaIntervals {
		return 0
	}
	return 1 << (metaIntervals - 1 - k)
}

// metaForInterval selects the interval slot for a polling interval in
// milliseconds, rounded down to a power of two and clamped to 1..1024.
func metaForInterval(ms int) int {
	if ms < 1 {
		ms = 1
	}
	if ms > 1<<(metaIntervals-1) {
		ms = 1 << (metaIntervals - 1)
	}
	return metaIntervals - bits.Len(uint(ms))
}

// metaForFrame returns the deepest interval slot whose interval divides
// frame+1. Every frame reaches the 1ms node and both anchors through the
// meta chain.
func metaForFrame(frame int) int {
	tz := bits.TrailingZeros(uint(frame + 1))
	if tz > metaIntervals-1 {
		tz = metaIntervals - 1
	}
	return metaIntervals - 1 - tz
}

type nodeKind uint8

const (
	nodeQH nodeKind = iota + 1
	nodeTD
)

// nodeRef names a pool slot by kind and index.
type nodeRef struct {
	kind  nodeKind
	index int
}

// schedule owns the frame list, the QH and TD arenas, and the skeleton of
// meta queue heads threaded through them.
type schedule struct {
	frames  *hal.DMA
	qhs     *pool
	tds     *pool
	packets *hal.DMA
	meta    [metaCount]int

	// xlat maps every bus address handed to hardware back to its slot.
	xlat map[uint32]nodeRef
}

func newSchedule(frames, qhMem, tdMem, packets *hal.DMA) *schedule {
	return &schedule{
		frames:  frames,
		qhs:     newPool("qh", qhMem, qhSize),
		tds:     newPool("td", tdMem, tdSize),
		packets: packets,
		xlat:    make(map[uint32]nodeRef),
	}
}

// build allocates the meta queue heads, chains them, and points every frame
// list entry at its interval node.
func (s *schedule) build() error {
	for k := 0; k < metaCount; k++ {
		i, ok := s.qhs.alloc()
		if !ok {
			return fmt.Errorf("skeleton: %w", pkg.ErrNoResources)
		}
		t := hal.TransferInterrupt
		switch k {
		case metaControl:
			t = hal.TransferControl
		case metaBulk:
			t = hal.TransferBulk
		}
		s.meta[k] = i
		s.qhs.store(i, qhElement, linkTerminate)
		s.qhs.store(i, qhFlags, qhFlagMeta|qhFlagEOC|uint32(t)<<qhTypeShift)
		s.track(nodeQH, i)
	}
	for k := 0; k < metaCount-1; k++ {
		s.qhs.store(s.meta[k], qhLink, s.qhs.phys(s.meta[k+1])|linkQH)
	}
	s.qhs.store(s.meta[metaBulk], qhLink, linkTerminate)

	for f := 0; f < frameCount; f++ {
		s.frames.Store32(f*4, s.qhs.phys(s.meta[metaForFrame(f)])|linkQH)
	}
	pkg.LogDebug(pkg.ComponentSchedule, "skeleton built",
		"metas", metaCount,
		"head", fmt.Sprintf("%#08x", s.qhs.phys(s.meta[0])))
	return nil
}

func (s *schedule) track(kind nodeKind, i int) {
	if kind == nodeQH {
		s.xlat[s.qhs.phys(i)] = nodeRef{kind, i}
	} else {
		s.xlat[s.tds.phys(i)] = nodeRef{kind, i}
	}
}

func (s *schedule) untrack(kind nodeKind, i int) {
	if kind == nodeQH {
		delete(s.xlat, s.qhs.phys(i))
	} else {
		delete(s.xlat, s.tds.phys(i))
	}
}

// resolve translates a link or element pointer back to a tracked slot.
func (s *schedule) resolve(link uint32) (nodeRef, bool) {
	if link&linkTerminate != 0 {
		return nodeRef{}, false
	}
	ref, ok := s.xlat[link&linkAddress]
	return ref, ok
}

// next follows the horizontal link of QH i.
func (s *schedule) next(i int) (int, bool) {
	link := s.qhs.load(i, qhLink)
	if link&(linkTerminate|linkQH) != linkQH {
		return -1, false
	}
	ref, ok := s.resolve(link)
	if !ok || ref.kind != nodeQH {
		return -1, false
	}
	return ref.index, true
}

func (s *schedule) flags(i int) uint32 { return s.qhs.load(i, qhFlags) }

func (s *schedule) setFlags(i int, set, clear uint32) {
	s.qhs.store(i, qhFlags, (s.flags(i)&^clear)|set)
}

func (s *schedule) isMeta(i int) bool { return s.flags(i)&qhFlagMeta != 0 }

func (s *schedule) priority(i int) uint8 {
	return uint8((s.flags(i) & qhPriorityMask) >> qhPriorityShift)
}

func (s *schedule) transferType(i int) hal.TransferType {
	return hal.TransferType((s.flags(i) & qhTypeMask) >> qhTypeShift)
}

func (s *schedule) count(i int) int {
	return int((s.flags(i) & qhCountMask) >> qhCountShift)
}

func (s *schedule) addCount(i, delta int) {
	n := s.count(i) + delta
	if n < 0 {
		n = 0
	}
	s.qhs.store(i, qhFlags, (s.flags(i)&^qhCountMask)|uint32(n)<<qhCountShift)
}

func (s *schedule) parent(i int) (int, bool) {
	p := s.qhs.load(i, qhParent)
	if p == 0 {
		return -1, false
	}
	return int(p) - 1, true
}

func (s *schedule) setParent(i, p int) {
	s.qhs.store(i, qhParent, uint32(p+1))
}

// insert splices leaf QH q below meta slot target. q lands after every leaf
// of equal or higher priority already queued there, so the section drains
// highest priority first and FIFO within a priority.
func (s *schedule) insert(q int, prio uint8, t hal.TransferType, target int) error {
	if target < 0 || target >= metaCount {
		return fmt.Errorf("meta slot %d: %w", target, pkg.ErrInvalidParameter)
	}
	s.qhs.store(q, qhFlags,
		uint32(prio&3)<<qhPriorityShift|uint32(t&3)<<qhTypeShift)

	cur := s.meta[0]
	for seen := 0; seen < target; {
		n, ok := s.next(cur)
		if !ok {
			return fmt.Errorf("meta slot %d unreachable: %w", target, pkg.ErrInvalidState)
		}
		cur = n
		if s.isMeta(cur) {
			seen++
		}
	}
	s.addCount(cur, 1)

	for {
		n, ok := s.next(cur)
		if !ok || s.isMeta(n) || s.priority(n) < prio {
			break
		}
		cur = n
	}

	s.qhs.store(q, qhLink, s.qhs.load(cur, qhLink))
	if s.flags(cur)&qhFlagEOC != 0 {
		s.setFlags(cur, 0, qhFlagEOC)
		s.setFlags(q, qhFlagEOC, 0)
	}
	if n, ok := s.next(q); ok && !s.isMeta(n) {
		s.setParent(n, q)
	}
	s.setParent(q, cur)
	s.track(nodeQH, q)

	// Publish last: hardware may follow cur's link at any time.
	s.qhs.store(cur, qhLink, s.qhs.phys(q)|linkQH)
	return nil
}

// remove unlinks leaf QH q and decrements the device count of the meta node
// owning its section.
func (s *schedule) remove(q int) error {
	p, ok := s.parent(q)
	if !ok {
		return errNotLinked
	}
	if n, ok := s.next(q); ok && !s.isMeta(n) {
		s.setParent(n, p)
	}
	s.qhs.store(p, qhLink, s.qhs.load(q, qhLink))
	if s.flags(q)&qhFlagEOC != 0 {
		s.setFlags(p, qhFlagEOC, 0)
	}

	m := p
	for !s.isMeta(m) {
		up, ok := s.parent(m)
		if !ok {
			break
		}
		m = up
	}
	s.addCount(m, -1)

	s.qhs.store(q, qhParent, 0)
	s.untrack(nodeQH, q)
	return nil
}

// walk visits every QH reachable from the head of the skeleton in hardware
// order. fn returning false stops the walk. The successor is read before fn
// runs, so fn may remove the node it is given.
func (s *schedule) walk(fn func(i int) bool) {
	cur, ok := s.meta[0], true
	for ok {
		n, more := s.next(cur)
		if !fn(cur) {
			return
		}
		cur, ok = n, more
	}
}

// metaSlot reports which skeleton slot QH i occupies, or -1 for a leaf.
func (s *schedule) metaSlot(i int) int {
	for k, m := range s.meta {
		if m == i {
			return k
		}
	}
	return -1
}

// packet returns the 64-byte buffer paired with TD slot i.
func (s *schedule) packet(i int) []byte {
	return s.packets.Slice(i*packetSize, packetSize)
}

func (s *schedule) packetPhys(i int) uint32 {
	return s.packets.Phys() + uint32(i*packetSize)
}
