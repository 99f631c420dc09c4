package uhci

import (
	"fmt"

	"github.com/ardnew/softuhci/host/hal"
)

// Node describes one QH of the skeleton as hardware would reach it.
type Node struct {
	Index    int
	Phys     uint32
	Meta     bool
	Slot     int // skeleton slot for meta nodes, -1 for leaves
	Interval int // frames between visits for interval meta nodes
	Type     hal.TransferType
	Priority uint8
	Devices  int // attached-device count, meta nodes only
	EOC      bool
	Link     uint32
	Element  uint32
	TDs      int
}

// Label names the node for diagnostics.
func (n Node) Label() string {
	switch {
	case !n.Meta:
		return fmt.Sprintf("qh%d", n.Index)
	case n.Slot == metaControl:
		return "control"
	case n.Slot == metaBulk:
		return "bulk"
	default:
		return fmt.Sprintf("%dms", n.Interval)
	}
}

// Snapshot is a consistent copy of the schedule taken under the controller
// lock.
type Snapshot struct {
	Nodes     []Node
	QHInUse   int
	QHCap     int
	TDInUse   int
	TDCap     int
	Frames    [frameCount]uint32
	Registers []string
}

// Snapshot captures the skeleton in traversal order. It returns the zero
// Snapshot before Start.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var snap Snapshot
	s := c.sched
	if s == nil {
		return snap
	}
	s.walk(func(i int) bool {
		n := Node{
			Index:    i,
			Phys:     s.qhs.phys(i),
			Meta:     s.isMeta(i),
			Slot:     s.metaSlot(i),
			Type:     s.transferType(i),
			Priority: s.priority(i),
			EOC:      s.flags(i)&qhFlagEOC != 0,
			Link:     s.qhs.load(i, qhLink),
			Element:  s.qhs.load(i, qhElement),
		}
		if n.Meta {
			n.Devices = s.count(i)
			n.Interval = MetaInterval(n.Slot)
		} else if q, ok := c.queues[i]; ok {
			n.TDs = len(q.tds)
		}
		snap.Nodes = append(snap.Nodes, n)
		return true
	})
	snap.QHInUse, snap.QHCap = s.qhs.inUse(), s.qhs.capacity()
	snap.TDInUse, snap.TDCap = s.tds.inUse(), s.tds.capacity()
	for f := range snap.Frames {
		snap.Frames[f] = s.frames.Load32(f * 4)
	}
	snap.Registers = c.regs.dump()
	return snap
}

// Leaves returns the leaf nodes queued below the given meta node label,
// in traversal order.
func (s Snapshot) Leaves(label string) []Node {
	var out []Node
	in := false
	for _, n := range s.Nodes {
		if n.Meta {
			in = n.Label() == label
			continue
		}
		if in {
			out = append(out, n)
		}
	}
	return out
}
