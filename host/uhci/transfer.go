package uhci

import (
	"fmt"

	"github.com/ardnew/softuhci/host"
	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// stage identifies the role of a transaction within a transfer.
type stage uint8

const (
	stageSetup stage = iota
	stageDataIn
	stageDataOut
	stageStatusIn
	stageStatusOut
)

func (s stage) pid() uint8 {
	switch s {
	case stageSetup:
		return pidSetup
	case stageDataIn, stageStatusIn:
		return pidIn
	default:
		return pidOut
	}
}

func (s stage) String() string {
	switch s {
	case stageSetup:
		return "setup"
	case stageDataIn:
		return "data-in"
	case stageDataOut:
		return "data-out"
	case stageStatusIn:
		return "status-in"
	case stageStatusOut:
		return "status-out"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// transaction is one packet of a transfer before it is committed to a TD.
type transaction struct {
	stage  stage
	toggle uint8
	offset int // into the caller's buffer
	length int
}

// transfer is the ordered transaction list for one request. It only lives
// long enough to build and log the TD chain.
type transfer struct {
	kind hal.TransferType
	txns []transaction
}

func (t transfer) String() string {
	return fmt.Sprintf("%s transfer, %d transactions", t.kind, len(t.txns))
}

// planControl lays out a control transfer: a SETUP with DATA0, the data
// stage chunked at maxPacket with the toggle alternating from DATA1, and a
// zero-length status stage in the opposite direction with DATA1.
func planControl(length, maxPacket int, in bool) transfer {
	tr := transfer{kind: hal.TransferControl}
	tr.txns = append(tr.txns, transaction{stage: stageSetup, length: hal.SetupPacketSize})

	data := stageDataOut
	if in {
		data = stageDataIn
	}
	toggle := uint8(1)
	for off := 0; off < length; off += maxPacket {
		n := min(maxPacket, length-off)
		tr.txns = append(tr.txns, transaction{stage: data, toggle: toggle, offset: off, length: n})
		toggle ^= 1
	}

	status := stageStatusIn
	if in && length > 0 {
		status = stageStatusOut
	}
	tr.txns = append(tr.txns, transaction{stage: status, toggle: 1})
	return tr
}

// planData lays out a bulk or interrupt transfer as maxPacket chunks with
// the toggle alternating from start. An empty buffer yields a single
// zero-length packet.
func planData(kind hal.TransferType, length, maxPacket int, in bool, start uint8) transfer {
	tr := transfer{kind: kind}
	st := stageDataOut
	if in {
		st = stageDataIn
	}
	toggle := start & 1
	off := 0
	for {
		n := min(maxPacket, length-off)
		tr.txns = append(tr.txns, transaction{stage: st, toggle: toggle, offset: off, length: n})
		toggle ^= 1
		off += n
		if off >= length {
			break
		}
	}
	return tr
}

// segment records where an IN TD's packet lands in the caller's buffer.
type segment struct {
	td     int
	offset int
}

// queue is the software side of one leaf QH: its TD chain and everything
// needed to report and retire it.
type queue struct {
	qh       int
	kind     hal.TransferType
	req      *host.Request
	dev      *host.Device
	slot     int // request slot, -1 when unused
	tds      []int
	segs     []segment
	polled   bool
	ioc      bool
	endpoint uint8
	toggle   uint8 // toggle of the first data TD

	// settled is closed once a path other than waitPoll has delivered the
	// callback of a polled queue.
	settled chan struct{}
}

// buildChain allocates a TD per transaction and links each one to its
// predecessor as it is created, so the chain is walkable by hardware without
// a second pass. On exhaustion all TDs taken so far are released.
//
// Must be called with c.mu held.
func (c *Controller) buildChain(q *queue, tr transfer, setupPhys uint32, low bool) bool {
	s := c.sched
	addr := q.dev.Address()
	ep := q.endpoint & 0x0F
	prev := -1
	for n, tx := range tr.txns {
		i, ok := s.tds.alloc()
		if !ok {
			c.freeChain(q)
			return false
		}
		q.tds = append(q.tds, i)
		last := n == len(tr.txns)-1

		status := uint32(tdActive | tdRetryBudget | tokenMaxLenNone)
		if low {
			status |= tdLowSpeed
		}
		if last && q.ioc {
			status |= tdIOC
		}

		var buf uint32
		switch {
		case tx.stage == stageSetup:
			buf = setupPhys
		case tx.length > 0:
			buf = s.packetPhys(i)
			switch tx.stage {
			case stageDataOut:
				copy(s.packet(i), q.req.Buffer[tx.offset:tx.offset+tx.length])
			case stageDataIn:
				q.segs = append(q.segs, segment{td: i, offset: tx.offset})
				if !last {
					status |= tdShortPacket
				}
			}
		}

		s.tds.store(i, tdLink, linkTerminate)
		s.tds.store(i, tdToken, makeToken(tx.stage.pid(), addr, ep, tx.toggle, tx.length))
		s.tds.store(i, tdBuffer, buf)
		s.tds.store(i, tdStatus, status)
		s.track(nodeTD, i)
		if prev >= 0 {
			s.tds.store(prev, tdLink, s.tds.phys(i)|linkDepth)
		}
		prev = i

		if pkg.DebugEnabled() {
			pkg.LogDebug(pkg.ComponentTransfer, "td",
				"qh", q.qh,
				"td", i,
				"stage", tx.stage.String(),
				"toggle", tx.toggle,
				"len", tx.length)
		}
	}
	return true
}

// freeChain returns every TD of q to the pool and drops its translations.
func (c *Controller) freeChain(q *queue) {
	for _, i := range q.tds {
		c.sched.untrack(nodeTD, i)
		c.sched.tds.free(i)
	}
	q.tds = nil
	q.segs = nil
}

// maxPacket returns the per-TD payload limit for the request's pipe.
func maxPacket(req *host.Request) int {
	if req.Endpoint == nil {
		return min(int(max(req.Device.MaxPacketSize0(), 8)), packetSize)
	}
	return min(int(req.Endpoint.MaxPacketSize&0x7FF), packetSize)
}

// validate checks a request against the pipe it names.
func validate(req *host.Request, kind hal.TransferType) pkg.Status {
	if !req.Priority.Valid() {
		return pkg.StatusBadPriority.Fail()
	}
	ep := req.Endpoint
	switch kind {
	case hal.TransferControl:
		if ep != nil && ep.TransferType() != hal.TransferControl {
			return pkg.StatusBadType.Fail()
		}
		if len(req.Buffer) < int(req.Setup.Length) {
			return pkg.StatusDataBuffer.Fail()
		}
	default:
		if ep == nil || ep.Number() == 0 || ep.MaxPacketSize == 0 {
			return pkg.StatusBadEndpoint.Fail()
		}
		if ep.TransferType() != kind {
			return pkg.StatusBadType.Fail()
		}
		if kind == hal.TransferInterrupt && ep.Interval == 0 {
			return pkg.StatusBadPriority.Fail()
		}
	}
	return pkg.StatusSuccess
}

// enqueue builds a request into a scheduled QH. A failed status means
// nothing reached hardware.
func (c *Controller) enqueue(req *host.Request, kind hal.TransferType) (*queue, pkg.Status) {
	if st := validate(req, kind); st.Failed() {
		return nil, st
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, pkg.StatusShutdown.Fail()
	}
	ds, ok := c.devices[req.Device]
	if !ok {
		return nil, pkg.StatusShutdown.Fail()
	}

	s := c.sched
	qi, ok := s.qhs.alloc()
	if !ok {
		return nil, pkg.StatusNoResources.Fail()
	}
	q := &queue{
		qh:   qi,
		kind: kind,
		req:  req,
		dev:  req.Device,
		slot: -1,
	}
	q.polled = req.Sync ||
		(kind == hal.TransferControl && req.Device.State() != host.DeviceStateConfigured)
	q.ioc = !q.polled && c.opts.Mode == ModeInterrupt
	if q.polled {
		q.settled = make(chan struct{})
	}

	var (
		tr        transfer
		setupPhys uint32
		target    int
	)
	switch kind {
	case hal.TransferControl:
		slot, ok := ds.slots.alloc()
		if !ok {
			s.qhs.free(qi)
			return nil, pkg.StatusNoResources.Fail()
		}
		q.slot = slot
		req.Setup.MarshalTo(ds.slots.bytes(slot))
		setupPhys = ds.slots.phys(slot)
		tr = planControl(int(req.Setup.Length), maxPacket(req), req.Setup.IsIn())
		target = metaControl
	default:
		q.endpoint = req.Endpoint.EndpointAddress
		q.toggle = ds.toggles[q.endpoint]
		tr = planData(kind, len(req.Buffer), maxPacket(req), req.Endpoint.IsIn(), q.toggle)
		target = metaBulk
		if kind == hal.TransferInterrupt {
			target = metaForInterval(int(req.Endpoint.Interval))
		}
	}

	if !c.buildChain(q, tr, setupPhys, req.Device.Speed() == hal.SpeedLow) {
		if q.slot >= 0 {
			ds.slots.free(q.slot)
		}
		s.qhs.free(qi)
		pkg.LogWarn(pkg.ComponentTransfer, "td pool exhausted",
			"device", req.Device.Address(),
			"kind", kind.String())
		return nil, pkg.StatusNoResources.Fail()
	}
	if kind != hal.TransferControl {
		ds.toggles[q.endpoint] = q.toggle ^ uint8(len(q.tds)&1)
	}

	s.qhs.store(qi, qhElement, s.tds.phys(q.tds[0]))
	if err := s.insert(qi, uint8(req.Priority), kind, target); err != nil {
		c.freeChain(q)
		if q.slot >= 0 {
			ds.slots.free(q.slot)
		}
		s.qhs.free(qi)
		pkg.LogError(pkg.ComponentSchedule, "insert failed", "error", err)
		return nil, pkg.StatusFailed
	}
	c.queues[qi] = q
	ds.queues[qi] = struct{}{}

	pkg.LogDebug(pkg.ComponentTransfer, "submitted",
		"transfer", tr.String(),
		"device", req.Device.Address(),
		"endpoint", q.endpoint,
		"priority", req.Priority.String(),
		"polled", q.polled)
	return q, pkg.StatusSuccess
}

func (c *Controller) submit(req *host.Request, kind hal.TransferType) {
	if req == nil {
		return
	}
	if req.Device == nil {
		req.Complete(pkg.StatusBadEndpoint.Fail(), 0)
		return
	}
	q, st := c.enqueue(req, kind)
	if st.Failed() {
		req.Complete(st, 0)
		return
	}
	if q.polled {
		timeout := c.opts.ControlTimeout
		if kind != hal.TransferControl {
			timeout = c.opts.BulkTimeout
		}
		c.waitPoll(q, timeout)
	}
}

// SubmitControl schedules a control transfer on the request's device.
// Transfers to devices that are not yet configured, and Sync requests,
// complete before SubmitControl returns.
func (c *Controller) SubmitControl(req *host.Request) { c.submit(req, hal.TransferControl) }

// SubmitBulk schedules a bulk transfer.
func (c *Controller) SubmitBulk(req *host.Request) { c.submit(req, hal.TransferBulk) }

// SubmitInterrupt schedules a periodic interrupt transfer. The queue is
// re-armed after every successful completion and stays scheduled until it
// fails or its device is released.
func (c *Controller) SubmitInterrupt(req *host.Request) { c.submit(req, hal.TransferInterrupt) }
