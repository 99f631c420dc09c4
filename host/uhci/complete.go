package uhci

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ardnew/softuhci/host"
	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// pollYield is how long waitPoll sleeps between checks.
const pollYield = 50 * time.Microsecond

type outcome uint8

const (
	pending outcome = iota
	done
)

// completion is a finished request waiting for its callback.
type completion struct {
	req     *host.Request
	status  pkg.Status
	actual  int
	settled chan struct{} // closed after the callback, nil if nobody waits
}

// deliver runs the callback and releases a submitter blocked in waitPoll.
func (d completion) deliver() {
	d.req.Complete(d.status, d.actual)
	if d.settled != nil {
		close(d.settled)
	}
}

// decodeStatus maps TD error bits onto transfer status bits.
func decodeStatus(st uint32) pkg.Status {
	var s pkg.Status
	if st&tdNAK != 0 {
		s |= pkg.StatusNAK
	}
	if st&tdStalled != 0 {
		s |= pkg.StatusStalled
	}
	if st&tdDataBuffer != 0 {
		s |= pkg.StatusDataBuffer
	}
	if st&tdBabble != 0 {
		s |= pkg.StatusBabble
	}
	if st&tdCRCTimeout != 0 {
		s |= pkg.StatusCRCTimeout
	}
	if st&tdBitStuff != 0 {
		s |= pkg.StatusBitStuff
	}
	return s
}

// inspect classifies q by the TD its element pointer references. An
// element pointer that no longer resolves means hardware consumed the whole
// chain.
//
// Must be called with c.mu held.
func (c *Controller) inspect(q *queue) (outcome, pkg.Status) {
	s := c.sched
	ref, ok := s.resolve(s.qhs.load(q.qh, qhElement))
	if !ok || ref.kind != nodeTD {
		return done, pkg.StatusSuccess
	}
	st := s.tds.load(ref.index, tdStatus)
	if st&tdActive != 0 {
		return pending, pkg.StatusSuccess
	}
	if st&tdErrorBits != 0 {
		return done, decodeStatus(st).Fail()
	}
	if decodeLen(st) >= tokenMaxLen(s.tds.load(ref.index, tdToken)) {
		// Retired with a full packet but the element pointer has not
		// advanced yet.
		return pending, pkg.StatusSuccess
	}

	// Short packet: the controller stopped on this TD.
	last := q.tds[len(q.tds)-1]
	if q.kind == hal.TransferControl && ref.index != last {
		s.qhs.store(q.qh, qhElement, s.tds.phys(last))
		return pending, pkg.StatusSuccess
	}
	return done, pkg.StatusSuccess
}

// currentFault decodes whatever the TD under q's element pointer reports.
func (c *Controller) currentFault(q *queue) pkg.Status {
	s := c.sched
	ref, ok := s.resolve(s.qhs.load(q.qh, qhElement))
	if !ok || ref.kind != nodeTD {
		return 0
	}
	return decodeStatus(s.tds.load(ref.index, tdStatus))
}

// collect copies received data into the caller's buffer and returns the
// number of payload bytes moved. The setup stage is not counted.
//
// Must be called with c.mu held.
func (c *Controller) collect(q *queue) int {
	s := c.sched
	n := 0
	for k, i := range q.tds {
		if q.kind == hal.TransferControl && k == 0 {
			continue
		}
		st := s.tds.load(i, tdStatus)
		if st&tdActive != 0 || st&tdErrorBits != 0 {
			continue
		}
		n += decodeLen(st)
	}
	for _, seg := range q.segs {
		st := s.tds.load(seg.td, tdStatus)
		if st&tdActive != 0 || st&tdErrorBits != 0 {
			continue
		}
		m := decodeLen(st)
		if end := seg.offset + m; end <= len(q.req.Buffer) {
			copy(q.req.Buffer[seg.offset:end], s.packet(seg.td)[:m])
		}
	}
	return n
}

// executed counts the data TDs that completed without error.
func (c *Controller) executed(q *queue) int {
	n := 0
	for _, i := range q.tds {
		st := c.sched.tds.load(i, tdStatus)
		if st&tdActive != 0 || st&tdErrorBits != 0 {
			break
		}
		n++
	}
	return n
}

// retire unlinks q, frees its QH, TDs and request slot, and drops every
// lookup entry for it.
//
// Must be called with c.mu held.
func (c *Controller) retire(q *queue) {
	if err := c.sched.remove(q.qh); err != nil {
		pkg.LogWarn(pkg.ComponentSchedule, "remove", "qh", q.qh, "error", err)
	}
	if ds, ok := c.devices[q.dev]; ok {
		if q.kind != hal.TransferControl {
			ds.toggles[q.endpoint] = q.toggle ^ uint8(c.executed(q)&1)
		}
		if q.slot >= 0 {
			ds.slots.free(q.slot)
		}
		delete(ds.queues, q.qh)
	}
	c.freeChain(q)
	c.sched.qhs.free(q.qh)
	delete(c.queues, q.qh)
}

// retransmit re-arms the control/status word of TD i without rebuilding it.
func (c *Controller) retransmit(i int, ioc bool) {
	s := c.sched
	st := s.tds.load(i, tdStatus)&(tdLowSpeed|tdShortPacket) |
		tdActive | tdRetryBudget | tokenMaxLenNone
	if ioc {
		st |= tdIOC
	}
	s.tds.store(i, tdStatus, st)
}

// rearm restarts an interrupt queue from its first TD. The first TD of the
// new round continues the data sequence from the last packet the device
// accepted, which is not the end of the chain when a short packet stopped
// it early.
//
// Must be called with c.mu held.
func (c *Controller) rearm(q *queue) {
	s := c.sched
	next := q.toggle ^ uint8(c.executed(q)&1)
	for k, i := range q.tds {
		tok := s.tds.load(i, tdToken) &^ tokenToggle
		if (next^uint8(k))&1 != 0 {
			tok |= tokenToggle
		}
		s.tds.store(i, tdToken, tok)
		c.retransmit(i, q.ioc && k == len(q.tds)-1)
	}
	q.toggle = next
	s.qhs.store(q.qh, qhElement, s.tds.phys(q.tds[0]))
}

// waitPoll blocks until q completes or timeout expires, then retires it and
// runs its callback. Each pass samples USBSTS, which also clocks simulated
// hardware.
func (c *Controller) waitPoll(q *queue, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		c.regs.status.Read()

		c.mu.Lock()
		if c.queues[q.qh] != q {
			// Retired by ReleaseDevice or Stop. Hold the submitter until
			// that path has delivered the callback.
			c.mu.Unlock()
			<-q.settled
			return
		}
		out, st := c.inspect(q)
		if out == pending && !time.Now().Before(deadline) {
			out, st = done, (c.currentFault(q) | pkg.StatusTimeout).Fail()
		}
		var actual int
		if out == done {
			actual = c.collect(q)
			c.retire(q)
		}
		c.mu.Unlock()

		if out == done {
			if st.Failed() {
				pkg.LogDebug(pkg.ComponentTransfer, "polled transfer failed",
					"device", q.dev.Address(),
					"status", st.String())
			}
			q.req.Complete(st, actual)
			return
		}
		time.Sleep(pollYield)
	}
}

// traverse walks the skeleton once and settles every finished leaf QH.
// Interrupt queues that succeeded are re-armed; all other finished queues
// are retired. Callbacks run after the lock is released.
func (c *Controller) traverse() {
	var out []completion

	c.mu.Lock()
	if c.sched == nil {
		c.mu.Unlock()
		return
	}
	c.sched.walk(func(i int) bool {
		q, ok := c.queues[i]
		if !ok || q.polled {
			return true
		}
		res, st := c.inspect(q)
		if res == pending {
			return true
		}
		out = append(out, completion{req: q.req, status: st, actual: c.collect(q)})
		if !st.Failed() && q.kind == hal.TransferInterrupt {
			c.rearm(q)
		} else {
			c.retire(q)
		}
		return true
	})
	c.mu.Unlock()

	for _, d := range out {
		d.deliver()
	}
}

// interrupt is the IRQ handler. It only acknowledges the controller and
// flags deferred work for the completion task.
func (c *Controller) interrupt() {
	sts := c.regs.status.Read()
	if sts&stsAck == 0 {
		return
	}
	c.regs.status.Write(sts & stsAck)
	if c.busy.Load() {
		c.overrun.Store(true)
	}
	c.pending.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// completionTask consumes interrupt work, or in poll mode paces traversal
// with a rate limiter, until ctx is canceled.
func (c *Controller) completionTask(ctx context.Context) error {
	if c.opts.Mode == ModePoll {
		lim := rate.NewLimiter(rate.Every(c.opts.PollInterval), 1)
		for {
			if err := lim.Wait(ctx); err != nil {
				return nil
			}
			if sts := c.regs.status.Read(); sts&stsAck != 0 {
				c.regs.status.Write(sts & stsAck)
			}
			c.traverse()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		}
		for {
			c.pending.Store(false)
			c.busy.Store(true)
			c.traverse()
			c.busy.Store(false)
			if !c.overrun.Swap(false) && !c.pending.Load() {
				break
			}
		}
	}
}
