package sim

import "github.com/ardnew/softuhci/pkg"

// Link pointer and descriptor layout as the controller sees it.
const (
	linkT    = 1 << 0
	linkQ    = 1 << 1
	linkVf   = 1 << 2
	linkAddr = 0xFFFFFFF0

	tdLinkOff   = 0
	tdStatusOff = 4
	tdTokenOff  = 8
	tdBufferOff = 12
	qhLinkOff   = 0
	qhElemOff   = 4

	tdBitStuff   = 1 << 17
	tdCRC        = 1 << 18
	tdNAK        = 1 << 19
	tdBabble     = 1 << 20
	tdDataBuffer = 1 << 21
	tdStalled    = 1 << 22
	tdActive     = 1 << 23
	tdIOC        = 1 << 24
	tdSPD        = 1 << 29
	tdCErrShift  = 27
	tdCErrMask   = 3 << tdCErrShift
	tdResultMask = 0xFF<<16 | 0x7FF

	pidSetup = 0x2D
	pidIn    = 0x69
	pidOut   = 0xE1
)

// Per-frame work bounds; a malformed schedule cannot hang the machine.
const (
	maxNodesPerFrame = 4096
	maxTDsPerQueue   = 1024
)

// step outcomes for a single TD.
type tdResult uint8

const (
	tdAdvance tdResult = iota // retired, move to the link
	tdRetry                   // still active, try next frame
	tdHalt                    // retired with error or short packet, queue stops
)

// events raised during a frame.
type events struct {
	ioc   bool
	short bool
	err   bool
}

// frame executes one millisecond of schedule. It reports whether the
// interrupt line should be raised. Must hold m.mu.
func (m *Machine) frame() bool {
	if m.cmd&cmdRS == 0 || m.sts&stsHalted != 0 {
		return false
	}
	m.frames++
	var ev events
	entry := m.frbase + uint32(m.frnum&0x3FF)*4
	if !m.mem.valid(entry, 4) {
		m.fault(stsHSERR)
		return true
	}
	link := m.mem.load32(entry)
	for n := 0; link&linkT == 0; n++ {
		addr := link & linkAddr
		if n >= maxNodesPerFrame || !m.mem.valid(addr, 16) {
			m.fault(stsHCPERR)
			return true
		}
		if link&linkQ != 0 {
			if !m.queue(addr, &ev) {
				return true
			}
			link = m.mem.load32(addr + qhLinkOff)
			continue
		}
		// TD directly in the frame list: executed once, never advanced.
		if m.mem.load32(addr+tdStatusOff)&tdActive != 0 {
			m.execute(addr, &ev)
		}
		link = m.mem.load32(addr + tdLinkOff)
	}
	m.frnum = (m.frnum + 1) & 0x7FF

	if ev.ioc || ev.short {
		m.sts |= stsUSBINT
	}
	if ev.err {
		m.sts |= stsERRINT
	}
	return (ev.ioc && m.intr&intrIOC != 0) ||
		(ev.short && m.intr&intrShort != 0) ||
		(ev.err && m.intr&intrTimeoutCRC != 0)
}

// fault halts the controller with a host error. Must hold m.mu.
func (m *Machine) fault(bit uint16) {
	m.sts |= bit | stsHalted
	m.cmd &^= cmdRS
	pkg.LogWarn(pkg.ComponentSim, "controller fault", "usbsts", m.sts, "frame", m.frnum)
}

// queue processes the element list of the QH at addr. It returns false if
// the controller faulted.
func (m *Machine) queue(qh uint32, ev *events) bool {
	for i := 0; i < maxTDsPerQueue; i++ {
		elem := m.mem.load32(qh + qhElemOff)
		if elem&linkT != 0 || elem&linkQ != 0 {
			return true
		}
		td := elem & linkAddr
		if !m.mem.valid(td, 16) {
			m.fault(stsHCPERR)
			return false
		}
		if m.mem.load32(td+tdStatusOff)&tdActive == 0 {
			return true
		}
		switch m.execute(td, ev) {
		case tdAdvance:
			next := m.mem.load32(td + tdLinkOff)
			m.mem.store32(qh+qhElemOff, next)
			if next&linkVf == 0 {
				return true
			}
		default:
			return true
		}
	}
	return true
}

// device finds the enabled function answering addr.
func (m *Machine) device(addr uint8) *Device {
	for i := range m.ports {
		p := &m.ports[i]
		if p.dev != nil && p.enabled && !p.reset && !p.suspend && p.dev.respondsTo(addr) {
			return p.dev
		}
	}
	return nil
}

func actLen(n int) uint32 {
	if n == 0 {
		return 0x7FF
	}
	return uint32(n-1) & 0x7FF
}

// execute runs one transaction and writes the TD's status back.
func (m *Machine) execute(td uint32, ev *events) tdResult {
	st := m.mem.load32(td + tdStatusOff)
	tok := m.mem.load32(td + tdTokenOff)
	buf := m.mem.load32(td + tdBufferOff)

	pid := uint8(tok)
	addr := uint8(tok>>8) & 0x7F
	ep := uint8(tok>>15) & 0x0F
	maxLen := int((tok>>21)&0x7FF+1) & 0x7FF

	if maxLen > 0 && !m.mem.valid(buf, maxLen) {
		m.retire(td, st, tdDataBuffer|tdStalled, 0, ev)
		return tdHalt
	}

	var out []byte
	if pid != pidIn && maxLen > 0 {
		out = m.mem.bytes(buf, maxLen)
	}

	hs, in := NoResponse, []byte(nil)
	if d := m.device(addr); d != nil {
		hs, in = d.Token(pid, ep, out, maxLen)
	}

	switch hs {
	case ACK:
		n := maxLen
		if pid == pidIn {
			if len(in) > maxLen {
				m.retire(td, st, tdBabble|tdStalled, maxLen, ev)
				return tdHalt
			}
			n = len(in)
			if n > 0 {
				copy(m.mem.bytes(buf, n), in)
			}
		}
		m.retire(td, st, 0, n, ev)
		if pid == pidIn && n < maxLen && st&tdSPD != 0 {
			ev.short = true
			return tdHalt
		}
		return tdAdvance

	case NAK:
		m.mem.store32(td+tdStatusOff, st|tdNAK)
		return tdRetry

	case STALL:
		m.retire(td, st, tdStalled, 0, ev)
		return tdHalt
	}

	// No handshake: bus timeout, charged against the retry budget.
	cerr := (st & tdCErrMask) >> tdCErrShift
	if cerr == 0 {
		m.mem.store32(td+tdStatusOff, st|tdCRC)
		return tdRetry
	}
	cerr--
	if cerr > 0 {
		m.mem.store32(td+tdStatusOff, st&^tdCErrMask|cerr<<tdCErrShift|tdCRC)
		return tdRetry
	}
	m.retire(td, st&^tdCErrMask, tdCRC|tdStalled, 0, ev)
	return tdHalt
}

// retire marks a TD inactive with the given error bits and actual length.
func (m *Machine) retire(td, st, errs uint32, n int, ev *events) {
	st = st&^tdResultMask | errs | actLen(n)
	m.mem.store32(td+tdStatusOff, st)
	if errs != 0 {
		ev.err = true
	}
	if st&tdIOC != 0 {
		ev.ioc = true
	}
}
