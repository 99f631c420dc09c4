package uhci

import "github.com/ardnew/softuhci/host/hal"

// Link pointer bits shared by frame list entries, QH and TD link fields.
const (
	linkTerminate = 1 << 0 // T: no valid pointer
	linkQH        = 1 << 1 // Q: pointer refers to a QH
	linkDepth     = 1 << 2 // Vf: depth-first (TD link only)
	linkAddress   = 0xFFFFFFF0
)

// Hardware record sizes.
const (
	qhSize     = 16
	tdSize     = 16
	packetSize = 64 // per-TD packet buffer
	frameCount = 1024
	slotSize   = hal.SetupPacketSize
)

// QH dword offsets.
const (
	qhLink    = 0
	qhElement = 4
	qhParent  = 8 // software: parent pool index + 1, 0 = none
	qhFlags   = 12
)

// QH flag word layout.
const (
	qhFlagEOC       = 1 << 0 // last node of its meta section
	qhFlagMeta      = 1 << 1
	qhPriorityShift = 2
	qhPriorityMask  = 3 << qhPriorityShift
	qhTypeShift     = 4
	qhTypeMask      = 3 << qhTypeShift
	qhCountShift    = 16
	qhCountMask     = 0xFFFF << qhCountShift
)

// TD dword offsets.
const (
	tdLink   = 0
	tdStatus = 4
	tdToken  = 8
	tdBuffer = 12
)

// TD control/status bits.
const (
	tdActLenMask  = 0x7FF
	tdBitStuff    = 1 << 17
	tdCRCTimeout  = 1 << 18
	tdNAK         = 1 << 19
	tdBabble      = 1 << 20
	tdDataBuffer  = 1 << 21
	tdStalled     = 1 << 22
	tdActive      = 1 << 23
	tdIOC         = 1 << 24
	tdIsochronous = 1 << 25
	tdLowSpeed    = 1 << 26
	tdErrShift    = 27
	tdErrMask     = 3 << tdErrShift
	tdShortPacket = 1 << 29
	tdRetryBudget = 3 << tdErrShift
	tdErrorBits   = tdBitStuff | tdCRCTimeout | tdBabble | tdDataBuffer | tdStalled
)

// TD token layout.
const (
	pidSetup = 0x2D
	pidIn    = 0x69
	pidOut   = 0xE1

	tokenAddrShift   = 8
	tokenEndptShift  = 15
	tokenToggle      = 1 << 19
	tokenMaxLenShift = 21
	tokenMaxLenNone  = 0x7FF // zero-length packet
)

// encodeLen returns the n-1 length encoding used by MaxLen and ActLen.
func encodeLen(n int) uint32 {
	if n == 0 {
		return tokenMaxLenNone
	}
	return uint32(n-1) & 0x7FF
}

// decodeLen is the inverse of encodeLen.
func decodeLen(v uint32) int {
	v &= 0x7FF
	if v == tokenMaxLenNone {
		return 0
	}
	return int(v) + 1
}

func makeToken(pid uint8, addr, endpoint uint8, toggle uint8, n int) uint32 {
	t := uint32(pid) |
		uint32(addr&0x7F)<<tokenAddrShift |
		uint32(endpoint&0x0F)<<tokenEndptShift |
		encodeLen(n)<<tokenMaxLenShift
	if toggle&1 != 0 {
		t |= tokenToggle
	}
	return t
}

func tokenPID(t uint32) uint8     { return uint8(t) }
func tokenToggleOf(t uint32) bool { return t&tokenToggle != 0 }
func tokenMaxLen(t uint32) int    { return decodeLen(t >> tokenMaxLenShift) }
