package pkg

import (
	"errors"
	"strings"
)

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (device busy).
	ErrNAK = errors.New("NAK received")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCRC indicates a CRC or bus turnaround timeout error.
	ErrCRC = errors.New("CRC/timeout error")

	// ErrBitStuff indicates a bit stuffing error.
	ErrBitStuff = errors.New("bit stuffing error")

	// ErrBabble indicates the device sent more data than requested.
	ErrBabble = errors.New("babble detected")

	// ErrDataBuffer indicates the controller could not keep up with the data rate.
	ErrDataBuffer = errors.New("data buffer error")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates the endpoint does not match the requested pipe.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid device state for the operation.
	ErrInvalidState = errors.New("invalid device state")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNotClaimed indicates the interface is not claimed by the caller.
	ErrNotClaimed = errors.New("interface not claimed by caller")

	// ErrClaimed indicates the interface is already claimed by a driver.
	ErrClaimed = errors.New("interface already claimed")

	// ErrNoMatch indicates a driver matched no device interface.
	ErrNoMatch = errors.New("no matching device")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoResources indicates an exhausted QH, TD or request pool.
	ErrNoResources = errors.New("no resources available")

	// ErrShutdown indicates the transfer was retired because its device or
	// controller went away.
	ErrShutdown = errors.New("controller shut down")

	// ErrResetFailed indicates the controller did not complete a reset handshake.
	ErrResetFailed = errors.New("controller reset failed")

	// ErrNotHalted indicates the controller did not report halted when required.
	ErrNotHalted = errors.New("controller not halted")
)

// Status is the outcome of a transfer as delivered to its callback.
//
// A Status is either [StatusSuccess] or the [StatusFailed] bit combined with
// zero or more detail bits. Callers test [Status.Failed] first and inspect the
// detail bits only for diagnostics.
type Status uint32

// Transfer status bits.
const (
	StatusSuccess     Status = 0
	StatusFailed      Status = 1 << 0  // Generic failure flag
	StatusNAK         Status = 1 << 1  // NAK received
	StatusStalled     Status = 1 << 2  // Endpoint stalled
	StatusDataBuffer  Status = 1 << 3  // Data buffer overrun/underrun
	StatusBabble      Status = 1 << 4  // Babble detected
	StatusCRCTimeout  Status = 1 << 5  // CRC error or bus timeout
	StatusBitStuff    Status = 1 << 6  // Bit stuffing error
	StatusTimeout     Status = 1 << 7  // Software wait expired
	StatusNoResources Status = 1 << 8  // QH/TD/request pool exhausted
	StatusNotClaimed  Status = 1 << 9  // Interface not supported or not locked to caller
	StatusBadEndpoint Status = 1 << 10 // Endpoint does not match the pipe
	StatusBadType     Status = 1 << 11 // Transfer type unsupported by endpoint
	StatusBadPriority Status = 1 << 12 // Invalid priority or polling interval
	StatusShutdown    Status = 1 << 13 // Retired by device removal or controller stop
)

var statusNames = []struct {
	bit  Status
	name string
	err  error
}{
	{StatusNAK, "nak", ErrNAK},
	{StatusStalled, "stalled", ErrStall},
	{StatusDataBuffer, "data-buffer", ErrDataBuffer},
	{StatusBabble, "babble", ErrBabble},
	{StatusCRCTimeout, "crc-timeout", ErrCRC},
	{StatusBitStuff, "bitstuff", ErrBitStuff},
	{StatusTimeout, "timeout", ErrTimeout},
	{StatusNoResources, "no-resources", ErrNoResources},
	{StatusNotClaimed, "not-claimed", ErrNotClaimed},
	{StatusBadEndpoint, "bad-endpoint", ErrInvalidEndpoint},
	{StatusBadType, "bad-type", ErrNotSupported},
	{StatusBadPriority, "bad-priority", ErrInvalidParameter},
	{StatusShutdown, "shutdown", ErrShutdown},
}

// Fail returns s with the generic failure flag set.
func (s Status) Fail() Status {
	return s | StatusFailed
}

// Failed reports whether the generic failure flag is set.
func (s Status) Failed() bool {
	return s&StatusFailed != 0
}

// Has reports whether all bits of mask are set.
func (s Status) Has(mask Status) bool {
	return s&mask == mask
}

// String returns a human-readable list of the set status bits.
func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	var parts []string
	if s.Failed() {
		parts = append(parts, "failed")
	}
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Err returns the error corresponding to the most specific set bit, or nil on
// success. Hardware fault bits take precedence over software bits.
func (s Status) Err() error {
	if !s.Failed() {
		return nil
	}
	for _, n := range statusNames {
		if s&n.bit != 0 {
			return n.err
		}
	}
	return ErrProtocol
}
