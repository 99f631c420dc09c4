package host

import (
	"context"
	"fmt"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Priority orders transfers queued under the same schedule node.
// Numerically higher priorities drain first; equal priorities drain in
// submission order.
type Priority uint8

// Transfer priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p <= PriorityUrgent
}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Callback receives the outcome of a transfer. actual is the number of
// payload bytes moved; data is the Request's Data field.
//
// Callbacks run on the controller's completion goroutine, or on the
// submitting goroutine for polled and rejected transfers. They must not
// block for long.
type Callback func(status pkg.Status, actual int, data any)

// Request describes one transfer on a device pipe.
type Request struct {
	Device *Device

	// Endpoint selects the pipe. nil means the default control pipe.
	Endpoint *EndpointDescriptor

	// Setup is the device request for control transfers.
	Setup hal.SetupPacket

	// Buffer holds OUT data or receives IN data. For control transfers it
	// must hold at least Setup.Length bytes.
	Buffer []byte

	Priority Priority

	// Sync forces the submitting goroutine to poll for completion.
	Sync bool

	Callback Callback
	Data     any
}

// Complete delivers status to the request's callback, if any.
func (r *Request) Complete(status pkg.Status, actual int) {
	if r.Callback != nil {
		r.Callback(status, actual, r.Data)
	}
}

// Controller is a host controller driver as seen by the bus: root ports,
// per-device bookkeeping, and transfer submission. Every submission
// reports exactly once through the request's Callback, including argument
// and resource errors.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error

	NumPorts() int
	PortStatus(port int) (hal.PortStatus, error)
	ResetPort(ctx context.Context, port int) (hal.Speed, error)
	ClearPortChange(port int) error

	InitDevice(dev *Device) error
	ReleaseDevice(dev *Device)
	ResetToggle(dev *Device, endpoint uint8)

	SubmitControl(req *Request)
	SubmitBulk(req *Request)
	SubmitInterrupt(req *Request)
}

// result captures a synchronous completion.
type result struct {
	status pkg.Status
	actual int
}

// submitSync runs req with Sync set and returns its outcome. A failed
// status is converted to an error with Status.Err.
//
// The callback usually runs on this goroutine before submit returns, but a
// device release or controller stop racing the wait delivers it from
// another goroutine, so the result travels over a channel.
func submitSync(submit func(*Request), req *Request) (int, error) {
	ch := make(chan result, 1)
	req.Sync = true
	req.Callback = func(st pkg.Status, actual int, _ any) {
		ch <- result{st, actual}
	}
	submit(req)
	res := <-ch
	if res.status.Failed() {
		return res.actual, res.status.Err()
	}
	return res.actual, nil
}
