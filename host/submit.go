package host

import (
	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Pipe names an endpoint of a claimed interface for class driver
// transfers.
type Pipe struct {
	Interface *Interface
	Driver    *Driver
	Endpoint  *EndpointDescriptor
}

// Pipe returns the pipe for an endpoint of the interface's active
// alternate setting, or a pipe with a nil Endpoint when there is none.
func (i *Interface) Pipe(drv *Driver, address uint8) Pipe {
	return Pipe{Interface: i, Driver: drv, Endpoint: i.Active().Endpoint(address)}
}

// check validates the pipe for a transfer of the given type. It returns
// StatusSuccess or a failed status naming the first problem.
func (p Pipe) check(kind hal.TransferType, prio Priority) pkg.Status {
	if p.Interface == nil || p.Driver == nil || p.Interface.Driver() != p.Driver {
		return pkg.StatusNotClaimed.Fail()
	}
	if !prio.Valid() {
		return pkg.StatusBadPriority.Fail()
	}
	if kind == hal.TransferControl {
		return pkg.StatusSuccess
	}
	if p.Endpoint == nil || !p.Interface.Active().owns(p.Endpoint) {
		return pkg.StatusBadEndpoint.Fail()
	}
	if p.Endpoint.TransferType() != kind {
		return pkg.StatusBadType.Fail()
	}
	if kind == hal.TransferInterrupt && p.Endpoint.Interval == 0 {
		return pkg.StatusBadPriority.Fail()
	}
	return pkg.StatusSuccess
}

// SubmitControl issues a control transfer on the device's default pipe
// on behalf of the interface's driver. p.Endpoint is ignored.
func (p Pipe) SubmitControl(setup hal.SetupPacket, buf []byte, prio Priority, cb Callback, data any) {
	req := &Request{Setup: setup, Buffer: buf, Priority: prio, Callback: cb, Data: data}
	if st := p.check(hal.TransferControl, prio); st.Failed() {
		req.Complete(st, 0)
		return
	}
	req.Device = p.Interface.device
	p.Interface.device.ctrl.SubmitControl(req)
}

// SubmitBulk issues a bulk transfer. The direction follows the endpoint.
func (p Pipe) SubmitBulk(buf []byte, prio Priority, cb Callback, data any) {
	p.submit(hal.TransferBulk, buf, prio, cb, data)
}

// SubmitInterrupt arms an interrupt transfer. Successful transfers are
// re-armed by the controller and report through cb each time they
// complete.
func (p Pipe) SubmitInterrupt(buf []byte, prio Priority, cb Callback, data any) {
	p.submit(hal.TransferInterrupt, buf, prio, cb, data)
}

func (p Pipe) submit(kind hal.TransferType, buf []byte, prio Priority, cb Callback, data any) {
	req := &Request{Endpoint: p.Endpoint, Buffer: buf, Priority: prio, Callback: cb, Data: data}
	if st := p.check(kind, prio); st.Failed() {
		req.Complete(st, 0)
		return
	}
	req.Device = p.Interface.device
	if kind == hal.TransferBulk {
		req.Device.ctrl.SubmitBulk(req)
	} else {
		req.Device.ctrl.SubmitInterrupt(req)
	}
}
