// Package host implements the USB bus layer above a host controller
// driver: device enumeration, the device and interface graph, class
// driver matching, and the transfer submission API drivers use.
//
// A [Host] owns one [Controller]. Controllers live in subpackages; the
// UHCI driver is [github.com/ardnew/softuhci/host/uhci].
//
// # Architecture
//
//   - Host watches the root ports, enumerates new devices and binds drivers
//   - Device holds descriptors, strings and the parsed configurations
//   - Configuration, Interface and AlternateInterface form the interface graph
//   - Driver filters interfaces by DeviceID and claims them exclusively
//   - Pipe submits control, bulk and interrupt transfers for a claimed interface
//
// # Enumeration
//
// A device found on a port is reset and walked from the Default state to
// Configured: the control packet size is read at address 0, an address is
// assigned, the language table, device descriptor, strings and every
// configuration are read, and the first configuration is selected. A
// device that fails stays on its port in the state it reached and is not
// retried until it reconnects.
//
// # Transfers
//
// Every submission reports exactly once through its [Callback]. Argument
// errors (unclaimed interface, wrong endpoint or type, bad priority) are
// reported synchronously before the controller sees the request.
//
// # Example
//
//	h := host.New(ctrl, host.Options{})
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
//	kbd := &host.Driver{
//	    Name: "kbd",
//	    IDs:  []host.DeviceID{{Vendor: host.MatchAnyID, Product: host.MatchAnyID,
//	        Class: host.MatchAny, SubClass: host.MatchAny, Protocol: host.MatchAny,
//	        InterfaceClass: 3, InterfaceSubClass: 1, InterfaceProtocol: 1}},
//	    Probe: func(ifc *host.Interface, _ host.DeviceID) error {
//	        buf := make([]byte, 8)
//	        ifc.Pipe(ifc.Driver(), 0x81).SubmitInterrupt(buf, host.PriorityNormal, onReport, buf)
//	        return nil
//	    },
//	}
//	h.RegisterDriver(kbd)
package host
