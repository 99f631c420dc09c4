// Package sim is a simulated PC platform for the UHCI driver.
//
// A [Machine] provides everything a driver consumes through host/hal:
// DMA memory with real bus addresses, a PCI function whose BAR4 is the
// UHCI register window, and an interrupt line. Behind the registers sits a
// controller model that walks the frame list installed by the driver,
// follows queue heads depth-first, and executes transfer descriptors
// against attached [Device] values, writing status and actual length back
// into memory exactly where hardware would.
//
// Frames advance on [Machine.Step], on every USBSTS read when the machine
// uses [ClockOnPoll], or once per millisecond under [Machine.Run].
//
// Devices are built from a [Fixture], either in Go or decoded from TOML.
package sim
