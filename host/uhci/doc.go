// Package uhci drives a USB 1.1 Universal Host Controller.
//
// The controller walks a 1024-entry frame list once per millisecond. Each
// entry points into a fixed skeleton of meta queue heads, one per polling
// interval from 1024ms down to 1ms, chained so that every frame also
// reaches the shorter-interval nodes and finally the control and bulk
// anchors:
//
//	frame -> 1024ms -> 512ms -> ... -> 1ms -> control -> bulk -> T
//
// Transfers become leaf queue heads spliced below the meta node for their
// class, ordered by priority. Queue heads and transfer descriptors live in
// fixed arenas of pinned memory and are addressed by index; bus addresses
// appear only in the words hardware reads.
//
// Completions are detected either by an interrupt-driven traversal task or,
// with [ModePoll], by a paced polling loop. Control transfers to devices
// that are not yet configured, and requests marked Sync, are always waited
// for by polling in the submitting goroutine.
//
// Every outcome, including argument errors and pool exhaustion, is
// delivered through the request's callback as a [pkg.Status].
package uhci
