// Package pkg provides shared utilities for the softuhci host controller
// driver.
//
// This package contains common functionality used by the controller, the
// USB device layer and the platform backends, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol and controller errors
//   - The [Status] bitmask delivered to transfer callbacks
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentUHCI, "controller running", "ports", 2)
//
// # Transfer status
//
// Every transfer outcome, synchronous or not, arrives as a [Status]:
//
//	func done(status pkg.Status, n int, data any) {
//	    if status.Failed() {
//	        log.Print(status.Err())
//	    }
//	}
package pkg
