// Package config loads uhcictl settings from TOML.
//
// A file only needs the keys it changes; everything else keeps the value
// from [Default]. Durations are written as Go duration strings:
//
//	[controller]
//	mode = "poll"
//	control_timeout = "20ms"
//	port_monitor = "250ms"
//
//	[log]
//	level = "debug"
//	format = "json"
//	file = "/var/log/uhcictl.log"
//
//	[linux]
//	pci = "0000:00:1d.0"
//	huge_pages = 1
package config
