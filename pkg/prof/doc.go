// Package prof captures pprof profiles around a driver run.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/uhcictl
//	uhcictl --cpu-profile cpu.prof --profile mutex=mutex.prof simulate
//
// Without the tag [Start] accepts an empty [Plan] and rejects any other
// with [ErrDisabled], so callers keep their profiling flags in every build.
//
// The mutex and block profiles are the interesting ones for the controller:
// a single mutex guards its pools and schedule, and completion callbacks
// wait on it. Start enables their sampling when they are requested.
package prof
