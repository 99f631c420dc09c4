//go:build profile

package prof

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

var (
	activeMu sync.Mutex
	active   *Session
)

// Session is a running profile capture. Only one runs at a time because
// the CPU profiler is process-wide.
type Session struct {
	plan Plan
	cpu  *os.File
}

// Start begins the capture described by plan.
func Start(plan Plan) (*Session, error) {
	for name := range plan.Snapshots {
		if !snapshotProfiles[name] {
			return nil, fmt.Errorf("prof: %q: %w", name, ErrUnknownProfile)
		}
	}

	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		return nil, errors.New("prof: a session is already running")
	}

	s := &Session{plan: plan}
	if plan.CPU != "" {
		f, err := os.Create(plan.CPU)
		if err != nil {
			return nil, fmt.Errorf("prof: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("prof: %w", err)
		}
		s.cpu = f
	}
	if _, ok := plan.Snapshots[ProfileMutex]; ok {
		runtime.SetMutexProfileFraction(1)
	}
	if _, ok := plan.Snapshots[ProfileBlock]; ok {
		runtime.SetBlockProfileRate(1)
	}
	active = s
	return s, nil
}

// Stop ends CPU profiling and writes every snapshot profile. It is safe to
// call on a nil session.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}
	activeMu.Lock()
	defer activeMu.Unlock()
	if active != s {
		return nil
	}
	active = nil

	var err error
	if s.cpu != nil {
		pprof.StopCPUProfile()
		err = errors.Join(err, s.cpu.Close())
	}
	for _, name := range s.plan.names() {
		err = errors.Join(err, writeSnapshot(name, s.plan.Snapshots[name]))
	}
	runtime.SetMutexProfileFraction(0)
	runtime.SetBlockProfileRate(0)
	return err
}

func writeSnapshot(name Profile, path string) error {
	p := pprof.Lookup(string(name))
	if p == nil {
		return fmt.Errorf("prof: %q: %w", name, ErrUnknownProfile)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("prof: %w", err)
	}
	return errors.Join(p.WriteTo(f, 0), f.Close())
}
