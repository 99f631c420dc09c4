package prof

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDisabled is returned by Start when a profile is requested from a
// binary built without the "profile" tag.
var ErrDisabled = errors.New("profiling not compiled in")

// ErrUnknownProfile is returned for a snapshot name pprof does not know.
var ErrUnknownProfile = errors.New("unknown profile")

// Profile names a pprof snapshot profile.
type Profile string

const (
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

var snapshotProfiles = map[Profile]bool{
	ProfileHeap:         true,
	ProfileAllocs:       true,
	ProfileGoroutine:    true,
	ProfileThreadCreate: true,
	ProfileBlock:        true,
	ProfileMutex:        true,
}

// Plan says which profiles to record and where.
type Plan struct {
	CPU       string             // CPU profile path, empty for none
	Snapshots map[Profile]string // written by Session.Stop
}

// Empty reports whether the plan records nothing.
func (p Plan) Empty() bool {
	return p.CPU == "" && len(p.Snapshots) == 0
}

// ParseSnapshots decodes "name=path" pairs as given on a command line.
func ParseSnapshots(args []string) (map[Profile]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[Profile]string, len(args))
	for _, s := range args {
		name, path, ok := strings.Cut(s, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("prof: %q is not name=path", s)
		}
		p := Profile(strings.ToLower(strings.TrimSpace(name)))
		if !snapshotProfiles[p] {
			return nil, fmt.Errorf("prof: %q: %w", name, ErrUnknownProfile)
		}
		out[p] = path
	}
	return out, nil
}

// names returns the snapshot profiles of the plan in a stable order.
func (p Plan) names() []Profile {
	out := make([]Profile, 0, len(p.Snapshots))
	for name := range p.Snapshots {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
