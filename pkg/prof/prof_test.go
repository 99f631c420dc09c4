package prof

import (
	"errors"
	"testing"
)

func TestParseSnapshots(t *testing.T) {
	got, err := ParseSnapshots([]string{"mutex=m.prof", " Heap =h.prof"})
	if err != nil {
		t.Fatalf("ParseSnapshots() error = %v", err)
	}
	if len(got) != 2 || got[ProfileMutex] != "m.prof" || got[ProfileHeap] != "h.prof" {
		t.Errorf("ParseSnapshots() = %v", got)
	}

	if got, err := ParseSnapshots(nil); err != nil || got != nil {
		t.Errorf("ParseSnapshots(nil) = %v, %v", got, err)
	}

	tests := []struct {
		arg  string
		want error
	}{
		{"cpu=c.prof", ErrUnknownProfile},
		{"bogus=x", ErrUnknownProfile},
	}
	for _, tt := range tests {
		if _, err := ParseSnapshots([]string{tt.arg}); !errors.Is(err, tt.want) {
			t.Errorf("ParseSnapshots(%q) error = %v, want %v", tt.arg, err, tt.want)
		}
	}
	for _, arg := range []string{"heap", "heap="} {
		if _, err := ParseSnapshots([]string{arg}); err == nil {
			t.Errorf("ParseSnapshots(%q) should fail", arg)
		}
	}
}

func TestPlan(t *testing.T) {
	if !(Plan{}).Empty() {
		t.Error("zero plan should be empty")
	}
	p := Plan{Snapshots: map[Profile]string{ProfileMutex: "m", ProfileAllocs: "a", ProfileHeap: "h"}}
	if p.Empty() {
		t.Error("plan with snapshots reported empty")
	}
	names := p.names()
	want := []Profile{ProfileAllocs, ProfileHeap, ProfileMutex}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names() = %v, want %v", names, want)
		}
	}
}

func TestStart_EmptyPlan(t *testing.T) {
	s, err := Start(Plan{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	var none *Session
	if err := none.Stop(); err != nil {
		t.Errorf("nil Stop() error = %v", err)
	}
}
