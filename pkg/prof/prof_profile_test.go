//go:build profile

package prof

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSession_WritesFiles(t *testing.T) {
	dir := t.TempDir()
	plan := Plan{
		CPU:       filepath.Join(dir, "cpu.prof"),
		Snapshots: map[Profile]string{ProfileMutex: filepath.Join(dir, "mutex.prof")},
	}
	s, err := Start(plan)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := Start(plan); err == nil {
		t.Error("second Start() should fail while a session runs")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, path := range []string{plan.CPU, plan.Snapshots[ProfileMutex]} {
		if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
			t.Errorf("%s not written: %v", path, err)
		}
	}
}
