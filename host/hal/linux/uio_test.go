//go:build linux

package linux

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softuhci/pkg"
)

// newPipeUIO wires a UIO to the read end of a pipe. Writing four bytes to
// the returned descriptor raises an interrupt.
func newPipeUIO(t *testing.T) (*UIO, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	u, err := newUIO(fds[0], false)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		t.Fatalf("newUIO() error = %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return u, fds[1]
}

// =============================================================================
// UIO Tests
// =============================================================================

func TestUIO_Interrupt(t *testing.T) {
	u, w := newPipeUIO(t)
	defer u.Close()

	fired := make(chan struct{}, 4)
	if err := u.Register(11, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := unix.Write(w, []byte{1, 0, 0, 0}); err != nil {
			t.Fatal(err)
		}
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("interrupt %d not delivered", i)
		}
	}

	if err := u.Deregister(11); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
}

func TestUIO_Claims(t *testing.T) {
	u, _ := newPipeUIO(t)
	defer u.Close()

	if err := u.Deregister(11); !errors.Is(err, pkg.ErrNotClaimed) {
		t.Errorf("Deregister() before Register error = %v, want ErrNotClaimed", err)
	}
	if err := u.Register(11, func() {}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := u.Register(11, func() {}); !errors.Is(err, pkg.ErrClaimed) {
		t.Errorf("second Register() error = %v, want ErrClaimed", err)
	}
	if err := u.Deregister(5); !errors.Is(err, pkg.ErrNotClaimed) {
		t.Errorf("Deregister(wrong line) error = %v, want ErrNotClaimed", err)
	}
	if err := u.Deregister(11); err != nil {
		t.Errorf("Deregister() error = %v", err)
	}
	if err := u.Register(11, func() {}); err != nil {
		t.Errorf("Register() after Deregister error = %v", err)
	}
}

// =============================================================================
// Platform Tests
// =============================================================================

func TestSystem_Platform(t *testing.T) {
	s := &System{PCI: &PCIFunction{}}
	p := s.Platform()
	if p.PCI == nil {
		t.Error("Platform().PCI = nil")
	}
	if p.Memory != nil {
		t.Error("Platform().Memory is a typed nil")
	}
	if p.IRQ != nil {
		t.Error("Platform().IRQ is a typed nil")
	}

	u, _ := newPipeUIO(t)
	defer u.Close()
	s.UIO = u
	s.Memory = newTestMemory(1)
	p = s.Platform()
	if p.IRQ == nil || p.Memory == nil {
		t.Error("Platform() dropped attached services")
	}
}
