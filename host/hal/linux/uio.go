//go:build linux

package linux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// UIO delivers the interrupts of one function bound to uio_pci_generic.
// Each read of the node returns the interrupt count; writing 1 re-enables
// INTx after the kernel masked it.
//
// A UIO node carries a single line, so Register accepts whatever line the
// driver read from configuration space and at most one handler.
type UIO struct {
	fd     int
	epfd   int
	wakefd int
	rearm  bool

	mu      sync.Mutex
	line    int
	handler func()
	done    chan struct{}
	stopped chan struct{}
}

// OpenUIO opens a /dev/uioN node.
func OpenUIO(path string) (*UIO, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("linux: open %s: %w", path, err)
	}
	u, err := newUIO(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return u, nil
}

func newUIO(fd int, rearm bool) (*UIO, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("linux: epoll: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("linux: eventfd: %w", err)
	}
	for _, f := range []int{fd, wakefd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(f)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, f, &ev); err != nil {
			unix.Close(wakefd)
			unix.Close(epfd)
			return nil, fmt.Errorf("linux: epoll add: %w", err)
		}
	}
	return &UIO{fd: fd, epfd: epfd, wakefd: wakefd, rearm: rearm, line: -1}, nil
}

// Register installs handler and starts the wait loop.
func (u *UIO) Register(line int, handler func()) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.handler != nil {
		return fmt.Errorf("linux: uio line %d: %w", u.line, pkg.ErrClaimed)
	}
	u.line, u.handler = line, handler
	u.done = make(chan struct{})
	u.stopped = make(chan struct{})
	if err := u.enable(); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "uio enable", "error", err)
	}
	go u.loop(u.done, u.stopped)
	return nil
}

// Deregister stops the wait loop and removes the handler.
func (u *UIO) Deregister(line int) error {
	u.mu.Lock()
	if u.handler == nil || line != u.line {
		u.mu.Unlock()
		return fmt.Errorf("linux: uio line %d: %w", line, pkg.ErrNotClaimed)
	}
	done, stopped := u.done, u.stopped
	u.handler, u.line = nil, -1
	u.mu.Unlock()

	close(done)
	u.wake()
	<-stopped
	return nil
}

// Close stops the loop if it runs and releases every descriptor.
func (u *UIO) Close() error {
	u.mu.Lock()
	line := u.line
	active := u.handler != nil
	u.mu.Unlock()
	if active {
		_ = u.Deregister(line)
	}
	return errors.Join(unix.Close(u.wakefd), unix.Close(u.epfd), unix.Close(u.fd))
}

func (u *UIO) wake() {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(u.wakefd, b[:])
}

func (u *UIO) enable() error {
	if !u.rearm {
		return nil
	}
	var b [uioCountSize]byte
	binary.LittleEndian.PutUint32(b[:], 1)
	_, err := unix.Write(u.fd, b[:])
	return err
}

// loop waits for interrupts until done is closed.
func (u *UIO) loop(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	var events [MaxEpollEvents]unix.EpollEvent
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := unix.EpollWait(u.epfd, events[:], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			pkg.LogError(pkg.ComponentHAL, "uio wait", "error", err)
			return
		}
		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case u.wakefd:
				var b [8]byte
				_, _ = unix.Read(u.wakefd, b[:])
			case u.fd:
				var b [uioCountSize]byte
				if _, err := unix.Read(u.fd, b[:]); err != nil {
					pkg.LogWarn(pkg.ComponentHAL, "uio read", "error", err)
					continue
				}
				u.mu.Lock()
				h := u.handler
				u.mu.Unlock()
				if h != nil {
					h()
				}
				if err := u.enable(); err != nil {
					pkg.LogWarn(pkg.ComponentHAL, "uio enable", "error", err)
				}
			}
		}
	}
}

var _ hal.InterruptController = (*UIO)(nil)

// =============================================================================
// Platform Assembly
// =============================================================================

// System is an opened controller function with the services a driver
// needs around it.
type System struct {
	Function Function
	PCI      *PCIFunction
	Memory   *Memory
	UIO      *UIO
}

// Open opens fn for a driver. hugePages sizes DMA memory; zero opens the
// function for register inspection only. Interrupts are wired when the
// function is bound to uio_pci_generic.
func Open(fn Function, hugePages int) (*System, error) {
	pci, err := OpenPCI(fn)
	if err != nil {
		return nil, err
	}
	s := &System{Function: fn, PCI: pci}
	if hugePages > 0 {
		if s.Memory, err = NewMemory(hugePages); err != nil {
			s.Close()
			return nil, err
		}
	}
	if node, err := uioNode(fn); err == nil {
		if s.UIO, err = OpenUIO(node); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "uio unavailable, polling", "node", node, "error", err)
		}
	}
	return s, nil
}

// Platform returns the services as driver interfaces. Absent services are
// nil interfaces, not typed nils.
func (s *System) Platform() hal.Platform {
	p := hal.Platform{PCI: s.PCI}
	if s.Memory != nil {
		p.Memory = s.Memory
	}
	if s.UIO != nil {
		p.IRQ = s.UIO
	}
	return p
}

// Close releases everything Open acquired.
func (s *System) Close() error {
	var err error
	if s.UIO != nil {
		err = errors.Join(err, s.UIO.Close())
	}
	if s.Memory != nil {
		err = errors.Join(err, s.Memory.Close())
	}
	return errors.Join(err, s.PCI.Close())
}
