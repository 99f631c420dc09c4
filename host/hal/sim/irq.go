package sim

import (
	"fmt"
	"sync"

	"github.com/ardnew/softuhci/pkg"
)

// IRQ is a trivial interrupt controller. Handlers are dispatched on their
// own goroutine so that raising an interrupt never runs driver code inside
// the simulated hardware's critical sections.
type IRQ struct {
	mu       sync.Mutex
	handlers map[int]func()
	raised   map[int]int
}

func newIRQ() *IRQ {
	return &IRQ{
		handlers: make(map[int]func()),
		raised:   make(map[int]int),
	}
}

// Register installs a handler for line.
func (q *IRQ) Register(line int, handler func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[line]; ok {
		return fmt.Errorf("sim: irq %d: %w", line, pkg.ErrClaimed)
	}
	q.handlers[line] = handler
	return nil
}

// Deregister removes the handler for line.
func (q *IRQ) Deregister(line int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[line]; !ok {
		return fmt.Errorf("sim: irq %d: %w", line, pkg.ErrNotClaimed)
	}
	delete(q.handlers, line)
	return nil
}

// Raised reports how many times line has been asserted.
func (q *IRQ) Raised(line int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.raised[line]
}

func (q *IRQ) raise(line int) {
	q.mu.Lock()
	h := q.handlers[line]
	q.raised[line]++
	q.mu.Unlock()
	if h != nil {
		go h()
	}
}
