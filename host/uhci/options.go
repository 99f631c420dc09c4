package uhci

import (
	"fmt"
	"time"
)

// Mode selects how completions are detected.
type Mode uint8

const (
	// ModeInterrupt traverses the schedule when the controller raises its
	// IRQ line. Transfers to unconfigured devices are still polled.
	ModeInterrupt Mode = iota
	// ModePoll traverses the schedule from a paced loop with interrupts
	// disabled.
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModeInterrupt:
		return "interrupt"
	case ModePoll:
		return "poll"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses "interrupt" or "poll".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "interrupt":
		return ModeInterrupt, nil
	case "poll":
		return ModePoll, nil
	default:
		return 0, fmt.Errorf("unknown controller mode %q", s)
	}
}

// Options tunes a Controller.
type Options struct {
	Mode Mode

	// ControlTimeout and BulkTimeout bound polled waits.
	ControlTimeout time.Duration
	BulkTimeout    time.Duration

	// PollInterval paces the completion loop in ModePoll.
	PollInterval time.Duration

	// ResetHold is how long GRESET is asserted during bring-up.
	ResetHold time.Duration

	// PortResetHold is how long PR is asserted on a root port.
	PortResetHold time.Duration

	// QHPages and TDPages size the descriptor arenas.
	QHPages int
	TDPages int

	// RequestSlots is the number of setup packets each device may have in
	// flight.
	RequestSlots int
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		Mode:           ModeInterrupt,
		ControlTimeout: 10 * time.Millisecond,
		BulkTimeout:    50 * time.Millisecond,
		PollInterval:   time.Millisecond,
		ResetHold:      10 * time.Millisecond,
		PortResetHold:  50 * time.Millisecond,
		QHPages:        1,
		TDPages:        2,
		RequestSlots:   32,
	}
}

// normalize fills zero fields from DefaultOptions.
func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = d.ControlTimeout
	}
	if o.BulkTimeout <= 0 {
		o.BulkTimeout = d.BulkTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ResetHold <= 0 {
		o.ResetHold = d.ResetHold
	}
	if o.PortResetHold <= 0 {
		o.PortResetHold = d.PortResetHold
	}
	if o.QHPages <= 0 {
		o.QHPages = d.QHPages
	}
	if o.TDPages <= 0 {
		o.TDPages = d.TDPages
	}
	if o.RequestSlots <= 0 {
		o.RequestSlots = d.RequestSlots
	}
	return o
}
