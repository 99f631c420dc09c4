package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ardnew/softuhci/host"
	"github.com/ardnew/softuhci/host/uhci"
	"github.com/ardnew/softuhci/pkg"
)

// Config is the full settings tree.
type Config struct {
	Controller Controller `toml:"controller"`
	Log        Log        `toml:"log"`
	Linux      Linux      `toml:"linux"`
}

// Controller tunes the driver and the bus above it.
type Controller struct {
	Mode string `toml:"mode"`

	ControlTimeout    time.Duration `toml:"-"`
	ControlTimeoutRaw string        `toml:"control_timeout"`

	BulkTimeout    time.Duration `toml:"-"`
	BulkTimeoutRaw string        `toml:"bulk_timeout"`

	PollInterval    time.Duration `toml:"-"`
	PollIntervalRaw string        `toml:"poll_interval"`

	ResetHold    time.Duration `toml:"-"`
	ResetHoldRaw string        `toml:"reset_hold"`

	PortResetHold    time.Duration `toml:"-"`
	PortResetHoldRaw string        `toml:"port_reset_hold"`

	// PortMonitor is the root port polling period. Zero or negative
	// disables it.
	PortMonitor    time.Duration `toml:"-"`
	PortMonitorRaw string        `toml:"port_monitor"`

	MaxConfigSize int `toml:"max_config_size"`
	QHPages       int `toml:"qh_pages"`
	TDPages       int `toml:"td_pages"`
	RequestSlots  int `toml:"request_slots"`
}

// Log selects logger level, format and destination.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File rotates logs into a file instead of stderr when set.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Linux locates real hardware.
type Linux struct {
	SysfsRoot string `toml:"sysfs_root"`
	PCI       string `toml:"pci"`
	HugePages int    `toml:"huge_pages"`
}

// Default returns the stock settings.
func Default() *Config {
	o := uhci.DefaultOptions()
	c := &Config{
		Controller: Controller{
			Mode:           o.Mode.String(),
			ControlTimeout: o.ControlTimeout,
			BulkTimeout:    o.BulkTimeout,
			PollInterval:   o.PollInterval,
			ResetHold:      o.ResetHold,
			PortResetHold:  o.PortResetHold,
			PortMonitor:    250 * time.Millisecond,
			MaxConfigSize:  host.MaxConfigSize,
			QHPages:        o.QHPages,
			TDPages:        o.TDPages,
			RequestSlots:   o.RequestSlots,
		},
		Log: Log{
			Level:      "warn",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Linux: Linux{
			SysfsRoot: "/sys/bus/pci/devices",
			HugePages: 1,
		},
	}
	c.Controller.fillRaw()
	return c
}

// Load reads path over the defaults. Unknown keys are an error so typos
// do not pass silently.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c.finish(md, path)
}

// Parse reads TOML from r over the defaults.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c.finish(md, "input")
}

func (c *Config) finish(md toml.MetaData, name string) (*Config, error) {
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return nil, fmt.Errorf("config: %s: unknown keys %s: %w",
			name, strings.Join(names, ", "), pkg.ErrInvalidParameter)
	}
	if err := c.Controller.fillDurations(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", name, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", name, err)
	}
	return c, nil
}

// durations pairs each parsed field with its raw TOML text.
func (c *Controller) durations() []struct {
	key string
	d   *time.Duration
	raw *string
} {
	return []struct {
		key string
		d   *time.Duration
		raw *string
	}{
		{"control_timeout", &c.ControlTimeout, &c.ControlTimeoutRaw},
		{"bulk_timeout", &c.BulkTimeout, &c.BulkTimeoutRaw},
		{"poll_interval", &c.PollInterval, &c.PollIntervalRaw},
		{"reset_hold", &c.ResetHold, &c.ResetHoldRaw},
		{"port_reset_hold", &c.PortResetHold, &c.PortResetHoldRaw},
		{"port_monitor", &c.PortMonitor, &c.PortMonitorRaw},
	}
}

func (c *Controller) fillDurations() error {
	for _, f := range c.durations() {
		d, err := time.ParseDuration(*f.raw)
		if err != nil {
			return fmt.Errorf("%s = %q: %w", f.key, *f.raw, pkg.ErrInvalidParameter)
		}
		*f.d = d
	}
	return nil
}

func (c *Controller) fillRaw() {
	for _, f := range c.durations() {
		*f.raw = f.d.String()
	}
}

// Validate checks values that decode cleanly but make no sense.
func (c *Config) Validate() error {
	if _, err := uhci.ParseMode(c.Controller.Mode); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrInvalidParameter, err)
	}
	for _, f := range c.Controller.durations() {
		if f.key != "port_monitor" && *f.d <= 0 {
			return fmt.Errorf("%s must be positive: %w", f.key, pkg.ErrInvalidParameter)
		}
	}
	for key, n := range map[string]int{
		"max_config_size": c.Controller.MaxConfigSize,
		"qh_pages":        c.Controller.QHPages,
		"td_pages":        c.Controller.TDPages,
		"request_slots":   c.Controller.RequestSlots,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive: %w", key, pkg.ErrInvalidParameter)
		}
	}
	if _, err := pkg.ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := pkg.ParseLogFormat(c.Log.Format); err != nil {
		return err
	}
	return nil
}

// ControllerOptions converts the settings into driver tuning.
func (c *Config) ControllerOptions() uhci.Options {
	mode, _ := uhci.ParseMode(c.Controller.Mode)
	return uhci.Options{
		Mode:           mode,
		ControlTimeout: c.Controller.ControlTimeout,
		BulkTimeout:    c.Controller.BulkTimeout,
		PollInterval:   c.Controller.PollInterval,
		ResetHold:      c.Controller.ResetHold,
		PortResetHold:  c.Controller.PortResetHold,
		QHPages:        c.Controller.QHPages,
		TDPages:        c.Controller.TDPages,
		RequestSlots:   c.Controller.RequestSlots,
	}
}

// HostOptions converts the settings into bus tuning.
func (c *Config) HostOptions() host.Options {
	poll := c.Controller.PortMonitor
	if poll == 0 {
		poll = -1
	}
	return host.Options{
		PortPoll:      poll,
		MaxConfigSize: c.Controller.MaxConfigSize,
	}
}

// ApplyLogging sets the package logger's level and format. The output
// writer is left to the caller.
func (c *Config) ApplyLogging() error {
	level, err := pkg.ParseLogLevel(c.Log.Level)
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(c.Log.Format)
	if err != nil {
		return err
	}
	pkg.SetLogLevel(level)
	pkg.SetLogFormat(format)
	return nil
}

// Dump writes the settings as TOML.
func (c *Config) Dump(w io.Writer) error {
	c.Controller.fillRaw()
	return toml.NewEncoder(w).Encode(c)
}
