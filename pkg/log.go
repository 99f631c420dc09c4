package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component tags every record with the subsystem that produced it.
type Component string

const (
	ComponentUHCI     Component = "uhci"     // controller bring-up, interrupts
	ComponentSchedule Component = "schedule" // frame list and queue heads
	ComponentTransfer Component = "transfer" // TD chains and completion
	ComponentHost     Component = "host"     // port monitor, device table
	ComponentEnum     Component = "enum"
	ComponentDriver   Component = "driver"
	ComponentHAL      Component = "hal"
	ComponentSim      Component = "sim"
)

// LogFormat selects the slog handler behind the default logger.
type LogFormat int

const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var (
	// DefaultLogger receives every record written through LogDebug and
	// friends. Replace it with SetLogger.
	DefaultLogger *slog.Logger

	logLevel            = new(slog.LevelVar) // shared by every logger this package builds
	logOutput io.Writer = os.Stderr
	logFormat           = LogFormatText
	logMutex  sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = newLogger(logOutput, logFormat)
}

// SetLogLevel changes the minimum level. Loggers built by this package see
// the change immediately.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	logLevel.Set(level)
	logMutex.Unlock()
}

// GetLogLevel returns the minimum level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// ParseLogLevel accepts the slog level names, case-insensitively, with an
// optional offset such as "warn+2".
func ParseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelWarn, fmt.Errorf("%w: log level %q", ErrInvalidParameter, name)
	}
	return level, nil
}

// ParseLogFormat accepts "text", "json" or the empty string.
func ParseLogFormat(name string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	}
	return LogFormatText, fmt.Errorf("%w: log format %q", ErrInvalidParameter, name)
}

// SetLogger installs a caller-built logger. Level changes made through
// SetLogLevel only reach it if it was built with a nil options argument to
// NewLogger or NewJSONLogger.
func SetLogger(l *slog.Logger) {
	logMutex.Lock()
	DefaultLogger = l
	logMutex.Unlock()
}

// SetLogFormat rebuilds the default logger in format, keeping its output.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logFormat = format
	DefaultLogger = newLogger(logOutput, format)
}

// SetLogOutput rebuilds the default logger on w, keeping its format.
func SetLogOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logOutput = w
	DefaultLogger = newLogger(w, logFormat)
}

func newLogger(w io.Writer, format LogFormat) *slog.Logger {
	if format == LogFormatJSON {
		return NewJSONLogger(w, nil)
	}
	return NewLogger(w, nil)
}

func handlerOptions(opts *slog.HandlerOptions) *slog.HandlerOptions {
	if opts != nil {
		return opts
	}
	return &slog.HandlerOptions{Level: logLevel}
}

// NewLogger returns a text logger on w. A nil opts follows SetLogLevel.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, handlerOptions(opts)))
}

// NewJSONLogger returns a JSON logger on w. A nil opts follows SetLogLevel.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, handlerOptions(opts)))
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	logMutex.RLock()
	l := DefaultLogger
	logMutex.RUnlock()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, msg, append([]any{"component", string(component)}, args...)...)
}

func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}

// DebugEnabled reports whether debug records are emitted, so callers can
// skip building dumps nobody will see.
func DebugEnabled() bool {
	return GetLogLevel() <= slog.LevelDebug
}
