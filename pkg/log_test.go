package pkg

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// captureLog routes the default logger into a buffer for the duration of
// the test and restores every global afterwards.
func captureLog(t *testing.T, format LogFormat, level slog.Level) *bytes.Buffer {
	t.Helper()
	prevLogger, prevLevel, prevFormat, prevOutput := DefaultLogger, GetLogLevel(), logFormat, logOutput
	t.Cleanup(func() {
		logMutex.Lock()
		logFormat, logOutput = prevFormat, prevOutput
		logMutex.Unlock()
		SetLogLevel(prevLevel)
		SetLogger(prevLogger)
	})

	var buf bytes.Buffer
	SetLogLevel(level)
	SetLogFormat(format)
	SetLogOutput(&buf)
	return &buf
}

// =============================================================================
// Level and Format Parsing
// =============================================================================

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"warn+2", slog.LevelWarn + 2, false},
		{"loud", slog.LevelWarn, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.err {
				t.Fatalf("ParseLogLevel(%q) error = %v", tt.in, err)
			}
			if err != nil && !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("ParseLogLevel(%q) error = %v, want ErrInvalidParameter", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	for in, want := range map[string]LogFormat{"": LogFormatText, "text": LogFormatText, " JSON": LogFormatJSON} {
		if got, err := ParseLogFormat(in); err != nil || got != want {
			t.Errorf("ParseLogFormat(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogFormat("xml"); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("ParseLogFormat(xml) error = %v, want ErrInvalidParameter", err)
	}
}

// =============================================================================
// Component Logging
// =============================================================================

func TestComponentLogging_Text(t *testing.T) {
	buf := captureLog(t, LogFormatText, slog.LevelDebug)

	LogDebug(ComponentSchedule, "qh linked", "slot", 11)
	LogInfo(ComponentHost, "device configured")
	LogWarn(ComponentEnum, "retry", "attempt", 2)
	LogError(ComponentHAL, "bar unmapped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"level=DEBUG msg=\"qh linked\" component=schedule slot=11",
		"level=INFO msg=\"device configured\" component=host",
		"level=WARN msg=retry component=enum attempt=2",
		"level=ERROR msg=\"bar unmapped\" component=hal",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines:\n%s", len(lines), buf)
	}
	for i := range want {
		if !strings.HasSuffix(lines[i], want[i]) {
			t.Errorf("line %d = %q, want suffix %q", i, lines[i], want[i])
		}
	}
}

func TestComponentLogging_JSON(t *testing.T) {
	buf := captureLog(t, LogFormatJSON, slog.LevelInfo)

	LogInfo(ComponentUHCI, "controller running", "ports", 2)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not one JSON record: %v\n%s", err, buf)
	}
	if rec["msg"] != "controller running" || rec["component"] != "uhci" || rec["ports"] != float64(2) {
		t.Errorf("record = %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLog(t, LogFormatText, slog.LevelWarn)

	if DebugEnabled() {
		t.Error("DebugEnabled() at warn level")
	}
	LogDebug(ComponentTransfer, "hidden")
	LogInfo(ComponentTransfer, "hidden")
	if buf.Len() != 0 {
		t.Errorf("records below warn were written: %s", buf)
	}

	// The level is shared, so a later change applies to an existing logger.
	SetLogLevel(slog.LevelDebug)
	if !DebugEnabled() {
		t.Error("DebugEnabled() = false at debug level")
	}
	LogDebug(ComponentTransfer, "shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("debug record missing after level change: %s", buf)
	}
}

func TestSetLogOutput_KeepsFormat(t *testing.T) {
	captureLog(t, LogFormatJSON, slog.LevelInfo)

	var second bytes.Buffer
	SetLogOutput(&second)
	LogError(ComponentSim, "redirected")
	if !strings.HasPrefix(second.String(), "{") || !strings.Contains(second.String(), `"component":"sim"`) {
		t.Errorf("redirected output = %s", second.String())
	}
}

func TestNewLoggers(t *testing.T) {
	var text, js bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	NewLogger(&text, opts).Debug("plain")
	NewJSONLogger(&js, opts).Debug("structured")

	if !strings.Contains(text.String(), "msg=plain") {
		t.Errorf("text logger wrote %q", text.String())
	}
	if !strings.Contains(js.String(), `"msg":"structured"`) {
		t.Errorf("json logger wrote %q", js.String())
	}
}
