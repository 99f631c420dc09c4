package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/ardnew/softuhci/pkg"
	"github.com/ardnew/softuhci/pkg/prof"
)

// run executes uhcictl with a fast configuration and returns stdout.
func run(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "uhcictl.toml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
[controller]
control_timeout = "500ms"
reset_hold = "1ms"
port_reset_hold = "1ms"
`), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(append([]string{"--config", cfg}, args...))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	t.Cleanup(func() { pkg.SetLogOutput(os.Stderr) })
	err := root.ExecuteContext(context.Background())
	return out.Bytes(), err
}

func TestSimulate_JSON(t *testing.T) {
	out, err := run(t, "simulate", "--format", "json", "--events")
	require.NoError(t, err)

	var rep busReport
	require.NoError(t, sonnet.Unmarshal(out, &rep))
	require.Len(t, rep.Devices, 2)
	require.Len(t, rep.Ports, 2)

	kbd := rep.Devices[0]
	assert.Equal(t, 0, kbd.Port)
	assert.Equal(t, "Configured", kbd.State)
	assert.Equal(t, uint16(0x046D), kbd.Vendor)
	require.NotEmpty(t, kbd.Interfaces)
	assert.Equal(t, uint8(3), kbd.Interfaces[0].Class)
	assert.Equal(t, "inventory", kbd.Interfaces[0].Driver)
	require.NotEmpty(t, kbd.Interfaces[0].Endpoints)
	assert.Equal(t, "interrupt", kbd.Interfaces[0].Endpoints[0].Type)

	storage := rep.Devices[1]
	assert.Equal(t, 1, storage.Port)
	assert.Equal(t, "4C530001230105117093", storage.Serial)

	types := make(map[string]int)
	for _, ev := range rep.Events {
		types[ev.Type]++
	}
	assert.Equal(t, 2, types["configured"])
	assert.Equal(t, 2, types["driver-bound"])
}

func TestSimulate_CBOR(t *testing.T) {
	out, err := run(t, "simulate", "--format", "cbor", "--bind=false")
	require.NoError(t, err)

	var rep busReport
	require.NoError(t, cbor.Unmarshal(out, &rep))
	require.Len(t, rep.Devices, 2)
	for _, d := range rep.Devices {
		for _, ifc := range d.Interfaces {
			assert.Empty(t, ifc.Driver)
		}
	}
}

func TestSimulate_Table(t *testing.T) {
	out, err := run(t, "simulate")
	require.NoError(t, err)
	assert.Contains(t, string(out), "046d:")
	assert.Contains(t, string(out), "Configured")
}

func TestSimulate_Fixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamepad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
name = "gamepad"
speed = "full"
vendor = 0x045e
product = 0x028e
product_name = "Pad"

[[config]]
value = 1
[[config.interface]]
class = 255
subclass = 93
protocol = 1
[[config.interface.endpoint]]
address = 0x81
type = "interrupt"
max_packet = 32
interval = 4
`), 0o644))

	out, err := run(t, "simulate", "--format", "json", "--fixture", path)
	require.NoError(t, err)
	var rep busReport
	require.NoError(t, sonnet.Unmarshal(out, &rep))
	require.Len(t, rep.Devices, 1)
	assert.Equal(t, uint16(0x045E), rep.Devices[0].Vendor)
	assert.Equal(t, "full", rep.Devices[0].Speed)
}

func TestSimulate_Errors(t *testing.T) {
	_, err := run(t, "simulate", "--format", "yaml")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = run(t, "simulate", "--fixture", "a.toml,b.toml,c.toml")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = run(t, "simulate", "--fixture", filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)

	_, err = run(t, "--log-level", "chatty", "simulate")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestSkeleton(t *testing.T) {
	out, err := run(t, "skeleton", "--frames")
	require.NoError(t, err)
	s := string(out)
	for _, label := range []string{"1024ms", "8ms", "1ms", "control", "bulk"} {
		assert.Contains(t, s, label)
	}
	assert.Contains(t, s, "qh")
	assert.Contains(t, s, "interrupt")
	assert.Contains(t, s, "USBCMD")
	assert.Contains(t, s, "PORTSC2")
}

func TestConfigDump(t *testing.T) {
	out, err := run(t, "config")
	require.NoError(t, err)
	assert.Contains(t, string(out), `control_timeout = "500ms"`)
	assert.Contains(t, string(out), `[log]`)
}

func TestLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uhcictl.log")
	_, err := run(t, "--log-file", path, "--log-level", "info", "simulate", "--format", "json")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "controller running")
}

func TestProfileFlags(t *testing.T) {
	_, err := run(t, "--profile", "bogus=x.prof", "config")
	assert.ErrorIs(t, err, prof.ErrUnknownProfile)

	_, err = run(t, "--profile", "heap", "config")
	assert.Error(t, err)
}
