package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ardnew/softuhci/config"
	"github.com/ardnew/softuhci/host"
	"github.com/ardnew/softuhci/host/hal/sim"
	"github.com/ardnew/softuhci/host/uhci"
	"github.com/ardnew/softuhci/pkg"
)

// simBus is a running controller and bus over a simulated machine.
type simBus struct {
	m *sim.Machine
	c *uhci.Controller
	h *host.Host

	mu     sync.Mutex
	events []host.Event

	cancel context.CancelFunc
	done   chan struct{}
}

// startSim attaches devices to consecutive ports, clocks the machine in
// real time and brings the bus up, which enumerates everything attached.
func startSim(ctx context.Context, cfg *config.Config, devices []*sim.Device, bind, arm bool) (*simBus, error) {
	m := sim.New(sim.Options{Clock: sim.ClockOnPoll})
	for port, dev := range devices {
		if err := m.Attach(port, dev); err != nil {
			return nil, err
		}
	}
	c, err := uhci.New(m.Platform(), cfg.ControllerOptions())
	if err != nil {
		return nil, err
	}

	opts := cfg.HostOptions()
	opts.PortPoll = -1
	b := &simBus{m: m, c: c, h: host.New(c, opts), done: make(chan struct{})}
	b.h.Listen(func(ev host.Event) {
		b.mu.Lock()
		b.events = append(b.events, ev)
		b.mu.Unlock()
	})
	if bind {
		if _, err := b.h.RegisterDriver(inventoryDriver(arm)); err != nil && !errors.Is(err, pkg.ErrNoMatch) {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go func() {
		defer close(b.done)
		_ = m.Run(runCtx)
	}()
	if err := b.h.Start(ctx); err != nil {
		b.cancel()
		<-b.done
		return nil, err
	}
	return b, nil
}

func (b *simBus) stop() error {
	err := b.h.Stop()
	b.cancel()
	<-b.done
	return err
}

// inventoryDriver binds every interface. With arm set it also keeps an
// interrupt IN transfer queued on each interrupt endpoint, which puts
// leaves into the periodic part of the schedule.
func inventoryDriver(arm bool) *host.Driver {
	drv := &host.Driver{
		Name: "inventory",
		IDs:  []host.DeviceID{host.AnyDevice},
	}
	drv.Probe = func(ifc *host.Interface, id host.DeviceID) error {
		if !arm {
			return nil
		}
		alt := ifc.Active()
		for i := range alt.Endpoints {
			ep := &alt.Endpoints[i]
			if !ep.IsInterrupt() || !ep.IsIn() {
				continue
			}
			addr := ep.EndpointAddress
			ifc.Pipe(drv, addr).SubmitInterrupt(make([]byte, ep.MaxPacketSize), host.PriorityNormal,
				func(st pkg.Status, n int, _ any) {
					pkg.LogDebug(pkg.ComponentDriver, "interrupt report",
						"endpoint", addr,
						"status", st.String(),
						"length", n)
				}, nil)
		}
		return nil
	}
	return drv
}

// simDevices builds the devices for a run: fixture files in port order, or
// a keyboard and a mass storage device when none are given.
func simDevices(paths []string) ([]*sim.Device, error) {
	if len(paths) == 0 {
		return []*sim.Device{sim.Keyboard().MustBuild(), sim.MassStorage().MustBuild()}, nil
	}
	if len(paths) > sim.NumPorts {
		return nil, fmt.Errorf("%d fixtures for %d ports: %w", len(paths), sim.NumPorts, pkg.ErrInvalidParameter)
	}
	out := make([]*sim.Device, 0, len(paths))
	for _, p := range paths {
		dev, err := sim.ReadFixtureFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, dev)
	}
	return out, nil
}

func newSimulateCmd(a *app) *cobra.Command {
	var (
		fixtures []string
		format   string
		bind     bool
		events   bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Enumerate simulated devices and print the device tree",
		Long: `simulate runs the driver against a simulated controller with devices
attached to its root ports, enumerates them and prints what was found.
Without --fixture a keyboard and a mass storage device are attached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := parseFormat(format)
			if err != nil {
				return err
			}
			devices, err := simDevices(fixtures)
			if err != nil {
				return err
			}
			b, err := startSim(cmd.Context(), a.cfg, devices, bind, false)
			if err != nil {
				return err
			}
			rep := buildReport(b.h, usbNames())
			if events {
				b.mu.Lock()
				rep.Events = eventReports(b.events)
				b.mu.Unlock()
			}
			if err := b.stop(); err != nil {
				return err
			}
			return enc.write(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringSliceVar(&fixtures, "fixture", nil, "TOML device fixture, one per port in order")
	cmd.Flags().StringVar(&format, "format", "table", "Output format (table, json, cbor)")
	cmd.Flags().BoolVar(&bind, "bind", true, "Bind an inventory driver to every interface")
	cmd.Flags().BoolVar(&events, "events", false, "Include bus events in the report")
	return cmd
}
