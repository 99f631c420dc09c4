//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ardnew/softuhci/host"
	"github.com/ardnew/softuhci/host/hal/linux"
	"github.com/ardnew/softuhci/host/uhci"
	"github.com/ardnew/softuhci/pkg"
	"github.com/ardnew/softuhci/pkg/ids"
)

func addPlatformCmds(root *cobra.Command, a *app) {
	root.AddCommand(newProbeCmd(a))
	root.AddCommand(newRunCmd(a))
}

// =============================================================================
// probe
// =============================================================================

func newProbeCmd(a *app) *cobra.Command {
	var registers bool
	cmd := &cobra.Command{
		Use:   "probe [pci-address...]",
		Short: "List UHCI controllers and dump their registers",
		Long: `probe lists the UHCI functions found in sysfs. With --registers it also
reads each controller's register file and root port status without writing
to the hardware, which needs root.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fns, err := selectFunctions(a.cfg.Linux.SysfsRoot, args)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			writeFunctions(w, fns)
			if !registers {
				return nil
			}
			for _, fn := range fns {
				if err := probeFunction(w, fn); err != nil {
					pkg.LogWarn(pkg.ComponentHAL, "probe failed", "pci", fn.Name, "error", err)
					fmt.Fprintf(w, "%s: %v\n", fn.Name, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&registers, "registers", false, "Read the register file of each controller")
	return cmd
}

// selectFunctions returns the named functions, or every UHCI function when
// no names are given.
func selectFunctions(root string, names []string) ([]linux.Function, error) {
	if len(names) == 0 {
		fns, err := linux.ScanUHCI(root)
		if err != nil {
			return nil, err
		}
		if len(fns) == 0 {
			return nil, fmt.Errorf("no UHCI controllers under %s: %w", root, pkg.ErrNoDevice)
		}
		return fns, nil
	}
	out := make([]linux.Function, 0, len(names))
	for _, name := range names {
		fn, err := linux.Lookup(root, name)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

func writeFunctions(w io.Writer, fns []linux.Function) {
	names := ids.New(ids.PCIPaths)
	names.Load()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Function", "ID", "Vendor", "Device", "Driver", "IRQ", "I/O"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, fn := range fns {
		base := "-"
		if len(fn.Resources) > 4 && fn.Resources[4].Size() > 0 {
			base = fmt.Sprintf("%#x+%d", fn.Resources[4].Start, fn.Resources[4].Size())
		}
		table.Append([]string{
			fn.Name,
			fmt.Sprintf("%04x:%04x", fn.Vendor, fn.Device),
			names.Vendor(fn.Vendor),
			names.Product(fn.Vendor, fn.Device),
			fn.Driver,
			fmt.Sprint(fn.IRQ),
			base,
		})
	}
	table.Render()
}

func probeFunction(w io.Writer, fn linux.Function) error {
	sys, err := linux.Open(fn, 0)
	if err != nil {
		return err
	}
	defer sys.Close()

	r, err := uhci.Probe(sys.PCI)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%s irq %d command %#04x legsup %#04x\n", r.PCI, r.IRQ, r.Command, r.Legacy)
	for _, line := range r.Registers {
		fmt.Fprintf(w, "  %s\n", line)
	}
	for i, ps := range r.Ports {
		fmt.Fprintf(w, "  port %d: connected=%v enabled=%v speed=%s\n", i, ps.Connected, ps.Enabled, ps.Speed)
	}
	return nil
}

// =============================================================================
// run
// =============================================================================

func newRunCmd(a *app) *cobra.Command {
	var bind bool
	cmd := &cobra.Command{
		Use:   "run [pci-address]",
		Short: "Take over a UHCI controller and enumerate its devices",
		Long: `run drives a real controller until interrupted. The function must be
unbound from uhci_hcd, ideally bound to uio_pci_generic for interrupts, and
huge pages must be reserved for DMA memory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := a.cfg.Linux.PCI
			if len(args) == 1 {
				name = args[0]
			}
			var names []string
			if name != "" {
				names = []string{name}
			}
			fns, err := selectFunctions(a.cfg.Linux.SysfsRoot, names)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runController(ctx, cmd.OutOrStdout(), a, fns[0], bind)
		},
	}
	cmd.Flags().BoolVar(&bind, "bind", true, "Bind an inventory driver to every interface")
	return cmd
}

func runController(ctx context.Context, w io.Writer, a *app, fn linux.Function, bind bool) (err error) {
	if fn.Driver == "uhci_hcd" {
		return fmt.Errorf("%s is still bound to uhci_hcd: %w", fn.Name, pkg.ErrClaimed)
	}
	sys, err := linux.Open(fn, a.cfg.Linux.HugePages)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, sys.Close()) }()

	c, err := uhci.New(sys.Platform(), a.cfg.ControllerOptions())
	if err != nil {
		return err
	}
	h := host.New(c, a.cfg.HostOptions())
	h.Listen(func(ev host.Event) {
		line := fmt.Sprintf("%-18s port %d", ev.Type, ev.Port)
		if ev.Device != nil {
			line += " " + ev.Device.String()
		}
		if ev.Driver != nil {
			line += " driver " + ev.Driver.Name
		}
		if ev.Err != nil {
			line += " error: " + ev.Err.Error()
		}
		fmt.Fprintln(w, line)
	})
	if bind {
		if _, err := h.RegisterDriver(inventoryDriver(false)); err != nil && !errors.Is(err, pkg.ErrNoMatch) {
			return err
		}
	}
	if err := h.Start(ctx); err != nil {
		return err
	}
	writeTables(w, buildReport(h, usbNames()))

	<-ctx.Done()
	return h.Stop()
}
