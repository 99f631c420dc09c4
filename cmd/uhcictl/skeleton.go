package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ardnew/softuhci/host/uhci"
)

func newSkeletonCmd(a *app) *cobra.Command {
	var (
		fixtures []string
		frames   bool
	)
	cmd := &cobra.Command{
		Use:   "skeleton",
		Short: "Dump the schedule of a simulated controller",
		Long: `skeleton enumerates simulated devices, arms an interrupt transfer on every
interrupt IN endpoint and prints the queue heads in the order the controller
visits them, followed by the register file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := simDevices(fixtures)
			if err != nil {
				return err
			}
			b, err := startSim(cmd.Context(), a.cfg, devices, true, true)
			if err != nil {
				return err
			}
			snap := b.c.Snapshot()
			if err := b.stop(); err != nil {
				return err
			}
			writeSkeleton(cmd.OutOrStdout(), snap, frames)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&fixtures, "fixture", nil, "TOML device fixture, one per port in order")
	cmd.Flags().BoolVar(&frames, "frames", false, "Also print the first 32 frame list entries")
	return cmd
}

func writeSkeleton(w io.Writer, snap uhci.Snapshot, frames bool) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Node", "Phys", "Type", "Prio", "Devices", "TDs", "Link", "Element"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, n := range snap.Nodes {
		label, typ, prio, devices := n.Label(), "", "", ""
		if n.Meta {
			devices = fmt.Sprint(n.Devices)
		} else {
			label = "  " + label
			typ = n.Type.String()
			prio = fmt.Sprint(n.Priority)
		}
		link := fmt.Sprintf("%#08x", n.Link)
		if n.EOC {
			link += " eoc"
		}
		table.Append([]string{
			label,
			fmt.Sprintf("%#08x", n.Phys),
			typ,
			prio,
			devices,
			fmt.Sprint(n.TDs),
			link,
			fmt.Sprintf("%#08x", n.Element),
		})
	}
	table.SetFooter([]string{"", "", "", "",
		fmt.Sprintf("QH %d/%d", snap.QHInUse, snap.QHCap),
		fmt.Sprintf("TD %d/%d", snap.TDInUse, snap.TDCap), "", ""})
	table.Render()

	if frames {
		ft := tablewriter.NewWriter(w)
		ft.SetHeader([]string{"Frame", "Pointer"})
		for f := 0; f < 32 && f < len(snap.Frames); f++ {
			ft.Append([]string{fmt.Sprint(f), fmt.Sprintf("%#08x", snap.Frames[f])})
		}
		ft.Render()
	}
	for _, r := range snap.Registers {
		fmt.Fprintln(w, r)
	}
}
