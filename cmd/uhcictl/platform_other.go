//go:build !linux

package main

import "github.com/spf13/cobra"

// Real hardware is only reachable through the Linux backend.
func addPlatformCmds(root *cobra.Command, a *app) {}
