// Command uhcictl drives the UHCI host stack against the simulated
// platform or, on Linux, against a real controller.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ardnew/softuhci/config"
	"github.com/ardnew/softuhci/pkg"
	"github.com/ardnew/softuhci/pkg/prof"
)

// app carries the settings every subcommand shares.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	cpuProfile string
	profiles   []string

	cfg     *config.Config
	log     io.Closer
	profile *prof.Session
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "uhcictl",
		Short:         "Drive a UHCI host controller",
		Long:          `uhcictl enumerates USB devices behind a UHCI controller, either simulated or a real PCI function on Linux.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "TOML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format (text, json)")
	root.PersistentFlags().StringVar(&a.logFile, "log-file", "", "Write logs to a rotating file")
	root.PersistentFlags().StringVar(&a.cpuProfile, "cpu-profile", "", "Write a CPU profile (needs -tags profile)")
	root.PersistentFlags().StringArrayVar(&a.profiles, "profile", nil, "Write a snapshot profile as name=path, e.g. mutex=mutex.prof")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newSimulateCmd(a))
	root.AddCommand(newSkeletonCmd(a))
	root.AddCommand(newConfigCmd(a))
	addPlatformCmds(root, a)
	return root
}

// setup loads configuration, applies flag overrides and routes logging.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return err
		}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.logFile != "" {
		cfg.Log.File = a.logFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		pkg.SetLogOutput(lj)
		a.log = lj
	} else {
		pkg.SetLogOutput(cmd.ErrOrStderr())
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}
	a.cfg = cfg

	snapshots, err := prof.ParseSnapshots(a.profiles)
	if err != nil {
		return err
	}
	a.profile, err = prof.Start(prof.Plan{CPU: a.cpuProfile, Snapshots: snapshots})
	return err
}

// teardown flushes profiles and closes the log file.
func (a *app) teardown() error {
	err := a.profile.Stop()
	if a.log != nil {
		err = errors.Join(err, a.log.Close())
	}
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "uhcictl:", err)
		os.Exit(1)
	}
}
