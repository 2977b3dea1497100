package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/tinyrange/minivm/internal/devices/console"
	"github.com/tinyrange/minivm/internal/guest"
	"github.com/tinyrange/minivm/internal/hv/factory"
	"github.com/tinyrange/minivm/internal/timeslice"
	"github.com/tinyrange/minivm/internal/vmm"
	"golang.org/x/term"
)

type runOptions struct {
	config  string
	guest   string
	payload string
	backend string
	stats   bool

	timesliceFile string
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a payload and service its exits until it halts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return runMachine(ctx, runOpts, cmd.OutOrStdout(), isTerminal(os.Stdout))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runOpts.config, "config", "c", "", "YAML machine config")
	runCmd.Flags().StringVarP(&runOpts.guest, "guest", "g", "", "built-in payload name (see `minivm guests`)")
	runCmd.Flags().StringVarP(&runOpts.payload, "payload", "p", "", "flat binary payload file")
	runCmd.Flags().StringVar(&runOpts.backend, "backend", "", "hypervisor backend: kvm or emu")
	runCmd.Flags().BoolVar(&runOpts.stats, "stats", false, "print exit statistics after the run")
	runCmd.Flags().StringVar(&runOpts.timesliceFile, "timeslice-file", "", "record per-exit timings to this file")
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// resolveConfig merges the config file with command line overrides.
func resolveConfig(opts runOptions) (vmm.Config, error) {
	cfg := vmm.DefaultConfig()
	if opts.config != "" {
		var err error
		if cfg, err = vmm.LoadConfig(opts.config); err != nil {
			return vmm.Config{}, err
		}
	}

	if opts.guest != "" || opts.payload != "" {
		cfg.Guest = opts.guest
		cfg.Payload = opts.payload
	}
	if opts.backend != "" {
		cfg.Backend = opts.backend
	}
	if cfg.Guest == "" && cfg.Payload == "" {
		cfg.Guest = "console"
	}
	return cfg, cfg.Validate()
}

func runMachine(ctx context.Context, opts runOptions, stdout io.Writer, styled bool) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	payload, err := guest.Load(cfg.Guest, cfg.Payload)
	if err != nil {
		return err
	}

	if opts.timesliceFile != "" {
		f, err := os.Create(opts.timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()

		w, err := timeslice.StartRecording(f)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	h, err := factory.OpenBackend(cfg.Backend)
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	slog.Debug("minivm: starting", "backend", cfg.Backend, "guest", cfg.Guest, "payload", cfg.Payload, "bytes", len(payload))

	m, err := vmm.New(h, cfg, payload, console.NewOutput(stdout, styled))
	if err != nil {
		return err
	}
	defer m.Close()

	runErr := m.Run(ctx)

	if opts.stats {
		if _, err := m.Stats().WriteTo(os.Stderr); err != nil {
			return err
		}
	}
	return runErr
}
