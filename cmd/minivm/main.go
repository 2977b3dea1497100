package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tinyrange/minivm/internal/debug"
)

var (
	verbose   bool
	debugFile string
)

var rootCmd = &cobra.Command{
	Use:           "minivm",
	Short:         "Run a tiny real-mode guest on one hardware-virtualized vCPU",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(os.Stderr, verbose)

		path := debugFile
		if path == "" {
			path = os.Getenv("MINIVM_DEBUG_FILE")
		}
		if path != "" {
			if err := debug.OpenFile(path); err != nil {
				return fmt.Errorf("open debug file: %w", err)
			}
			debug.Writef("minivm", "debug logging enabled filename=%s", path)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return debug.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&debugFile, "debug-file", "", "write a binary debug trace to this file")
}

func setupLogging(w io.Writer, dbg bool) {
	level := slog.LevelInfo
	if dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func run() error {
	defer debug.Close()
	return rootCmd.Execute()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "minivm: %v\n", err)
		os.Exit(1)
	}
}
