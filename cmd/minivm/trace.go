package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"
	"github.com/tinyrange/minivm/internal/debug"
)

var (
	traceSource  string
	traceSummary bool
)

var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Print a debug trace written with --debug-file",
	Args:  cobra.ExactArgs(1),
	// The trace being read must not be reopened for writing.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(os.Stderr, verbose)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()

		if traceSummary {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			sum, err := debug.Summarize(f)
			if err != nil {
				return err
			}
			for _, s := range sum.Sources {
				fmt.Fprintf(w, "%-16s %d\n", s, sum.Counts[s])
			}
			fmt.Fprintf(w, "span %s\n", sum.Last.Sub(sum.First))
			return nil
		}

		var filter *regexp.Regexp
		if traceSource != "" {
			var err error
			if filter, err = regexp.Compile(traceSource); err != nil {
				return fmt.Errorf("invalid --source: %w", err)
			}
		}

		var start time.Time
		return debug.EachFile(args[0], func(e debug.Entry) error {
			if filter != nil && !filter.MatchString(e.Source) {
				return nil
			}
			if start.IsZero() {
				start = e.Time
			}

			var msg string
			switch e.Kind {
			case debug.KindExit:
				rec, err := e.Exit()
				if err != nil {
					return err
				}
				msg = rec.String()
			case debug.KindBytes:
				msg = fmt.Sprintf("% x", e.Data)
			default:
				msg = string(e.Data)
			}

			_, err := fmt.Fprintf(w, "%12s %-12s %s\n", e.Time.Sub(start), e.Source, msg)
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.Flags().StringVar(&traceSource, "source", "", "regex to filter sources")
	traceCmd.Flags().BoolVar(&traceSummary, "summary", false, "print record counts per source")
}
