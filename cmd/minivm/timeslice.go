package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tinyrange/minivm/internal/timeslice"
)

var timesliceSums bool

var timesliceCmd = &cobra.Command{
	Use:   "timeslice <file>",
	Short: "Print timings recorded with run --timeslice-file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer f.Close()

		w := cmd.OutOrStdout()

		if !timesliceSums {
			return timeslice.ReadAll(f, func(s timeslice.Slice) error {
				_, err := fmt.Fprintf(w, "%s %s %s\n", s.Name, s.Flags, s.Duration)
				return err
			})
		}

		totals, err := timeslice.Summarize(f)
		if err != nil {
			return err
		}
		for _, t := range totals {
			fmt.Fprintf(w, "%24s flags=%-6s count=%8d sum=%14s min=%12s max=%12s avg=%12s\n",
				t.Name, t.Flags, t.Count, t.Sum, t.Min, t.Max, t.Avg())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(timesliceCmd)
	timesliceCmd.Flags().BoolVar(&timesliceSums, "sums", false, "print per-kind totals instead of every record")
}
