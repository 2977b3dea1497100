package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tinyrange/minivm/internal/hv/factory"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether the host hypervisor is usable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()

		info, err := factory.Probe()
		if err != nil {
			fmt.Fprintf(w, "kvm: unavailable: %v\n", err)
			fmt.Fprintf(w, "use --backend %s to run on the built-in interpreter\n", factory.BackendEmu)
			return nil
		}

		fmt.Fprintf(w, "%s: available\n", info.Backend)
		fmt.Fprintf(w, "api version: %d\n", info.APIVersion)
		fmt.Fprintf(w, "memory slots: %d\n", info.MaxMemSlots)
		fmt.Fprintf(w, "vcpu mmap size: %d\n", info.VCPUMmapSize)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
