package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tinyrange/minivm/internal/guest"
	"github.com/tinyrange/minivm/internal/vmm"
)

var (
	disasmGuest   string
	disasmPayload string
)

var guestsCmd = &cobra.Command{
	Use:   "guests",
	Short: "List the built-in payloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, p := range guest.Builtins() {
			code, err := p.Code()
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%d bytes\t%s\n", p.Name, len(code), p.Description)
		}
		return tw.Flush()
	},
}

var disasmCmd = &cobra.Command{
	Use:   "disasm",
	Short: "Disassemble a payload as 16-bit code at the load address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := disasmGuest
		if name == "" && disasmPayload == "" {
			name = "console"
		}
		code, err := guest.Load(name, disasmPayload)
		if err != nil {
			return err
		}
		return guest.WriteListing(cmd.OutOrStdout(), code, vmm.DefaultMemoryBase)
	},
}

func init() {
	rootCmd.AddCommand(guestsCmd)
	rootCmd.AddCommand(disasmCmd)
	disasmCmd.Flags().StringVarP(&disasmGuest, "guest", "g", "", "built-in payload name")
	disasmCmd.Flags().StringVarP(&disasmPayload, "payload", "p", "", "flat binary payload file")
}
