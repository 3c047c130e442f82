// Command cinder executes, disassembles, and inspects compiled cinder
// modules.
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	var noColor bool
	root := &cobra.Command{
		Use:     "cinder",
		Short:   "Cinder bytecode virtual machine",
		Long:    "Cinder runs compiled bytecode modules on a stack machine with\nmanaged memory, structured exceptions, and closures.",
		Version: version + " (" + commit + ")",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	root.AddCommand(newRunCmd(), newDisCmd(), newInfoCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
