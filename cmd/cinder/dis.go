package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/dis"
)

func newDisCmd() *cobra.Command {
	var fnIndex int
	cmd := &cobra.Command{
		Use:   "dis FILE",
		Short: "Disassemble a compiled module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			mod, err := bytecode.Decode(data)
			if err != nil {
				return err
			}
			if fnIndex >= 0 {
				instructions, err := dis.Function(mod, fnIndex)
				if err != nil {
					return err
				}
				dis.Print(instructions, cmd.OutOrStdout())
				return nil
			}
			return dis.PrintModule(mod, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&fnIndex, "func", "f", -1, "disassemble a single function by index")
	return cmd
}
