package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/internal/table"
)

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info FILE",
		Short: "Summarize a compiled module",
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
			out := cmd.OutOrStdout()
			stats := mod.Stats()

			table.NewTable(out).
				WithHeader([]string{"Property", "Value"}).
				WithColumnAlignment([]table.Alignment{table.AlignLeft, table.AlignRight}).
				WithRows([][]string{
					{"format version", strconv.Itoa(int(mod.Version()))},
					{"size", strconv.Itoa(len(data)) + " bytes"},
					{"instructions", strconv.Itoa(stats.InstructionCount)},
					{"instruction bytes", strconv.Itoa(stats.InstructionBytes)},
					{"constants", strconv.Itoa(stats.ConstantCount)},
					{"globals", strconv.Itoa(stats.GlobalCount)},
					{"functions", strconv.Itoa(stats.FunctionCount)},
					{"debug lines", strconv.FormatBool(stats.HasDebugLines)},
				}).
				Render()
			fmt.Fprintln(out)

			fns := table.NewTable(out).
				WithHeader([]string{"#", "Name", "Arity", "Locals", "Upvalues", "Code"}).
				WithColumnAlignment([]table.Alignment{
					table.AlignRight, table.AlignLeft, table.AlignRight,
					table.AlignRight, table.AlignRight, table.AlignRight,
				})
			for i := 0; i < mod.FunctionCount(); i++ {
				meta := mod.FunctionAt(i)
				name := meta.Name
				if name == "" {
					name = "<anonymous>"
				}
				fns.Append([]string{
					strconv.Itoa(i),
					name,
					strconv.Itoa(meta.Arity),
					strconv.Itoa(meta.LocalCount),
					strconv.Itoa(meta.UpvalueCount()),
					strconv.Itoa(meta.CodeLength) + " bytes",
				})
			}
			fns.Render()
			return nil
		},
	}
	return cmd
}
