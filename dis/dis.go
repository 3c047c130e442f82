// Package dis supports analysis of cinder modules by disassembling their
// instruction streams. It decodes with the InstructionIter from the
// bytecode package and annotates operands against the module's constant
// pool, global table, and debug line table.
package dis

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/internal/table"
	"github.com/cinderlang/cinder/op"
)

// Instruction represents a single decoded instruction with its symbolic
// annotation.
type Instruction struct {
	Offset     int // byte offset within the function's code
	Line       int // source line, 0 without a debug line table
	Name       string
	Opcode     op.Code
	Ext        op.ExtCode
	Operands   []int64
	Annotation string
}

// Function returns a parsed representation of one function's bytecode.
// Offsets are relative to the function's code window.
func Function(mod *bytecode.Module, fnIndex int) ([]Instruction, error) {
	if fnIndex < 0 || fnIndex >= mod.FunctionCount() {
		return nil, fmt.Errorf("function index %d out of range (%d functions)",
			fnIndex, mod.FunctionCount())
	}
	meta := mod.FunctionAt(fnIndex)
	iter := bytecode.NewInstructionIter(mod.FunctionCode(fnIndex))

	var instructions []Instruction
	for {
		in, ok, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		line := 0
		if mod.HasLines() {
			line = mod.LineFor(meta.CodeOffset + in.Offset)
		}
		instructions = append(instructions, Instruction{
			Offset:     in.Offset,
			Line:       line,
			Name:       in.Info().Name,
			Opcode:     in.Opcode,
			Ext:        in.Ext,
			Operands:   in.Operands,
			Annotation: annotate(mod, in),
		})
	}
	return instructions, nil
}

// annotate resolves an instruction's operands to something symbolic: the
// constant it loads, the global it names, or the target it branches to.
func annotate(mod *bytecode.Module, in bytecode.Instruction) string {
	switch in.Opcode {
	case op.LoadConst, op.MakeClosure:
		return formatConstant(mod, int(in.Operands[0]))
	case op.LoadGlobal, op.StoreGlobal:
		return color.HiCyanString("%s", mod.GlobalName(int(in.Operands[0])))
	case op.GetField, op.SetField, op.CallMethod, op.BuildClass:
		c := mod.ConstantAt(int(in.Operands[0]))
		return color.GreenString("%q", c.Str)
	case op.Jump, op.JumpIfFalse, op.JumpIfTrue, op.JumpIfNull, op.JumpIfNotNull, op.TryBegin:
		return color.HiCyanString("-> %d", in.Target())
	case op.Ext:
		switch in.Ext {
		case op.ExtWrite:
			switch in.Operands[0] {
			case 0:
				return color.HiCyanString("output")
			case 1:
				return color.HiCyanString("error")
			}
		case op.ExtRead:
			return color.HiCyanString("input")
		case op.ExtGCStat:
			return color.HiCyanString("%s", gcStatName(in.Operands[0]))
		}
	}
	return ""
}

func gcStatName(sel int64) string {
	switch sel {
	case 0:
		return "bytes_allocated"
	case 1:
		return "next_gc"
	case 2:
		return "live_objects"
	case 3:
		return "collections"
	case 4:
		return "total_allocs"
	default:
		return fmt.Sprintf("stat_%d", sel)
	}
}

func formatConstant(mod *bytecode.Module, index int) string {
	c := mod.ConstantAt(index)
	switch c.Kind {
	case bytecode.ConstNull:
		return bold("null")
	case bytecode.ConstBool:
		return bold(strconv.FormatBool(c.Bool))
	case bytecode.ConstInt:
		return color.YellowString("%d", c.Int)
	case bytecode.ConstFloat:
		return color.YellowString(strconv.FormatFloat(c.Float, 'f', -1, 64))
	case bytecode.ConstString:
		s := c.Str
		if len(s) > 80 {
			s = s[:77] + "..."
		}
		return color.GreenString("%q", s)
	case bytecode.ConstFunction:
		name := mod.FunctionAt(c.Fn).Name
		if name == "" {
			name = "<anonymous>"
		}
		return color.MagentaString("func:%s", name)
	default:
		return ""
	}
}

func bold(s string) string {
	return color.New(color.Bold).Sprint(s)
}

// Print renders the instructions as a table. A LINE column is included
// when any instruction carries line information.
func Print(instructions []Instruction, w io.Writer) {
	withLines := false
	for _, in := range instructions {
		if in.Line > 0 {
			withLines = true
			break
		}
	}

	header := []string{"OFFSET", "OPCODE", "OPERANDS", "INFO"}
	colAlign := []table.Alignment{
		table.AlignRight, table.AlignLeft, table.AlignRight, table.AlignLeft,
	}
	if withLines {
		header = append([]string{"LINE"}, header...)
		colAlign = append([]table.Alignment{table.AlignRight}, colAlign...)
	}
	headAlign := make([]table.Alignment, len(header))
	for i := range headAlign {
		headAlign[i] = table.AlignCenter
	}

	rows := make([][]string, 0, len(instructions))
	for _, in := range instructions {
		row := []string{
			strconv.Itoa(in.Offset),
			bold(in.Name),
			formatOperands(in.Operands),
			in.Annotation,
		}
		if withLines {
			lineCell := ""
			if in.Line > 0 {
				lineCell = strconv.Itoa(in.Line)
			}
			row = append([]string{lineCell}, row...)
		}
		rows = append(rows, row)
	}

	table.NewTable(w).
		WithHeader(header).
		WithColumnAlignment(colAlign).
		WithHeaderAlignment(headAlign).
		WithRows(rows).
		Render()
}

// PrintModule disassembles every function in the module, each under a
// heading with its name, arity, and frame shape.
func PrintModule(mod *bytecode.Module, w io.Writer) error {
	for i := 0; i < mod.FunctionCount(); i++ {
		meta := mod.FunctionAt(i)
		if i > 0 {
			fmt.Fprintln(w)
		}
		name := meta.Name
		if name == "" {
			name = "<anonymous>"
		}
		heading := fmt.Sprintf("func %s (arity %d, locals %d", name, meta.Arity, meta.LocalCount)
		if n := meta.UpvalueCount(); n > 0 {
			heading += fmt.Sprintf(", upvalues %d", n)
		}
		heading += ")"
		fmt.Fprintln(w, bold(heading))

		instructions, err := Function(mod, i)
		if err != nil {
			return err
		}
		Print(instructions, w)
	}
	return nil
}

func formatOperands(operands []int64) string {
	var sb strings.Builder
	for i, v := range operands {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.FormatInt(v, 10))
	}
	return sb.String()
}
