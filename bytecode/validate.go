package bytecode

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/cinderlang/cinder/errz"
	"github.com/cinderlang/cinder/op"
)

// verify checks the module's cross references eagerly so the VM can
// trust every index at run time. All problems are collected rather than
// stopping at the first.
func (m *Module) verify() error {
	var result *multierror.Error

	if len(m.functions) == 0 {
		result = multierror.Append(result, fmt.Errorf("module has no functions"))
	}

	for i, c := range m.constants {
		if c.Kind == ConstFunction && (c.Fn < 0 || c.Fn >= len(m.functions)) {
			result = multierror.Append(result,
				fmt.Errorf("constant %d references function %d of %d", i, c.Fn, len(m.functions)))
		}
	}

	for fi := range m.functions {
		f := m.functions[fi]
		if f.Arity < 0 || f.Arity > 255 {
			result = multierror.Append(result,
				fmt.Errorf("function %d (%s): arity %d out of range", fi, f.Name, f.Arity))
		}
		if f.LocalCount < 0 || f.LocalCount > 65535 {
			result = multierror.Append(result,
				fmt.Errorf("function %d (%s): local count %d out of range", fi, f.Name, f.LocalCount))
		}
		if f.Arity > f.LocalCount {
			result = multierror.Append(result,
				fmt.Errorf("function %d (%s): arity %d exceeds local count %d", fi, f.Name, f.Arity, f.LocalCount))
		}
		if len(f.Upvalues) > 255 {
			result = multierror.Append(result,
				fmt.Errorf("function %d (%s): %d upvalues exceeds 255", fi, f.Name, len(f.Upvalues)))
		}
		if f.CodeLength <= 0 {
			result = multierror.Append(result,
				fmt.Errorf("function %d (%s): empty code", fi, f.Name))
			continue
		}
		if f.CodeOffset < 0 || f.CodeOffset+f.CodeLength > len(m.instructions) {
			result = multierror.Append(result,
				fmt.Errorf("function %d (%s): code range [%d, %d) exceeds %d instruction bytes",
					fi, f.Name, f.CodeOffset, f.CodeOffset+f.CodeLength, len(m.instructions)))
			continue
		}
		if err := m.verifyCode(fi); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for i := 1; i < len(m.lines); i++ {
		if m.lines[i].Offset < m.lines[i-1].Offset {
			result = multierror.Append(result,
				fmt.Errorf("debug line table not sorted at entry %d", i))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return errz.NewDecodeError("module verification failed").WithCause(err)
	}
	return nil
}

// verifyCode walks one function's instruction window, checking opcodes,
// operand index ranges, branch targets, and that the function cannot run
// off the end of its code.
func (m *Module) verifyCode(fi int) error {
	f := m.functions[fi]
	code := m.instructions[f.CodeOffset : f.CodeOffset+f.CodeLength]

	var result *multierror.Error
	fail := func(offset int, format string, args ...any) {
		prefix := fmt.Sprintf("function %d (%s): offset %d: ", fi, f.Name, offset)
		result = multierror.Append(result, fmt.Errorf(prefix+format, args...))
	}

	starts := make(map[int]bool, len(code)/2)
	type branch struct{ offset, target int }
	var branches []branch
	terminal := false

	it := NewInstructionIter(code)
	for {
		in, ok, err := it.Next()
		if err != nil {
			// The stream is unreliable past a malformed instruction.
			result = multierror.Append(result, fmt.Errorf("function %d (%s): %w", fi, f.Name, err))
			return result.ErrorOrNil()
		}
		if !ok {
			break
		}
		starts[in.Offset] = true

		switch in.Opcode {
		case op.LoadConst:
			if idx := int(in.Operands[0]); idx >= len(m.constants) {
				fail(in.Offset, "constant index %d of %d", idx, len(m.constants))
			}
		case op.LoadLocal, op.StoreLocal:
			if idx := int(in.Operands[0]); idx >= f.LocalCount {
				fail(in.Offset, "local index %d of %d", idx, f.LocalCount)
			}
		case op.LoadGlobal, op.StoreGlobal:
			if idx := int(in.Operands[0]); idx >= len(m.globalNames) {
				fail(in.Offset, "global index %d of %d", idx, len(m.globalNames))
			}
		case op.LoadUpvalue, op.StoreUpvalue:
			if idx := int(in.Operands[0]); idx >= len(f.Upvalues) {
				fail(in.Offset, "upvalue index %d of %d", idx, len(f.Upvalues))
			}
		case op.CloseUpvalues:
			// The operand is a lower bound; LocalCount means "close nothing".
			if idx := int(in.Operands[0]); idx > f.LocalCount {
				fail(in.Offset, "close bound %d exceeds local count %d", idx, f.LocalCount)
			}
		case op.MakeClosure:
			idx := int(in.Operands[0])
			if idx >= len(m.constants) {
				fail(in.Offset, "constant index %d of %d", idx, len(m.constants))
				break
			}
			c := m.constants[idx]
			if c.Kind != ConstFunction {
				fail(in.Offset, "MAKE_CLOSURE expects a function constant, got %s", c.Kind)
				break
			}
			if c.Fn < 0 || c.Fn >= len(m.functions) {
				break // already reported against the constant pool
			}
			// Capture sites resolve against this function's frame.
			child := m.functions[c.Fn]
			for ui, uv := range child.Upvalues {
				if uv.InParentLocals {
					if int(uv.Index) >= f.LocalCount {
						fail(in.Offset, "closure %s upvalue %d captures local %d of %d",
							child.Name, ui, uv.Index, f.LocalCount)
					}
				} else if int(uv.Index) >= len(f.Upvalues) {
					fail(in.Offset, "closure %s upvalue %d re-captures upvalue %d of %d",
						child.Name, ui, uv.Index, len(f.Upvalues))
				}
			}
		case op.GetField, op.SetField, op.CallMethod, op.BuildClass:
			idx := int(in.Operands[0])
			if idx >= len(m.constants) {
				fail(in.Offset, "constant index %d of %d", idx, len(m.constants))
			} else if k := m.constants[idx].Kind; k != ConstString {
				fail(in.Offset, "%s expects a string constant for the name, got %s", in.Info().Name, k)
			}
		}

		if op.IsBranch(in.Opcode) {
			branches = append(branches, branch{in.Offset, in.Target()})
		}

		switch {
		case in.Opcode == op.Return, in.Opcode == op.Halt, in.Opcode == op.Throw, in.Opcode == op.Jump:
			terminal = true
		case in.Opcode == op.Ext && in.Ext == op.ExtTrap:
			terminal = true
		default:
			terminal = false
		}
	}

	for _, b := range branches {
		if b.target < 0 || b.target >= len(code) {
			fail(b.offset, "jump target %d is outside the function body", b.target)
		} else if !starts[b.target] {
			fail(b.offset, "jump target %d is not an instruction boundary", b.target)
		}
	}

	if !terminal {
		result = multierror.Append(result,
			fmt.Errorf("function %d (%s): control can run off the end of the code", fi, f.Name))
	}
	return result.ErrorOrNil()
}
