package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/cinderlang/cinder/op"
)

// Instruction is one decoded instruction.
type Instruction struct {
	Offset   int     // byte offset of the opcode within the iterated code
	Opcode   op.Code // op.Ext for extended-space instructions
	Ext      op.ExtCode
	Operands []int64 // operand values, sign extended where the operand is signed
	Size     int     // encoded size in bytes, escape prefix included
}

// Info returns the operand table entry for the instruction.
func (in Instruction) Info() op.Info {
	if in.Opcode == op.Ext {
		return op.GetExtInfo(in.Ext)
	}
	return op.GetInfo(in.Opcode)
}

// Target returns the branch destination as an offset within the iterated
// code. Only meaningful when the opcode is a branch.
func (in Instruction) Target() int {
	return in.Offset + in.Size + int(in.Operands[0])
}

// InstructionIter decodes instructions from a code slice one at a time.
type InstructionIter struct {
	code []byte
	pos  int
}

// NewInstructionIter creates an iterator over the given code slice.
// Offsets in the decoded instructions are relative to the slice start.
func NewInstructionIter(code []byte) *InstructionIter {
	return &InstructionIter{code: code}
}

// Next returns the next instruction. The boolean is false when the end
// of the code has been reached. A malformed stream (unknown opcode or
// truncated operands) stops iteration with an error.
func (it *InstructionIter) Next() (Instruction, bool, error) {
	if it.pos >= len(it.code) {
		return Instruction{}, false, nil
	}
	start := it.pos
	opcode := op.Code(it.code[it.pos])
	it.pos++

	var info op.Info
	var ext op.ExtCode
	if opcode == op.Ext {
		if it.pos >= len(it.code) {
			return Instruction{}, false, fmt.Errorf("truncated extended opcode at offset %d", start)
		}
		ext = op.ExtCode(it.code[it.pos])
		it.pos++
		if !op.IsValidExt(ext) {
			return Instruction{}, false, fmt.Errorf("unknown extended opcode 0x%02X at offset %d", byte(ext), start)
		}
		info = op.GetExtInfo(ext)
	} else {
		if !op.IsValid(opcode) {
			return Instruction{}, false, fmt.Errorf("unknown opcode 0x%02X at offset %d", byte(opcode), start)
		}
		info = op.GetInfo(opcode)
	}

	var operands []int64
	if n := info.OperandCount(); n > 0 {
		operands = make([]int64, 0, n)
	}
	for i, width := range info.Widths {
		if it.pos+width > len(it.code) {
			return Instruction{}, false, fmt.Errorf("truncated operand %d for %s at offset %d", i, info.Name, start)
		}
		raw := it.code[it.pos : it.pos+width]
		it.pos += width

		var v int64
		switch width {
		case 1:
			v = int64(raw[0])
		case 2:
			u := binary.BigEndian.Uint16(raw)
			if i == 0 && op.IsBranch(opcode) {
				v = int64(int16(u))
			} else {
				v = int64(u)
			}
		case 4:
			u := binary.BigEndian.Uint32(raw)
			if opcode == op.PushInt {
				v = int64(int32(u))
			} else {
				v = int64(u)
			}
		}
		operands = append(operands, v)
	}

	return Instruction{
		Offset:   start,
		Opcode:   opcode,
		Ext:      ext,
		Operands: operands,
		Size:     it.pos - start,
	}, true, nil
}

// All returns all remaining instructions as a newly allocated slice.
func (it *InstructionIter) All() ([]Instruction, error) {
	var results []Instruction
	for {
		in, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return results, nil
		}
		results = append(results, in)
	}
}
