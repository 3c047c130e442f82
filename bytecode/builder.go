package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/cinderlang/cinder/op"
)

// Builder assembles a Module instruction by instruction. It is the
// assembly surface for front ends and tests; Build runs the same
// verification as Decode.
//
// Errors are sticky: the first failure is remembered and reported by
// Build, so emit sequences can stay unchecked.
type Builder struct {
	globals     []string
	globalIndex map[string]int

	constants  []Constant
	constIndex map[string]int

	functions []*fnState
	open      []*fnState // innermost last
	err       error
}

// fnState accumulates one function's code while it is being built.
// Line entries are relative to the function and rebased in Build.
type fnState struct {
	index    int
	name     string
	arity    int
	locals   int
	upvalues []UpvalueRef
	code     []byte
	lines    []LineEntry
	line     int
	patches  map[int]bool // open jump sites awaiting PatchJump
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		globalIndex: make(map[string]int),
		constIndex:  make(map[string]int),
	}
}

func (b *Builder) setErr(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

func (b *Builder) current() *fnState {
	if len(b.open) == 0 {
		return nil
	}
	return b.open[len(b.open)-1]
}

// Global interns a global variable name and returns its slot.
func (b *Builder) Global(name string) int {
	if i, ok := b.globalIndex[name]; ok {
		return i
	}
	i := len(b.globals)
	b.globals = append(b.globals, name)
	b.globalIndex[name] = i
	return i
}

// Constant interns a constant and returns its pool index. Identical
// constants share one entry.
func (b *Builder) Constant(c Constant) int {
	key := constKey(c)
	if i, ok := b.constIndex[key]; ok {
		return i
	}
	i := len(b.constants)
	b.constants = append(b.constants, c)
	b.constIndex[key] = i
	return i
}

// Int interns an integer constant and returns its pool index.
func (b *Builder) Int(v int64) int {
	return b.Constant(IntConstant(v))
}

// Float interns a float constant and returns its pool index.
func (b *Builder) Float(v float64) int {
	return b.Constant(FloatConstant(v))
}

// Str interns a string constant and returns its pool index.
func (b *Builder) Str(s string) int {
	return b.Constant(StringConstant(s))
}

// constKey maps a constant to its dedupe key. Floats are keyed by bit
// pattern so that 0.0 and -0.0 stay distinct entries.
func constKey(c Constant) string {
	switch c.Kind {
	case ConstNull:
		return "n"
	case ConstBool:
		if c.Bool {
			return "bt"
		}
		return "bf"
	case ConstInt:
		return "i" + strconv.FormatInt(c.Int, 10)
	case ConstFloat:
		return "f" + strconv.FormatUint(math.Float64bits(c.Float), 16)
	case ConstString:
		return "s" + c.Str
	case ConstFunction:
		return "F" + strconv.Itoa(c.Fn)
	default:
		return "?"
	}
}

// Function begins a new function body and returns its table index. The
// first function started becomes the module entry point. Functions may
// nest; the enclosing function is suspended until EndFunction. The
// captures list where each of the new function's upvalues lives in the
// enclosing frame.
func (b *Builder) Function(name string, arity, localCount int, captures ...UpvalueRef) int {
	fs := &fnState{
		index:    len(b.functions),
		name:     name,
		arity:    arity,
		locals:   localCount,
		upvalues: append([]UpvalueRef(nil), captures...),
		patches:  make(map[int]bool),
	}
	b.functions = append(b.functions, fs)
	b.open = append(b.open, fs)
	return fs.index
}

// EndFunction closes the innermost open function.
func (b *Builder) EndFunction() {
	fs := b.current()
	if fs == nil {
		b.setErr("EndFunction without an open function")
		return
	}
	if len(fs.patches) > 0 {
		b.setErr("function %q has %d unpatched jumps", fs.name, len(fs.patches))
	}
	b.open = b.open[:len(b.open)-1]
}

// SetLine associates subsequently emitted instructions with a 1-based
// source line. Line 0 disables recording.
func (b *Builder) SetLine(line int) {
	fs := b.current()
	if fs == nil {
		b.setErr("SetLine outside a function")
		return
	}
	fs.line = line
}

// Position returns the current emit offset within the open function,
// for use as a backward jump target.
func (b *Builder) Position() int {
	fs := b.current()
	if fs == nil {
		return 0
	}
	return len(fs.code)
}

// Emit appends one primary-space instruction with its operands.
func (b *Builder) Emit(code op.Code, operands ...int) {
	fs := b.current()
	if fs == nil {
		b.setErr("Emit outside a function")
		return
	}
	if code == op.Ext {
		b.setErr("Emit cannot encode the escape prefix directly, use EmitExt")
		return
	}
	info := op.GetInfo(code)
	if info.Name == "" {
		b.setErr("unknown opcode %d", code)
		return
	}
	b.emit(fs, info, []byte{byte(code)}, operands)
}

// EmitExt appends one extended-space instruction with its operands.
func (b *Builder) EmitExt(code op.ExtCode, operands ...int) {
	fs := b.current()
	if fs == nil {
		b.setErr("EmitExt outside a function")
		return
	}
	info := op.GetExtInfo(code)
	if info.Name == "" {
		b.setErr("unknown extended opcode %d", code)
		return
	}
	b.emit(fs, info, []byte{byte(op.Ext), byte(code)}, operands)
}

func (b *Builder) emit(fs *fnState, info op.Info, prefix []byte, operands []int) {
	if len(operands) != info.OperandCount() {
		b.setErr("%s wants %d operands, got %d", info.Name, info.OperandCount(), len(operands))
		return
	}
	fs.noteLine()
	fs.code = append(fs.code, prefix...)
	for i, v := range operands {
		switch info.Widths[i] {
		case 1:
			if v < 0 || v > math.MaxUint8 {
				b.setErr("%s operand %d out of byte range: %d", info.Name, i, v)
				return
			}
			fs.code = append(fs.code, byte(v))
		case 2:
			if v < math.MinInt16 || v > math.MaxUint16 {
				b.setErr("%s operand %d out of 16-bit range: %d", info.Name, i, v)
				return
			}
			fs.code = binary.BigEndian.AppendUint16(fs.code, uint16(v))
		case 4:
			if v < math.MinInt32 || v > math.MaxUint32 {
				b.setErr("%s operand %d out of 32-bit range: %d", info.Name, i, v)
				return
			}
			fs.code = binary.BigEndian.AppendUint32(fs.code, uint32(v))
		}
	}
}

// EmitJump emits a branch with a placeholder delta and returns a patch
// site for PatchJump.
func (b *Builder) EmitJump(code op.Code) int {
	fs := b.current()
	if fs == nil {
		b.setErr("EmitJump outside a function")
		return 0
	}
	if !op.IsBranch(code) {
		b.setErr("%s is not a branch", op.GetInfo(code).Name)
		return 0
	}
	fs.noteLine()
	fs.code = append(fs.code, byte(code), 0xFF, 0xFF)
	site := len(fs.code) - 2
	fs.patches[site] = true
	return site
}

// PatchJump points the branch at the given patch site to the current
// position.
func (b *Builder) PatchJump(site int) {
	fs := b.current()
	if fs == nil {
		b.setErr("PatchJump outside a function")
		return
	}
	if !fs.patches[site] {
		b.setErr("patch site %d is not an open jump", site)
		return
	}
	delete(fs.patches, site)
	delta := len(fs.code) - (site + 2)
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		b.setErr("jump distance %d exceeds 16-bit range", delta)
		return
	}
	binary.BigEndian.PutUint16(fs.code[site:], uint16(delta))
}

// EmitJumpTo emits a branch directly to a known offset, typically a
// loop head recorded with Position.
func (b *Builder) EmitJumpTo(code op.Code, target int) {
	fs := b.current()
	if fs == nil {
		b.setErr("EmitJumpTo outside a function")
		return
	}
	if !op.IsBranch(code) {
		b.setErr("%s is not a branch", op.GetInfo(code).Name)
		return
	}
	delta := target - (len(fs.code) + 3)
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		b.setErr("jump distance %d exceeds 16-bit range", delta)
		return
	}
	fs.noteLine()
	fs.code = append(fs.code, byte(code))
	fs.code = binary.BigEndian.AppendUint16(fs.code, uint16(delta))
}

// noteLine records a line table entry when the current line differs
// from the last recorded one.
func (fs *fnState) noteLine() {
	if fs.line <= 0 {
		return
	}
	if n := len(fs.lines); n > 0 && fs.lines[n-1].Line == uint32(fs.line) {
		return
	}
	fs.lines = append(fs.lines, LineEntry{Offset: uint32(len(fs.code)), Line: uint32(fs.line)})
}

// Build assembles and verifies the module. Function code is laid out in
// the shared instruction stream in function table order.
func (b *Builder) Build() (*Module, error) {
	if b.err != nil {
		return nil, b.err
	}
	if n := len(b.open); n > 0 {
		return nil, fmt.Errorf("%d functions still open, missing EndFunction", n)
	}
	if len(b.functions) == 0 {
		return nil, fmt.Errorf("module has no functions")
	}

	var instructions []byte
	var lines []LineEntry
	metas := make([]FunctionMeta, 0, len(b.functions))
	for _, fs := range b.functions {
		offset := len(instructions)
		metas = append(metas, FunctionMeta{
			Name:       fs.name,
			Arity:      fs.arity,
			LocalCount: fs.locals,
			CodeOffset: offset,
			CodeLength: len(fs.code),
			Upvalues:   fs.upvalues,
		})
		instructions = append(instructions, fs.code...)
		for _, le := range fs.lines {
			lines = append(lines, LineEntry{Offset: le.Offset + uint32(offset), Line: le.Line})
		}
	}

	return New(Params{
		GlobalNames:  b.globals,
		Constants:    b.constants,
		Functions:    metas,
		Instructions: instructions,
		Lines:        lines,
	})
}

// Encode is shorthand for Build followed by Module.Encode.
func (b *Builder) Encode() ([]byte, error) {
	m, err := b.Build()
	if err != nil {
		return nil, err
	}
	return m.Encode()
}
