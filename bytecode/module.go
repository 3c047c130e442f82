package bytecode

import "fmt"

// ConstantKind discriminates the payload of a constant pool entry.
type ConstantKind uint8

const (
	ConstNull ConstantKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstString
	ConstFunction
)

// String returns a human-readable name for the constant kind.
func (k ConstantKind) String() string {
	switch k {
	case ConstNull:
		return "null"
	case ConstBool:
		return "bool"
	case ConstInt:
		return "int"
	case ConstFloat:
		return "float"
	case ConstString:
		return "string"
	case ConstFunction:
		return "function"
	default:
		return fmt.Sprintf("ConstantKind(%d)", uint8(k))
	}
}

// Constant is one constant pool entry. Kind selects which payload field
// is meaningful; the others are zero.
type Constant struct {
	Kind  ConstantKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Fn    int // function table index, for ConstFunction
}

// NullConstant returns the null constant.
func NullConstant() Constant {
	return Constant{Kind: ConstNull}
}

// BoolConstant returns a boolean constant.
func BoolConstant(v bool) Constant {
	return Constant{Kind: ConstBool, Bool: v}
}

// IntConstant returns an integer constant.
func IntConstant(v int64) Constant {
	return Constant{Kind: ConstInt, Int: v}
}

// FloatConstant returns a floating point constant.
func FloatConstant(v float64) Constant {
	return Constant{Kind: ConstFloat, Float: v}
}

// StringConstant returns a string constant.
func StringConstant(s string) Constant {
	return Constant{Kind: ConstString, Str: s}
}

// FunctionConstant returns a constant referencing an entry in the
// module's function table.
func FunctionConstant(index int) Constant {
	return Constant{Kind: ConstFunction, Fn: index}
}

// UpvalueRef tells a MakeClosure site where one captured variable lives
// in the enclosing frame at capture time.
type UpvalueRef struct {
	// InParentLocals selects capture from a local slot of the enclosing
	// frame. When false, the closure re-captures one of the enclosing
	// function's own upvalues instead.
	InParentLocals bool
	Index          uint16
}

// FunctionMeta describes one compiled function. Its code is the window
// [CodeOffset, CodeOffset+CodeLength) of the module's instruction stream.
type FunctionMeta struct {
	Name       string
	Arity      int // parameter count
	LocalCount int // local slots, parameters included
	CodeOffset int
	CodeLength int
	Upvalues   []UpvalueRef
}

// UpvalueCount returns the number of upvalues the function captures.
func (f FunctionMeta) UpvalueCount() int {
	return len(f.Upvalues)
}

// LineEntry maps an instruction offset to a 1-based source line. The
// mapping is run length encoded: an entry covers all offsets up to the
// next entry.
type LineEntry struct {
	Offset uint32 `cbor:"o"`
	Line   uint32 `cbor:"l"`
}

// Module is a complete compiled unit ready for loading into a VM.
// It is immutable after creation and safe for concurrent use.
type Module struct {
	version      uint16
	globalNames  []string
	constants    []Constant
	functions    []FunctionMeta
	instructions []byte
	lines        []LineEntry
}

// Params contains parameters for creating a new Module.
type Params struct {
	GlobalNames  []string
	Constants    []Constant
	Functions    []FunctionMeta
	Instructions []byte
	Lines        []LineEntry
}

// New creates an immutable Module from the given parameters. Input
// slices are copied. The module is verified eagerly; a malformed module
// is reported as an *errz.DecodeError and never returned.
func New(params Params) (*Module, error) {
	m := &Module{
		version:      Version,
		globalNames:  copyStrings(params.GlobalNames),
		constants:    copyConstants(params.Constants),
		functions:    copyFunctions(params.Functions),
		instructions: copyBytes(params.Instructions),
		lines:        copyLines(params.Lines),
	}
	if err := m.verify(); err != nil {
		return nil, err
	}
	return m, nil
}

// Version returns the wire format version the module was built with.
func (m *Module) Version() uint16 {
	return m.version
}

// GlobalCount returns the number of global variable slots.
func (m *Module) GlobalCount() int {
	return len(m.globalNames)
}

// GlobalName returns the name bound to the given global slot.
// Returns an empty string if the index is out of range.
func (m *Module) GlobalName(index int) string {
	if index < 0 || index >= len(m.globalNames) {
		return ""
	}
	return m.globalNames[index]
}

// GlobalIndex returns the slot bound to the given global name.
func (m *Module) GlobalIndex(name string) (int, bool) {
	for i, n := range m.globalNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// GlobalNames returns a copy of all global variable names in slot order.
func (m *Module) GlobalNames() []string {
	return copyStrings(m.globalNames)
}

// ConstantCount returns the number of constant pool entries.
func (m *Module) ConstantCount() int {
	return len(m.constants)
}

// ConstantAt returns the constant at the given pool index.
func (m *Module) ConstantAt(index int) Constant {
	return m.constants[index]
}

// FunctionCount returns the number of functions in the module.
func (m *Module) FunctionCount() int {
	return len(m.functions)
}

// FunctionAt returns the function table entry at the given index.
// The returned meta shares its upvalue slice with the module; treat it
// as read only.
func (m *Module) FunctionAt(index int) FunctionMeta {
	return m.functions[index]
}

// EntryFunction returns function 0, the module entry point.
func (m *Module) EntryFunction() FunctionMeta {
	return m.functions[0]
}

// InstructionLen returns the byte length of the instruction stream.
func (m *Module) InstructionLen() int {
	return len(m.instructions)
}

// InstructionAt returns the instruction byte at the given offset.
func (m *Module) InstructionAt(offset int) byte {
	return m.instructions[offset]
}

// CopyInstructions returns a copy of the full instruction stream.
func (m *Module) CopyInstructions() []byte {
	return copyBytes(m.instructions)
}

// FunctionCode returns a copy of one function's instruction window.
func (m *Module) FunctionCode(index int) []byte {
	f := m.functions[index]
	return copyBytes(m.instructions[f.CodeOffset : f.CodeOffset+f.CodeLength])
}

// HasLines reports whether the module carries a debug line table.
func (m *Module) HasLines() bool {
	return len(m.lines) > 0
}

// LineFor returns the source line for the instruction at the given
// offset in the module's instruction stream, or 0 when the module has
// no line information covering that offset.
func (m *Module) LineFor(offset int) int {
	lo, hi := 0, len(m.lines)
	for lo < hi {
		mid := (lo + hi) / 2
		if int(m.lines[mid].Offset) <= offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0
	}
	return int(m.lines[lo-1].Line)
}

// Stats describes the shape of a module for tooling.
type Stats struct {
	InstructionBytes int
	InstructionCount int
	ConstantCount    int
	GlobalCount      int
	FunctionCount    int
	HasDebugLines    bool
}

// Stats returns statistics about the module.
func (m *Module) Stats() Stats {
	count := 0
	for _, f := range m.functions {
		it := NewInstructionIter(m.instructions[f.CodeOffset : f.CodeOffset+f.CodeLength])
		for {
			_, ok, err := it.Next()
			if err != nil || !ok {
				break
			}
			count++
		}
	}
	return Stats{
		InstructionBytes: len(m.instructions),
		InstructionCount: count,
		ConstantCount:    len(m.constants),
		GlobalCount:      len(m.globalNames),
		FunctionCount:    len(m.functions),
		HasDebugLines:    len(m.lines) > 0,
	}
}

// copyStrings returns a copy of the given string slice.
func copyStrings(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

// copyBytes returns a copy of the given byte slice.
func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// copyConstants returns a copy of the given constant slice.
func copyConstants(src []Constant) []Constant {
	if src == nil {
		return nil
	}
	dst := make([]Constant, len(src))
	copy(dst, src)
	return dst
}

// copyFunctions returns a deep copy of the given function table.
func copyFunctions(src []FunctionMeta) []FunctionMeta {
	if src == nil {
		return nil
	}
	dst := make([]FunctionMeta, len(src))
	copy(dst, src)
	for i := range dst {
		if dst[i].Upvalues != nil {
			ups := make([]UpvalueRef, len(dst[i].Upvalues))
			copy(ups, dst[i].Upvalues)
			dst[i].Upvalues = ups
		}
	}
	return dst
}

// copyLines returns a copy of the given line table.
func copyLines(src []LineEntry) []LineEntry {
	if src == nil {
		return nil
	}
	dst := make([]LineEntry, len(src))
	copy(dst, src)
	return dst
}
