// Package op defines the opcodes executed by the Cinder virtual machine.
//
// Instructions are byte oriented: one opcode byte followed by zero or more
// fixed-width operands. The opcode value 0xFF is reserved as an escape
// prefix; the byte after it selects an opcode from a second, separately
// numbered "extended" instruction space (see ExtCode).
package op

// Code is a single-byte opcode in the primary instruction space.
type Code byte

const (
	Invalid Code = 0

	// Execution
	Nop    Code = 1
	Halt   Code = 2
	Call   Code = 3
	Return Code = 4

	// Stack
	Pop  Code = 10
	Dup  Code = 11
	Swap Code = 12

	// Push constants
	Null      Code = 20
	True      Code = 21
	False     Code = 22
	PushInt   Code = 23
	LoadConst Code = 24

	// Load / store
	LoadLocal    Code = 30
	StoreLocal   Code = 31
	LoadGlobal   Code = 32
	StoreGlobal  Code = 33
	LoadUpvalue  Code = 34
	StoreUpvalue Code = 35

	// Arithmetic
	Add    Code = 40
	Sub    Code = 41
	Mul    Code = 42
	Div    Code = 43
	Mod    Code = 44
	Negate Code = 45

	// Bitwise
	BitAnd Code = 50
	BitOr  Code = 51
	BitXor Code = 52
	BitNot Code = 53
	Shl    Code = 54
	Shr    Code = 55

	// Logic / comparison
	Not       Code = 60
	Equal     Code = 61
	NotEqual  Code = 62
	Less      Code = 63
	LessEq    Code = 64
	Greater   Code = 65
	GreaterEq Code = 66

	// Containers
	BuildArray Code = 70
	BuildMap   Code = 71
	GetIndex   Code = 72
	SetIndex   Code = 73
	Length     Code = 74

	// Control flow. Jump operands are signed 16-bit deltas relative to
	// the instruction that follows the jump.
	Jump          Code = 80
	JumpIfFalse   Code = 81
	JumpIfTrue    Code = 82
	JumpIfNull    Code = 83
	JumpIfNotNull Code = 84

	// Closures
	MakeClosure   Code = 90
	CloseUpvalues Code = 91

	// Classes
	BuildClass Code = 100
	GetField   Code = 101
	SetField   Code = 102
	CallMethod Code = 103

	// Exception handling
	TryBegin Code = 110
	TryEnd   Code = 111
	Throw    Code = 112

	// Ext is the escape prefix introducing the extended instruction
	// space. The byte following it is an ExtCode.
	Ext Code = 0xFF
)

// ExtCode is a single-byte opcode in the extended instruction space,
// selected by the byte following an Ext prefix. The extended space is
// reserved for I/O, scheduling primitives, debug traps, and heap
// introspection ops that do not belong in the primary space.
type ExtCode byte

const (
	ExtInvalid ExtCode = 0

	// Host I/O
	ExtWrite ExtCode = 1
	ExtRead  ExtCode = 2

	// Debug and scheduling
	ExtTrap  ExtCode = 3
	ExtYield ExtCode = 4

	// Heap introspection
	ExtGCCollect ExtCode = 5
	ExtGCStat    ExtCode = 6
)

// Info describes one opcode: its name and the byte width of each of its
// operands. The total encoded size of an instruction is 1 (the opcode) plus
// the sum of the operand widths, plus 1 more for the extended space prefix.
type Info struct {
	Code   Code
	Name   string
	Widths []int
}

// OperandCount returns the number of operands the opcode takes.
func (i Info) OperandCount() int {
	return len(i.Widths)
}

// Size returns the encoded size of the instruction in bytes, excluding the
// escape prefix for extended opcodes.
func (i Info) Size() int {
	size := 1
	for _, w := range i.Widths {
		size += w
	}
	return size
}

var infos = make([]Info, 256)

var extInfos = make([]Info, 256)

func init() {
	type opInfo struct {
		op     Code
		name   string
		widths []int
	}
	ops := []opInfo{
		{Nop, "NOP", nil},
		{Halt, "HALT", nil},
		{Call, "CALL", []int{1}},
		{Return, "RETURN", nil},
		{Pop, "POP", nil},
		{Dup, "DUP", nil},
		{Swap, "SWAP", nil},
		{Null, "NULL", nil},
		{True, "TRUE", nil},
		{False, "FALSE", nil},
		{PushInt, "PUSH_INT", []int{4}},
		{LoadConst, "LOAD_CONST", []int{2}},
		{LoadLocal, "LOAD_LOCAL", []int{2}},
		{StoreLocal, "STORE_LOCAL", []int{2}},
		{LoadGlobal, "LOAD_GLOBAL", []int{2}},
		{StoreGlobal, "STORE_GLOBAL", []int{2}},
		{LoadUpvalue, "LOAD_UPVALUE", []int{2}},
		{StoreUpvalue, "STORE_UPVALUE", []int{2}},
		{Add, "ADD", nil},
		{Sub, "SUB", nil},
		{Mul, "MUL", nil},
		{Div, "DIV", nil},
		{Mod, "MOD", nil},
		{Negate, "NEGATE", nil},
		{BitAnd, "BIT_AND", nil},
		{BitOr, "BIT_OR", nil},
		{BitXor, "BIT_XOR", nil},
		{BitNot, "BIT_NOT", nil},
		{Shl, "SHL", nil},
		{Shr, "SHR", nil},
		{Not, "NOT", nil},
		{Equal, "EQUAL", nil},
		{NotEqual, "NOT_EQUAL", nil},
		{Less, "LESS", nil},
		{LessEq, "LESS_EQ", nil},
		{Greater, "GREATER", nil},
		{GreaterEq, "GREATER_EQ", nil},
		{BuildArray, "BUILD_ARRAY", []int{2}},
		{BuildMap, "BUILD_MAP", []int{2}},
		{GetIndex, "GET_INDEX", nil},
		{SetIndex, "SET_INDEX", nil},
		{Length, "LENGTH", nil},
		{Jump, "JUMP", []int{2}},
		{JumpIfFalse, "JUMP_IF_FALSE", []int{2}},
		{JumpIfTrue, "JUMP_IF_TRUE", []int{2}},
		{JumpIfNull, "JUMP_IF_NULL", []int{2}},
		{JumpIfNotNull, "JUMP_IF_NOT_NULL", []int{2}},
		{MakeClosure, "MAKE_CLOSURE", []int{2}},
		{CloseUpvalues, "CLOSE_UPVALUES", []int{2}},
		{BuildClass, "BUILD_CLASS", []int{2, 2}},
		{GetField, "GET_FIELD", []int{2}},
		{SetField, "SET_FIELD", []int{2}},
		{CallMethod, "CALL_METHOD", []int{2, 1}},
		{TryBegin, "TRY_BEGIN", []int{2}},
		{TryEnd, "TRY_END", nil},
		{Throw, "THROW", nil},
		{Ext, "EXT", nil},
	}
	for _, o := range ops {
		infos[o.op] = Info{Code: o.op, Name: o.name, Widths: o.widths}
	}

	type extOpInfo struct {
		op     ExtCode
		name   string
		widths []int
	}
	extOps := []extOpInfo{
		{ExtWrite, "EXT_WRITE", []int{1}},
		{ExtRead, "EXT_READ", []int{1}},
		{ExtTrap, "EXT_TRAP", []int{1}},
		{ExtYield, "EXT_YIELD", nil},
		{ExtGCCollect, "EXT_GC_COLLECT", nil},
		{ExtGCStat, "EXT_GC_STAT", []int{1}},
	}
	for _, o := range extOps {
		extInfos[o.op] = Info{Code: Code(o.op), Name: o.name, Widths: o.widths}
	}
}

// GetInfo returns information about the given primary-space opcode.
func GetInfo(c Code) Info {
	return infos[c]
}

// GetExtInfo returns information about the given extended-space opcode.
func GetExtInfo(c ExtCode) Info {
	return extInfos[c]
}

// IsValid reports whether the byte names a known primary opcode (including
// the escape prefix).
func IsValid(c Code) bool {
	return c == Ext || infos[c].Name != ""
}

// IsValidExt reports whether the byte names a known extended opcode.
func IsValidExt(c ExtCode) bool {
	return extInfos[c].Name != ""
}

// IsBranch reports whether the opcode's first operand is a signed jump
// delta relative to the following instruction.
func IsBranch(c Code) bool {
	switch c {
	case Jump, JumpIfFalse, JumpIfTrue, JumpIfNull, JumpIfNotNull, TryBegin:
		return true
	}
	return false
}
