package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cinderlang/cinder/errz"
	"github.com/cinderlang/cinder/op"
)

// buildRichModule assembles a module that exercises every constant kind,
// nested functions with upvalues, globals, and a debug line table.
func buildRichModule(t *testing.T) *Module {
	t.Helper()
	b := NewBuilder()
	printSlot := b.Global("print")
	b.Global("counter")

	b.Function("main", 0, 2)
	b.SetLine(1)

	helper := b.Function("helper", 1, 1, UpvalueRef{InParentLocals: true, Index: 0})
	b.SetLine(7)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.Return)
	b.EndFunction()

	b.Emit(op.LoadConst, b.Constant(NullConstant()))
	b.Emit(op.LoadConst, b.Constant(BoolConstant(true)))
	b.Emit(op.Pop)
	b.Emit(op.Pop)
	b.SetLine(2)
	b.Emit(op.LoadConst, b.Int(42))
	b.Emit(op.StoreLocal, 0)
	b.Emit(op.LoadConst, b.Float(2.5))
	b.Emit(op.Pop)
	b.SetLine(3)
	b.Emit(op.LoadConst, b.Str("hello"))
	b.Emit(op.LoadGlobal, printSlot)
	b.Emit(op.Pop)
	b.Emit(op.Pop)
	b.Emit(op.MakeClosure, b.Constant(FunctionConstant(helper)))
	b.Emit(op.Return)
	b.EndFunction()

	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := buildRichModule(t)

	data, err := m.Encode()
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)

	require.Equal(t, m.Version(), back.Version())
	require.Equal(t, m.GlobalNames(), back.GlobalNames())
	require.Equal(t, m.ConstantCount(), back.ConstantCount())
	for i := 0; i < m.ConstantCount(); i++ {
		require.Equal(t, m.ConstantAt(i), back.ConstantAt(i), "constant %d", i)
	}
	require.Equal(t, m.FunctionCount(), back.FunctionCount())
	for i := 0; i < m.FunctionCount(); i++ {
		require.Equal(t, m.FunctionAt(i), back.FunctionAt(i), "function %d", i)
	}
	require.Equal(t, m.CopyInstructions(), back.CopyInstructions())
	require.True(t, back.HasLines())
	for offset := 0; offset < m.InstructionLen(); offset++ {
		require.Equal(t, m.LineFor(offset), back.LineFor(offset), "line at offset %d", offset)
	}

	// Canonical encoding: decoding and re-encoding reproduces the bytes.
	again, err := back.Encode()
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestEncodeDecodeWithoutDebugTable(t *testing.T) {
	b := NewBuilder()
	b.Function("main", 0, 0)
	b.Emit(op.Null)
	b.Emit(op.Return)
	b.EndFunction()

	data, err := b.Encode()
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	require.False(t, back.HasLines())
	require.Equal(t, 0, back.LineFor(0))
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	m := buildRichModule(t)
	data, err := m.Encode()
	require.NoError(t, err)

	data[0] = 'X'
	_, err = Decode(data)
	var de *errz.DecodeError
	require.ErrorAs(t, err, &de)
	require.ErrorContains(t, err, "bad magic")
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	m := buildRichModule(t)
	data, err := m.Encode()
	require.NoError(t, err)

	data[4] = 0xFF
	_, err = Decode(data)
	require.ErrorContains(t, err, "unsupported module version")
}

func TestDecodeRejectsEveryTruncation(t *testing.T) {
	m := buildRichModule(t)
	data, err := m.Encode()
	require.NoError(t, err)

	for i := 0; i < len(data); i++ {
		_, err := Decode(data[:i])
		require.Error(t, err, "prefix of %d bytes decoded successfully", i)
		var de *errz.DecodeError
		require.ErrorAs(t, err, &de, "prefix of %d bytes", i)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	m := buildRichModule(t)
	data, err := m.Encode()
	require.NoError(t, err)

	_, err = Decode(append(data, 0x00))
	require.ErrorContains(t, err, "trailing bytes")
}

func TestDecodeRejectsUnknownConstantTag(t *testing.T) {
	data := []byte{
		'C', 'N', 'D', 'R',
		0x00, 0x01, // version
		0x00, 0x00, // no globals
		0x00, 0x00, 0x00, 0x01, // one constant
		0x99, // bogus tag
	}
	_, err := Decode(data)
	require.ErrorContains(t, err, "unknown tag 0x99")
}

func TestDecodeRejectsCorruptDebugTable(t *testing.T) {
	data := []byte{
		'C', 'N', 'D', 'R',
		0x00, 0x01, // version
		0x00, 0x00, // no globals
		0x00, 0x00, 0x00, 0x00, // no constants
		0x00, 0x01, // one function
		0x00, 0x01, 'm', // name
		0x00,       // arity
		0x00,       // upvalue count
		0x00, 0x00, // local count
		0x00, 0x00, 0x00, 0x00, // code offset
		0x00, 0x00, 0x00, 0x01, // code length
		0x00, 0x00, 0x00, 0x01, // instruction length
		byte(op.Return),
		0x01,                   // debug flag
		0x00, 0x00, 0x00, 0x03, // debug length
		0xFF, 0xFF, 0xFF, // not valid CBOR
	}
	_, err := Decode(data)
	require.ErrorContains(t, err, "corrupt debug line table")
}

func TestDecodeRejectsBadUpvalueFlag(t *testing.T) {
	data := []byte{
		'C', 'N', 'D', 'R',
		0x00, 0x01,
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x01, // one function
		0x00, 0x01, 'm',
		0x00,       // arity
		0x01,       // one upvalue
		0x00, 0x00, // local count
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01,
		0x07,       // invalid source flag
		0x00, 0x00, // upvalue index
		0x00, 0x00, 0x00, 0x01,
		byte(op.Return),
		0x00,
	}
	_, err := Decode(data)
	require.ErrorContains(t, err, "invalid source flag 7")
}
