package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cinderlang/cinder/op"
)

func TestInstructionIterWalk(t *testing.T) {
	code := []byte{
		byte(op.PushInt), 0xFF, 0xFF, 0xFF, 0xFB, // -5
		byte(op.LoadConst), 0x00, 0x07,
		byte(op.Add),
		byte(op.Ext), byte(op.ExtWrite), 0x00,
		byte(op.Return),
	}
	ins, err := NewInstructionIter(code).All()
	require.NoError(t, err)
	require.Len(t, ins, 5)

	require.Equal(t, 0, ins[0].Offset)
	require.Equal(t, op.PushInt, ins[0].Opcode)
	require.Equal(t, []int64{-5}, ins[0].Operands)
	require.Equal(t, 5, ins[0].Size)

	require.Equal(t, 5, ins[1].Offset)
	require.Equal(t, op.LoadConst, ins[1].Opcode)
	require.Equal(t, []int64{7}, ins[1].Operands)
	require.Equal(t, 3, ins[1].Size)

	require.Equal(t, 8, ins[2].Offset)
	require.Equal(t, op.Add, ins[2].Opcode)
	require.Empty(t, ins[2].Operands)
	require.Equal(t, 1, ins[2].Size)

	require.Equal(t, 9, ins[3].Offset)
	require.Equal(t, op.Ext, ins[3].Opcode)
	require.Equal(t, op.ExtWrite, ins[3].Ext)
	require.Equal(t, []int64{0}, ins[3].Operands)
	require.Equal(t, 3, ins[3].Size)
	require.Equal(t, "EXT_WRITE", ins[3].Info().Name)

	require.Equal(t, 12, ins[4].Offset)
	require.Equal(t, op.Return, ins[4].Opcode)
}

func TestInstructionIterBranchSignExtension(t *testing.T) {
	code := []byte{byte(op.Jump), 0xFF, 0xFD, byte(op.Return)}
	it := NewInstructionIter(code)

	in, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, op.Jump, in.Opcode)
	require.Equal(t, []int64{-3}, in.Operands)
	require.Equal(t, 0, in.Target())
}

func TestInstructionIterUnknownOpcode(t *testing.T) {
	_, _, err := NewInstructionIter([]byte{0xEE}).Next()
	require.ErrorContains(t, err, "unknown opcode 0xEE")

	_, _, err = NewInstructionIter([]byte{byte(op.Ext), 0xEE}).Next()
	require.ErrorContains(t, err, "unknown extended opcode 0xEE")
}

func TestInstructionIterTruncated(t *testing.T) {
	_, _, err := NewInstructionIter([]byte{byte(op.LoadConst), 0x00}).Next()
	require.ErrorContains(t, err, "truncated operand")

	_, _, err = NewInstructionIter([]byte{byte(op.Ext)}).Next()
	require.ErrorContains(t, err, "truncated extended opcode")
}

func TestInstructionIterEmpty(t *testing.T) {
	_, ok, err := NewInstructionIter(nil).Next()
	require.NoError(t, err)
	require.False(t, ok)
}
