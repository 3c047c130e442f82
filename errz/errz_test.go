package errz

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{ErrUnhandled, "unhandled exception"},
		{ErrStackUnderflow, "stack underflow"},
		{ErrStackOverflow, "stack overflow"},
		{ErrTypeMismatch, "type mismatch"},
		{ErrIndexOutOfRange, "index out of range"},
		{ErrUndefinedGlobal, "undefined global"},
		{ErrDivisionByZero, "division by zero"},
		{ErrCancelled, "cancelled"},
		{Kind(99), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestRuntimeError(t *testing.T) {
	err := NewRuntimeErrorf(ErrTypeMismatch, "cannot add string to int")
	require.Equal(t, "type mismatch: cannot add string to int", err.Error())

	err.Function = "main"
	err.Offset = 12
	require.Equal(t, "type mismatch: cannot add string to int (in main, offset 12)", err.Error())

	err.Line = 3
	require.Equal(t, "type mismatch: cannot add string to int (in main, line 3)", err.Error())
}

func TestRuntimeErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewRuntimeError(ErrCancelled, "execution cancelled").WithCause(cause)
	require.ErrorIs(t, err, cause)

	var rte *RuntimeError
	require.True(t, errors.As(fmt.Errorf("run failed: %w", err), &rte))
	require.Equal(t, ErrCancelled, rte.Kind)
}

func TestRuntimeErrorFriendlyMessage(t *testing.T) {
	err := NewRuntimeError(ErrDivisionByZero, "division by zero")
	err.Stack = []StackFrame{
		{Function: "inner", Offset: 40, Line: 8},
		{Function: "main", Offset: 7},
	}
	msg := err.FriendlyErrorMessage()
	require.Contains(t, msg, "division by zero")
	require.Contains(t, msg, "Stack trace:")
	require.Contains(t, msg, "at inner (line 8)")
	require.Contains(t, msg, "at main (offset 7)")
}

func TestStackFrameString(t *testing.T) {
	require.Equal(t, "at f (line 2)", StackFrame{Function: "f", Offset: 9, Line: 2}.String())
	require.Equal(t, "at f (offset 9)", StackFrame{Function: "f", Offset: 9}.String())
	require.Equal(t, "at <anonymous> (offset 0)", StackFrame{}.String())
}

func TestFormatStackTraceEmpty(t *testing.T) {
	require.Equal(t, "", FormatStackTrace(nil))
}

func TestDecodeError(t *testing.T) {
	err := NewDecodeErrorf("function %d", 2).WithCause(errors.New("jump target 99 out of range"))
	require.Equal(t, "decode error: function 2: jump target 99 out of range", err.Error())

	var de *DecodeError
	require.True(t, errors.As(fmt.Errorf("load: %w", err), &de))

	bare := NewDecodeError("bad magic")
	require.Equal(t, "decode error: bad magic", bare.Error())
	require.Nil(t, bare.Unwrap())
}

func TestAllocationError(t *testing.T) {
	err := NewAllocationError(128, 4000, 4096)
	require.Equal(t,
		"allocation failure: 128 bytes requested with 4000 live of 4096 byte limit",
		err.Error())

	var ae *AllocationError
	require.True(t, errors.As(fmt.Errorf("run: %w", err), &ae))
	require.Equal(t, int64(4096), ae.Limit)
}
