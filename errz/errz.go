// Package errz defines the error types produced by the Cinder virtual
// machine: decode errors raised while loading a module, runtime errors
// raised during execution, and allocation failures raised when the heap
// hits its configured hard cap.
package errz

import (
	"bytes"
	"fmt"
)

// Kind categorizes a runtime error.
type Kind int

const (
	// ErrUnhandled indicates a thrown value that no handler caught.
	ErrUnhandled Kind = iota
	// ErrStackUnderflow indicates a pop from an empty operand stack.
	ErrStackUnderflow
	// ErrStackOverflow indicates operand stack or call stack exhaustion.
	ErrStackOverflow
	// ErrTypeMismatch indicates an operation applied to incompatible types.
	ErrTypeMismatch
	// ErrIndexOutOfRange indicates an out-of-range slot, element, or key.
	ErrIndexOutOfRange
	// ErrUndefinedGlobal indicates a read of a global that was never set.
	ErrUndefinedGlobal
	// ErrDivisionByZero indicates integer division or modulo by zero.
	ErrDivisionByZero
	// ErrCancelled indicates the run was cancelled by its context.
	ErrCancelled
)

// String returns the string representation of the error kind.
func (k Kind) String() string {
	switch k {
	case ErrUnhandled:
		return "unhandled exception"
	case ErrStackUnderflow:
		return "stack underflow"
	case ErrStackOverflow:
		return "stack overflow"
	case ErrTypeMismatch:
		return "type mismatch"
	case ErrIndexOutOfRange:
		return "index out of range"
	case ErrUndefinedGlobal:
		return "undefined global"
	case ErrDivisionByZero:
		return "division by zero"
	case ErrCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// RuntimeError is an error raised while executing bytecode. Runtime errors
// are recoverable inside the running program via its exception handlers and
// reach the host only when no handler catches them.
type RuntimeError struct {
	Kind     Kind
	Message  string
	Function string
	Offset   int
	Line     int
	Stack    []StackFrame
	Cause    error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Function == "" {
		return fmt.Sprintf("%s: %s", e.Kind.String(), e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (in %s, line %d)", e.Kind.String(), e.Message, e.Function, e.Line)
	}
	return fmt.Sprintf("%s: %s (in %s, offset %d)", e.Kind.String(), e.Message, e.Function, e.Offset)
}

// Unwrap returns the underlying cause of the error.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// FriendlyErrorMessage returns a human-friendly, multi-line rendering of
// the error including its stack trace.
func (e *RuntimeError) FriendlyErrorMessage() string {
	var msg bytes.Buffer
	msg.WriteString(fmt.Sprintf("%s: %s\n", e.Kind.String(), e.Message))
	if len(e.Stack) > 0 {
		msg.WriteString("\n")
		msg.WriteString(FormatStackTrace(e.Stack))
	}
	return msg.String()
}

// WithCause wraps the error with a cause.
func (e *RuntimeError) WithCause(cause error) *RuntimeError {
	e.Cause = cause
	return e
}

// NewRuntimeError creates a RuntimeError with the given kind and message.
func NewRuntimeError(kind Kind, message string) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: message}
}

// NewRuntimeErrorf creates a RuntimeError with a formatted message.
func NewRuntimeErrorf(kind Kind, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// DecodeError is an error raised while decoding or validating a bytecode
// module. Decode errors are detected eagerly at load time and are fatal to
// that load. The cause aggregates every problem validation found.
type DecodeError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode error: %s: %s", e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("decode error: %s", e.Message)
}

// Unwrap returns the aggregated validation detail.
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// NewDecodeError creates a DecodeError with the given message.
func NewDecodeError(message string) *DecodeError {
	return &DecodeError{Message: message}
}

// NewDecodeErrorf creates a DecodeError with a formatted message.
func NewDecodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{Message: fmt.Sprintf(format, args...)}
}

// WithCause wraps the error with the aggregated validation detail.
func (e *DecodeError) WithCause(cause error) *DecodeError {
	e.Cause = cause
	return e
}

// AllocationError is raised when an allocation would push the heap past its
// configured hard cap even after a forced collection. It is fatal to the
// run; programs cannot recover from it.
type AllocationError struct {
	Requested int64
	Live      int64
	Limit     int64
}

// Error implements the error interface.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation failure: %d bytes requested with %d live of %d byte limit",
		e.Requested, e.Live, e.Limit)
}

// NewAllocationError creates an AllocationError describing the failed request.
func NewAllocationError(requested, live, limit int64) *AllocationError {
	return &AllocationError{Requested: requested, Live: live, Limit: limit}
}
