package errz

import (
	"fmt"
	"strings"
)

// StackFrame represents a single frame in a captured call stack.
type StackFrame struct {
	Function string
	Offset   int // instruction offset within the module
	Line     int // source line, 0 when no debug table is present
}

// String returns a formatted string representation of the stack frame.
func (f StackFrame) String() string {
	name := f.Function
	if name == "" {
		name = "<anonymous>"
	}
	if f.Line > 0 {
		return fmt.Sprintf("at %s (line %d)", name, f.Line)
	}
	return fmt.Sprintf("at %s (offset %d)", name, f.Offset)
}

// FormatStackTrace formats a slice of stack frames as a human-readable string.
func FormatStackTrace(frames []StackFrame) string {
	if len(frames) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Stack trace:\n")
	for _, frame := range frames {
		b.WriteString("  ")
		b.WriteString(frame.String())
		b.WriteString("\n")
	}
	return b.String()
}
