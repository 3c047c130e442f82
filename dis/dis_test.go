package dis

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/op"
)

// noColor disables colors for deterministic output.
func noColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestFunctionDisassembly(t *testing.T) {
	noColor(t)
	b := bytecode.NewBuilder()
	printGlobal := b.Global("print")
	b.Function("main", 0, 0)
	b.Emit(op.PushInt, 42)
	b.Emit(op.LoadConst, b.Str("kaboom"))
	b.Emit(op.LoadGlobal, printGlobal)
	b.Emit(op.Call, 1)
	b.Emit(op.Return)
	b.EndFunction()
	mod, err := b.Build()
	require.NoError(t, err)

	instructions, err := Function(mod, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	Print(instructions, &buf)

	expected := strings.TrimSpace(`
+--------+-------------+----------+----------+
| OFFSET |   OPCODE    | OPERANDS |   INFO   |
+--------+-------------+----------+----------+
|      0 | PUSH_INT    |       42 |          |
|      5 | LOAD_CONST  |        0 | "kaboom" |
|      8 | LOAD_GLOBAL |        0 | print    |
|     11 | CALL        |        1 |          |
|     13 | RETURN      |          |          |
+--------+-------------+----------+----------+
`)
	require.Equal(t, expected+"\n", buf.String())
}

func TestLineAndBranchAnnotations(t *testing.T) {
	noColor(t)
	b := bytecode.NewBuilder()
	b.Function("main", 0, 0)
	b.SetLine(1)
	b.Emit(op.True)
	site := b.EmitJump(op.JumpIfTrue)
	b.SetLine(2)
	b.Emit(op.Null)
	b.Emit(op.Return)
	b.PatchJump(site)
	b.SetLine(3)
	b.Emit(op.PushInt, 7)
	b.Emit(op.Return)
	b.EndFunction()
	mod, err := b.Build()
	require.NoError(t, err)

	instructions, err := Function(mod, 0)
	require.NoError(t, err)
	require.Len(t, instructions, 6)
	require.Equal(t, 1, instructions[0].Line)
	require.Equal(t, "-> 6", instructions[1].Annotation)
	require.Equal(t, 2, instructions[2].Line)
	require.Equal(t, 3, instructions[4].Line)

	var buf bytes.Buffer
	Print(instructions, &buf)
	out := buf.String()
	require.Contains(t, out, "LINE")
	require.Contains(t, out, "-> 6")
}

func TestExtendedAndConstantAnnotations(t *testing.T) {
	noColor(t)
	b := bytecode.NewBuilder()
	b.Function("main", 0, 1)
	helper := b.Function("helper", 0, 0, bytecode.UpvalueRef{InParentLocals: true, Index: 0})
	b.Emit(op.LoadUpvalue, 0)
	b.Emit(op.Return)
	b.EndFunction()
	b.Emit(op.LoadConst, b.Float(2.5))
	b.EmitExt(op.ExtWrite, 0)
	b.Emit(op.MakeClosure, b.Constant(bytecode.FunctionConstant(helper)))
	b.EmitExt(op.ExtGCStat, 2)
	b.Emit(op.Return)
	b.EndFunction()
	mod, err := b.Build()
	require.NoError(t, err)

	instructions, err := Function(mod, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	Print(instructions, &buf)
	out := buf.String()
	require.Contains(t, out, "EXT_WRITE")
	require.Contains(t, out, "output")
	require.Contains(t, out, "2.5")
	require.Contains(t, out, "func:helper")
	require.Contains(t, out, "EXT_GC_STAT")
	require.Contains(t, out, "live_objects")
}

func TestPrintModule(t *testing.T) {
	noColor(t)
	b := bytecode.NewBuilder()
	b.Function("main", 0, 1)
	helper := b.Function("helper", 0, 0, bytecode.UpvalueRef{InParentLocals: true, Index: 0})
	b.Emit(op.LoadUpvalue, 0)
	b.Emit(op.Return)
	b.EndFunction()
	b.Emit(op.MakeClosure, b.Constant(bytecode.FunctionConstant(helper)))
	b.Emit(op.Return)
	b.EndFunction()
	mod, err := b.Build()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, PrintModule(mod, &buf))
	out := buf.String()
	require.Contains(t, out, "func main (arity 0, locals 1)")
	require.Contains(t, out, "func helper (arity 0, locals 0, upvalues 1)")
	require.Contains(t, out, "MAKE_CLOSURE")
}

func TestFunctionIndexOutOfRange(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Function("main", 0, 0)
	b.Emit(op.Null)
	b.Emit(op.Return)
	b.EndFunction()
	mod, err := b.Build()
	require.NoError(t, err)

	_, err = Function(mod, 5)
	require.ErrorContains(t, err, "function index 5 out of range")
}
