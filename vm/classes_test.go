package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/errz"
	"github.com/cinderlang/cinder/object"
	"github.com/cinderlang/cinder/op"
)

func TestClassInstantiationAndFields(t *testing.T) {
	result, err := runMain(t, 1, func(b *bytecode.Builder) {
		b.Emit(op.BuildClass, b.Str("Point"), 0)
		b.Emit(op.Call, 0)
		b.Emit(op.StoreLocal, 0)
		b.Emit(op.LoadLocal, 0)
		b.Emit(op.PushInt, 7)
		b.Emit(op.SetField, b.Str("x"))
		b.Emit(op.LoadLocal, 0)
		b.Emit(op.GetField, b.Str("x"))
		b.Emit(op.Return)
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), result.Int())
}

// The initializer receives the instance as its first argument, and the
// instance is what instantiation yields no matter what init returns.
func TestClassInit(t *testing.T) {
	mod := build(t, func(b *bytecode.Builder) {
		b.Function("main", 0, 0)

		initFn := b.Function("init", 2, 2)
		b.Emit(op.LoadLocal, 0)
		b.Emit(op.LoadLocal, 1)
		b.Emit(op.SetField, b.Str("v"))
		b.Emit(op.Null)
		b.Emit(op.Return)
		b.EndFunction()

		b.Emit(op.LoadConst, b.Str("init"))
		b.Emit(op.LoadConst, b.Constant(bytecode.FunctionConstant(initFn)))
		b.Emit(op.BuildClass, b.Str("Box"), 1)
		b.Emit(op.PushInt, 7)
		b.Emit(op.Call, 1)
		b.Emit(op.GetField, b.Str("v"))
		b.Emit(op.Return)
		b.EndFunction()
	})
	result, err := Run(context.Background(), mod)
	require.NoError(t, err)
	require.Equal(t, int64(7), result.Int())
}

func TestMethodCall(t *testing.T) {
	mod := build(t, func(b *bytecode.Builder) {
		b.Function("main", 0, 1)

		bump := b.Function("bump", 1, 1)
		b.Emit(op.LoadLocal, 0)
		b.Emit(op.LoadLocal, 0)
		b.Emit(op.GetField, b.Str("n"))
		b.Emit(op.PushInt, 1)
		b.Emit(op.Add)
		b.Emit(op.SetField, b.Str("n"))
		b.Emit(op.Null)
		b.Emit(op.Return)
		b.EndFunction()

		get := b.Function("get", 1, 1)
		b.Emit(op.LoadLocal, 0)
		b.Emit(op.GetField, b.Str("n"))
		b.Emit(op.Return)
		b.EndFunction()

		b.Emit(op.LoadConst, b.Str("bump"))
		b.Emit(op.LoadConst, b.Constant(bytecode.FunctionConstant(bump)))
		b.Emit(op.LoadConst, b.Str("get"))
		b.Emit(op.LoadConst, b.Constant(bytecode.FunctionConstant(get)))
		b.Emit(op.BuildClass, b.Str("Counter"), 2)
		b.Emit(op.Call, 0)
		b.Emit(op.StoreLocal, 0)
		b.Emit(op.LoadLocal, 0)
		b.Emit(op.PushInt, 0)
		b.Emit(op.SetField, b.Str("n"))
		for i := 0; i < 2; i++ {
			b.Emit(op.LoadLocal, 0)
			b.Emit(op.CallMethod, b.Str("bump"), 0)
			b.Emit(op.Pop)
		}
		b.Emit(op.LoadLocal, 0)
		b.Emit(op.CallMethod, b.Str("get"), 0)
		b.Emit(op.Return)
		b.EndFunction()
	})
	result, err := Run(context.Background(), mod)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Int())
}

// Reading a method off the class itself yields it as a plain callable.
func TestMethodExtractedFromClass(t *testing.T) {
	mod := build(t, func(b *bytecode.Builder) {
		b.Function("main", 0, 0)

		answer := b.Function("answer", 1, 1)
		b.Emit(op.PushInt, 42)
		b.Emit(op.Return)
		b.EndFunction()

		b.Emit(op.LoadConst, b.Str("answer"))
		b.Emit(op.LoadConst, b.Constant(bytecode.FunctionConstant(answer)))
		b.Emit(op.BuildClass, b.Str("Oracle"), 1)
		b.Emit(op.GetField, b.Str("answer"))
		b.Emit(op.Null)
		b.Emit(op.Call, 1)
		b.Emit(op.Return)
		b.EndFunction()
	})
	result, err := Run(context.Background(), mod)
	require.NoError(t, err)
	require.Equal(t, int64(42), result.Int())
}

// A registered native works as a method body like any other callable.
func TestNativeMethod(t *testing.T) {
	mod := build(t, func(b *bytecode.Builder) {
		tag := b.Global("tag")
		b.Function("main", 0, 0)
		b.Emit(op.LoadConst, b.Str("ans"))
		b.Emit(op.LoadGlobal, tag)
		b.Emit(op.BuildClass, b.Str("C"), 1)
		b.Emit(op.Call, 0)
		b.Emit(op.CallMethod, b.Str("ans"), 0)
		b.Emit(op.Return)
		b.EndFunction()
	})
	result, err := Run(context.Background(), mod,
		WithNative("tag", 1, func(ctx context.Context, args []object.Value) (object.Value, error) {
			obj := args[0].Object()
			if obj == nil || obj.Kind() != object.KindInstance {
				return object.Null, nil
			}
			return object.NewInt(42), nil
		}))
	require.NoError(t, err)
	require.Equal(t, int64(42), result.Int())
}

func TestUndefinedMethod(t *testing.T) {
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.BuildClass, b.Str("Empty"), 0)
		b.Emit(op.Call, 0)
		b.Emit(op.CallMethod, b.Str("nope"), 0)
		b.Emit(op.Return)
	})
	rerr := requireKind(t, err, errz.ErrIndexOutOfRange)
	require.Contains(t, rerr.Message, `undefined method "nope"`)
}

func TestUndefinedField(t *testing.T) {
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.BuildClass, b.Str("Empty"), 0)
		b.Emit(op.Call, 0)
		b.Emit(op.GetField, b.Str("ghost"))
		b.Emit(op.Return)
	})
	rerr := requireKind(t, err, errz.ErrIndexOutOfRange)
	require.Contains(t, rerr.Message, `undefined field "ghost" on Empty instance`)
}

func TestFieldOnNonInstance(t *testing.T) {
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.PushInt, 3)
		b.Emit(op.GetField, b.Str("x"))
		b.Emit(op.Return)
	})
	rerr := requireKind(t, err, errz.ErrTypeMismatch)
	require.Contains(t, rerr.Message, `cannot read field "x" of int`)
}

func TestSetFieldOnNonInstance(t *testing.T) {
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.Null)
		b.Emit(op.PushInt, 1)
		b.Emit(op.SetField, b.Str("x"))
		b.Emit(op.Null)
		b.Emit(op.Return)
	})
	rerr := requireKind(t, err, errz.ErrTypeMismatch)
	require.Contains(t, rerr.Message, `cannot set field "x" on null`)
}

func TestArgsWithoutInitRejected(t *testing.T) {
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.BuildClass, b.Str("Empty"), 0)
		b.Emit(op.PushInt, 1)
		b.Emit(op.Call, 1)
		b.Emit(op.Return)
	})
	rerr := requireKind(t, err, errz.ErrTypeMismatch)
	require.Contains(t, rerr.Message, "class Empty has no init method")
}

func TestNonCallableMethodRejectedAtBuildClass(t *testing.T) {
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.LoadConst, b.Str("m"))
		b.Emit(op.PushInt, 9)
		b.Emit(op.BuildClass, b.Str("Bad"), 1)
		b.Emit(op.Return)
	})
	rerr := requireKind(t, err, errz.ErrTypeMismatch)
	require.Contains(t, rerr.Message, `method "m" must be callable`)
}
