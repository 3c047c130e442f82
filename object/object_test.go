package object

import (
	"testing"

	"github.com/cinderlang/cinder/errz"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	type testCase struct {
		kind Kind
		want string
	}
	testCases := []testCase{
		{KindString, "string"},
		{KindArray, "array"},
		{KindMap, "map"},
		{KindFunction, "function"},
		{KindClosure, "closure"},
		{KindUpvalue, "upvalue"},
		{KindClass, "class"},
		{KindInstance, "instance"},
		{KindNative, "native"},
		{KindError, "error"},
		{KindInvalid, "invalid"},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, tc.kind.String())
	}
}

func TestObjectHeader(t *testing.T) {
	a := NewString("a")
	b := NewString("b")
	require.False(t, a.Marked())
	a.SetMarked(true)
	require.True(t, a.Marked())
	a.SetMarked(false)
	require.False(t, a.Marked())

	require.Nil(t, a.NextObject())
	a.SetNextObject(b)
	require.Same(t, b, a.NextObject())
}

func TestObjectSizes(t *testing.T) {
	require.Equal(t, int64(headerSize+5), NewString("hello").Size())
	require.Equal(t, int64(headerSize), NewArray(nil).Size())
	require.Equal(t, int64(headerSize+2*elemSize), NewArray([]Value{Null, Null}).Size())
	require.Equal(t, int64(headerSize), NewMap(nil).Size())
	require.Equal(t, int64(upvalueSize), NewUpvalue(3).Size())
	require.Equal(t, int64(instanceSize), NewInstance(NewClass("C", nil)).Size())
}

func TestSetEntryCharge(t *testing.T) {
	m := NewMap(nil)
	before := m.Size()

	grown := m.SetEntry("key", NewInt(1))
	require.Equal(t, int64(entrySize+3), grown)
	require.Equal(t, before+grown, m.Size())

	// Overwriting an existing key charges nothing.
	require.Equal(t, int64(0), m.SetEntry("key", NewInt(2)))

	v, ok := m.Entry("key")
	require.True(t, ok)
	require.Equal(t, int64(2), v.Int())
}

func TestFunctionAccessors(t *testing.T) {
	fn := NewFunction("fib", 1, 4)
	require.Equal(t, "fib", fn.Name())
	require.Equal(t, 1, fn.Arity())
	require.Equal(t, 4, fn.FunctionMeta())
}

func TestClosureAccessors(t *testing.T) {
	fn := NewFunction("f", 0, 0)
	cl := NewClosure(fn, 2)
	require.Same(t, fn, cl.ClosureFunction())
	require.Len(t, cl.Upvalues(), 2)

	up := NewUpvalue(0)
	cl.SetUpvalue(1, up)
	require.Same(t, up, cl.Upvalues()[1])
}

func TestUpvalueOpenClose(t *testing.T) {
	stack := []Value{NewInt(10), NewInt(20), NewInt(30)}
	up := NewUpvalue(1)
	require.True(t, up.IsOpen())
	require.Equal(t, 1, up.Slot())
	require.Equal(t, int64(20), up.UpvalueGet(stack).Int())

	up.UpvalueSet(stack, NewInt(25))
	require.Equal(t, int64(25), stack[1].Int())

	up.UpvalueClose(stack)
	require.False(t, up.IsOpen())
	require.Equal(t, int64(25), up.UpvalueGet(nil).Int())

	// Mutating the stack after close no longer shows through.
	stack[1] = NewInt(99)
	require.Equal(t, int64(25), up.UpvalueGet(nil).Int())

	// Closing twice is a no-op.
	up.UpvalueClose(stack)
	require.Equal(t, int64(25), up.UpvalueGet(nil).Int())

	// Writes after close land in the object, not the stack.
	up.UpvalueSet(stack, NewInt(42))
	require.Equal(t, int64(42), up.UpvalueGet(nil).Int())
	require.Equal(t, int64(99), stack[1].Int())
}

func collectRefs(o *Object) []*Object {
	var refs []*Object
	EachRef(o, func(child *Object) {
		refs = append(refs, child)
	})
	return refs
}

func TestEachRefLeafKinds(t *testing.T) {
	for _, o := range []*Object{
		NewString("s"),
		NewFunction("f", 0, 0),
		NewNative("n", 0, nil, nil),
		NewError(errz.ErrTypeMismatch, "boom"),
	} {
		require.Empty(t, collectRefs(o), o.Kind().String())
	}
}

func TestEachRefArray(t *testing.T) {
	child := NewString("x")
	arr := NewArray([]Value{NewInt(1), child.Value(), Null})
	refs := collectRefs(arr)
	require.Len(t, refs, 1)
	require.Same(t, child, refs[0])
}

func TestEachRefMapAndClass(t *testing.T) {
	child := NewString("v")
	m := NewMap(map[string]Value{"a": child.Value(), "b": NewInt(2)})
	refs := collectRefs(m)
	require.Len(t, refs, 1)
	require.Same(t, child, refs[0])

	method := NewClosure(NewFunction("m", 0, 0), 0)
	cls := NewClass("C", map[string]Value{"m": method.Value()})
	refs = collectRefs(cls)
	require.Len(t, refs, 1)
	require.Same(t, method, refs[0])
}

func TestEachRefClosure(t *testing.T) {
	fn := NewFunction("f", 0, 0)
	cl := NewClosure(fn, 2)
	up := NewUpvalue(0)
	cl.SetUpvalue(0, up)
	// Slot 1 left nil: capture still in progress must not be visited.
	refs := collectRefs(cl)
	require.Len(t, refs, 2)
	require.Contains(t, refs, fn)
	require.Contains(t, refs, up)
}

func TestEachRefUpvalue(t *testing.T) {
	child := NewString("captured")
	stack := []Value{child.Value()}
	up := NewUpvalue(0)

	// Open upvalues report nothing: the stack slot is a root already.
	require.Empty(t, collectRefs(up))

	up.UpvalueClose(stack)
	refs := collectRefs(up)
	require.Len(t, refs, 1)
	require.Same(t, child, refs[0])
}

func TestEachRefInstance(t *testing.T) {
	cls := NewClass("C", nil)
	inst := NewInstance(cls)
	field := NewString("f")
	inst.SetEntry("name", field.Value())

	refs := collectRefs(inst)
	require.Len(t, refs, 2)
	require.Contains(t, refs, cls)
	require.Contains(t, refs, field)
}

func TestFinalizeNative(t *testing.T) {
	released := 0
	n := NewNative("handle", 0, nil, func() { released++ })
	Finalize(n)
	require.Equal(t, 1, released)

	// The hook runs once even if finalized again.
	Finalize(n)
	require.Equal(t, 1, released)

	// Kinds without external resources finalize to a no-op.
	Finalize(NewString("s"))
	Finalize(NewNative("bare", 0, nil, nil))
}
