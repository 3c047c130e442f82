package object

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cinderlang/cinder/errz"
)

// Kind identifies the concrete shape of a heap object. The enumeration is
// closed: the collector, the finalizer, and the size accounting all switch
// over it exhaustively.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindArray
	KindMap
	KindFunction
	KindClosure
	KindUpvalue
	KindClass
	KindInstance
	KindNative
	KindError
)

// String returns the name of the object kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindFunction:
		return "function"
	case KindClosure:
		return "closure"
	case KindUpvalue:
		return "upvalue"
	case KindClass:
		return "class"
	case KindInstance:
		return "instance"
	case KindNative:
		return "native"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// NativeFn is the implementation of a host-registered native function. The
// executing VM is reachable through the context for re-entry and pinning.
type NativeFn func(ctx context.Context, args []Value) (Value, error)

// Object is a heap allocation. Every object carries the same header: its
// kind, the collector's mark bit, and the next pointer threading it into
// the heap's intrusive list of all live objects. The remaining fields hold
// the per-kind payload; which fields are meaningful depends on the kind.
type Object struct {
	kind   Kind
	marked bool
	next   *Object
	size   int64

	str      string           // String bytes; Error message; Function, Class, and Native names
	elems    []Value          // Array elements
	entries  map[string]Value // Map entries, Class methods, Instance fields
	arity    int              // Function and Native arity (-1 for variadic natives)
	meta     int              // Function's index into the module function table
	ref      *Object          // Closure's function; Instance's class; Upvalue's next-open link
	upvalues []*Object        // Closure captures
	slot     int              // Upvalue's absolute stack slot while open
	closed   Value            // Upvalue's value once closed
	open     bool             // Upvalue still points at the stack
	errKind  errz.Kind        // Error kind
	native   NativeFn         // Native implementation
	release  func()           // Native finalizer hook
}

// Kind returns the object's kind.
func (o *Object) Kind() Kind {
	return o.kind
}

// Size returns the accounting bytes charged to the heap for this object.
func (o *Object) Size() int64 {
	return o.size
}

// Value returns a Value referencing this object.
func (o *Object) Value() Value {
	return Value{typ: TypeObject, obj: o}
}

// Marked reports the collector's mark bit. Heap bookkeeping.
func (o *Object) Marked() bool {
	return o.marked
}

// SetMarked sets the collector's mark bit. Heap bookkeeping.
func (o *Object) SetMarked(marked bool) {
	o.marked = marked
}

// NextObject returns the next object on the heap's intrusive list. Heap
// bookkeeping.
func (o *Object) NextObject() *Object {
	return o.next
}

// SetNextObject links the object into the heap's intrusive list. Heap
// bookkeeping.
func (o *Object) SetNextObject(next *Object) {
	o.next = next
}

// Accounting sizes are deterministic estimates, not machine bytes. They
// drive the collection threshold and the hard cap.
const (
	headerSize   = 48
	entrySize    = 64
	elemSize     = 16
	upvalueSize  = 64
	instanceSize = 96
	nativeSize   = 64
)

// NewString creates a string object.
func NewString(s string) *Object {
	return &Object{
		kind: KindString,
		str:  s,
		size: headerSize + int64(len(s)),
	}
}

// NewArray creates an array object owning the given element slice.
func NewArray(elems []Value) *Object {
	return &Object{
		kind:  KindArray,
		elems: elems,
		size:  headerSize + elemSize*int64(len(elems)),
	}
}

// NewMap creates a map object owning the given entries.
func NewMap(entries map[string]Value) *Object {
	if entries == nil {
		entries = map[string]Value{}
	}
	size := int64(headerSize)
	for k := range entries {
		size += entrySize + int64(len(k))
	}
	return &Object{
		kind:    KindMap,
		entries: entries,
		size:    size,
	}
}

// NewFunction creates a function object referencing its metadata in the
// loaded module's function table.
func NewFunction(name string, arity int, meta int) *Object {
	return &Object{
		kind:  KindFunction,
		str:   name,
		arity: arity,
		meta:  meta,
		size:  headerSize + int64(len(name)),
	}
}

// NewClosure creates a closure over the given function object with room
// for count captured upvalues.
func NewClosure(fn *Object, count int) *Object {
	return &Object{
		kind:     KindClosure,
		ref:      fn,
		upvalues: make([]*Object, count),
		size:     headerSize + elemSize*int64(count),
	}
}

// NewUpvalue creates an open upvalue pointing at an absolute stack slot.
func NewUpvalue(slot int) *Object {
	return &Object{
		kind: KindUpvalue,
		slot: slot,
		open: true,
		size: upvalueSize,
	}
}

// NewClass creates a class object owning the given method table.
func NewClass(name string, methods map[string]Value) *Object {
	if methods == nil {
		methods = map[string]Value{}
	}
	size := int64(headerSize + len(name))
	for k := range methods {
		size += entrySize + int64(len(k))
	}
	return &Object{
		kind:    KindClass,
		str:     name,
		entries: methods,
		size:    size,
	}
}

// NewInstance creates an instance of the given class with no fields set.
func NewInstance(class *Object) *Object {
	return &Object{
		kind:    KindInstance,
		ref:     class,
		entries: map[string]Value{},
		size:    instanceSize,
	}
}

// NewNative creates a native function object. Arity -1 accepts any number
// of arguments. The release hook, when non-nil, runs when the object is
// swept, freeing whatever external resource the native holds.
func NewNative(name string, arity int, fn NativeFn, release func()) *Object {
	return &Object{
		kind:    KindNative,
		str:     name,
		arity:   arity,
		native:  fn,
		release: release,
		size:    nativeSize + int64(len(name)),
	}
}

// NewError creates an error object carrying a runtime error kind and
// message, the form runtime errors take when thrown into the program.
func NewError(kind errz.Kind, message string) *Object {
	return &Object{
		kind:    KindError,
		errKind: kind,
		str:     message,
		size:    headerSize + int64(len(message)),
	}
}

// String returns the string payload: the bytes of a string, the message of
// an error, or the name of a function, class, or native.
func (o *Object) String() string {
	return o.str
}

// Name returns the name of a function, class, or native object.
func (o *Object) Name() string {
	return o.str
}

// Arity returns the declared arity of a function or native object.
func (o *Object) Arity() int {
	return o.arity
}

// FunctionMeta returns a function object's index into the module function
// table.
func (o *Object) FunctionMeta() int {
	return o.meta
}

// Elems returns an array object's element slice.
func (o *Object) Elems() []Value {
	return o.elems
}

// Elem returns the array element at i. The caller checks bounds.
func (o *Object) Elem(i int) Value {
	return o.elems[i]
}

// SetElem overwrites the array element at i. The caller checks bounds.
func (o *Object) SetElem(i int, v Value) {
	o.elems[i] = v
}

// Entries returns the entry table of a map, class, or instance object.
func (o *Object) Entries() map[string]Value {
	return o.entries
}

// Entry looks up an entry by key.
func (o *Object) Entry(key string) (Value, bool) {
	v, ok := o.entries[key]
	return v, ok
}

// SetEntry sets an entry, returning the accounting bytes newly charged for
// it (zero when the key already existed).
func (o *Object) SetEntry(key string, v Value) int64 {
	_, exists := o.entries[key]
	o.entries[key] = v
	if exists {
		return 0
	}
	grown := int64(entrySize + len(key))
	o.size += grown
	return grown
}

// ClosureFunction returns the function object a closure executes.
func (o *Object) ClosureFunction() *Object {
	return o.ref
}

// Upvalues returns a closure's capture slice.
func (o *Object) Upvalues() []*Object {
	return o.upvalues
}

// SetUpvalue installs a capture on a closure.
func (o *Object) SetUpvalue(i int, up *Object) {
	o.upvalues[i] = up
}

// InstanceClass returns an instance's class object.
func (o *Object) InstanceClass() *Object {
	return o.ref
}

// Native returns the implementation of a native object.
func (o *Object) Native() NativeFn {
	return o.native
}

// ErrorKind returns an error object's runtime error kind.
func (o *Object) ErrorKind() errz.Kind {
	return o.errKind
}

// IsOpen reports whether an upvalue still points at the stack.
func (o *Object) IsOpen() bool {
	return o.open
}

// Slot returns the absolute stack slot an open upvalue points at.
func (o *Object) Slot() int {
	return o.slot
}

// NextOpen returns the next upvalue on the VM's open-upvalue list, which is
// kept sorted by slot.
func (o *Object) NextOpen() *Object {
	return o.ref
}

// SetNextOpen links the upvalue into the VM's open-upvalue list.
func (o *Object) SetNextOpen(next *Object) {
	o.ref = next
}

// UpvalueGet reads through the upvalue: the live stack slot while open, the
// closed copy afterwards.
func (o *Object) UpvalueGet(stack []Value) Value {
	if o.open {
		return stack[o.slot]
	}
	return o.closed
}

// UpvalueSet writes through the upvalue.
func (o *Object) UpvalueSet(stack []Value, v Value) {
	if o.open {
		stack[o.slot] = v
		return
	}
	o.closed = v
}

// UpvalueClose copies the referenced stack slot into the upvalue and
// detaches it from the stack. Closing an already-closed upvalue is a no-op.
func (o *Object) UpvalueClose(stack []Value) {
	if !o.open {
		return
	}
	o.closed = stack[o.slot]
	o.open = false
	o.ref = nil
}

func (o *Object) isTruthy() bool {
	switch o.kind {
	case KindString:
		return len(o.str) > 0
	case KindArray:
		return len(o.elems) > 0
	case KindMap:
		return len(o.entries) > 0
	default:
		return true
	}
}

func (o *Object) inspect() string {
	switch o.kind {
	case KindString:
		return o.str
	case KindArray:
		var b strings.Builder
		b.WriteString("[")
		for i, el := range o.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(el.Inspect())
		}
		b.WriteString("]")
		return b.String()
	case KindMap:
		keys := make([]string, 0, len(o.entries))
		for k := range o.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%q: %s", k, o.entries[k].Inspect())
		}
		b.WriteString("}")
		return b.String()
	case KindFunction:
		if o.str == "" {
			return "<fn>"
		}
		return fmt.Sprintf("<fn %s>", o.str)
	case KindClosure:
		if o.ref != nil && o.ref.str != "" {
			return fmt.Sprintf("<closure %s>", o.ref.str)
		}
		return "<closure>"
	case KindUpvalue:
		return "<upvalue>"
	case KindClass:
		return fmt.Sprintf("<class %s>", o.str)
	case KindInstance:
		if o.ref != nil {
			return fmt.Sprintf("<%s instance>", o.ref.str)
		}
		return "<instance>"
	case KindNative:
		return fmt.Sprintf("<native %s>", o.str)
	case KindError:
		return fmt.Sprintf("%s: %s", o.errKind.String(), o.str)
	default:
		return "<invalid>"
	}
}
