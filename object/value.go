// Package object defines the value and heap-object model used by the
// Cinder virtual machine.
//
// A Value is a small tagged union: null, booleans, integers, and floats are
// carried inline, while everything else is a reference to a heap Object.
// Objects share a common header that threads every live allocation into an
// intrusive list owned by the heap. Per-kind behavior (reference
// enumeration for the collector, finalization, size accounting) is
// dispatched by switching on the closed Kind enumeration rather than
// through dynamic dispatch.
package object

import (
	"math"
	"strconv"
)

// Type is the tag of a Value.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeObject
)

// String returns the name of the value tag.
func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeObject:
		return "object"
	default:
		return "invalid"
	}
}

// Value is a tagged union of null, bool, int, float, or a heap object
// reference. The zero Value is null.
type Value struct {
	typ Type
	num uint64
	obj *Object
}

// Singleton values for the inline tags.
var (
	Null  = Value{typ: TypeNull}
	True  = Value{typ: TypeBool, num: 1}
	False = Value{typ: TypeBool, num: 0}
)

// NewBool returns a bool value.
func NewBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// NewInt returns an int value.
func NewInt(i int64) Value {
	return Value{typ: TypeInt, num: uint64(i)}
}

// NewFloat returns a float value.
func NewFloat(f float64) Value {
	return Value{typ: TypeFloat, num: math.Float64bits(f)}
}

// Type returns the tag of the value.
func (v Value) Type() Type {
	return v.typ
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.typ == TypeNull
}

// IsObject reports whether the value references a heap object.
func (v Value) IsObject() bool {
	return v.typ == TypeObject
}

// IsNumber reports whether the value is an int or a float.
func (v Value) IsNumber() bool {
	return v.typ == TypeInt || v.typ == TypeFloat
}

// Bool returns the boolean payload. Valid only when Type is TypeBool.
func (v Value) Bool() bool {
	return v.num != 0
}

// Int returns the integer payload. Valid only when Type is TypeInt.
func (v Value) Int() int64 {
	return int64(v.num)
}

// Float returns the float payload. Valid only when Type is TypeFloat.
func (v Value) Float() float64 {
	return math.Float64frombits(v.num)
}

// AsFloat returns the numeric payload widened to a float64. Valid only for
// int and float values.
func (v Value) AsFloat() float64 {
	if v.typ == TypeInt {
		return float64(int64(v.num))
	}
	return math.Float64frombits(v.num)
}

// Object returns the referenced heap object, or nil for inline values.
func (v Value) Object() *Object {
	if v.typ != TypeObject {
		return nil
	}
	return v.obj
}

// IsTruthy reports the truthiness of the value: null and false are falsy,
// numbers are falsy at zero, strings and containers are falsy when empty,
// and every other object is truthy.
func (v Value) IsTruthy() bool {
	switch v.typ {
	case TypeNull:
		return false
	case TypeBool:
		return v.num != 0
	case TypeInt:
		return v.num != 0
	case TypeFloat:
		return math.Float64frombits(v.num) != 0
	case TypeObject:
		return v.obj.isTruthy()
	default:
		return false
	}
}

// TypeName returns the display name of the value's type, using the object
// kind for heap values ("string", "array", ...).
func (v Value) TypeName() string {
	if v.typ == TypeObject {
		return v.obj.kind.String()
	}
	return v.typ.String()
}

// Inspect returns a printable representation of the value.
func (v Value) Inspect() string {
	switch v.typ {
	case TypeNull:
		return "null"
	case TypeBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case TypeInt:
		return strconv.FormatInt(int64(v.num), 10)
	case TypeFloat:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'f', -1, 64)
	case TypeObject:
		return v.obj.inspect()
	default:
		return "invalid"
	}
}
