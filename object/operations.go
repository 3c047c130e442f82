package object

import (
	"github.com/cinderlang/cinder/errz"
	"github.com/cinderlang/cinder/op"
)

// Allocator is the slice of the heap the operation functions need: results
// that live on the heap (concatenated strings, concatenated arrays) must be
// allocated through it so they are tracked and accounted.
type Allocator interface {
	AllocString(s string) (*Object, error)
	AllocArray(elems []Value) (*Object, error)
}

func opSymbol(code op.Code) string {
	switch code {
	case op.Add:
		return "+"
	case op.Sub:
		return "-"
	case op.Mul:
		return "*"
	case op.Div:
		return "/"
	case op.Mod:
		return "%"
	case op.BitAnd:
		return "&"
	case op.BitOr:
		return "|"
	case op.BitXor:
		return "^"
	case op.Shl:
		return "<<"
	case op.Shr:
		return ">>"
	case op.Equal:
		return "=="
	case op.NotEqual:
		return "!="
	case op.Less:
		return "<"
	case op.LessEq:
		return "<="
	case op.Greater:
		return ">"
	case op.GreaterEq:
		return ">="
	case op.Negate:
		return "-"
	case op.BitNot:
		return "~"
	case op.Not:
		return "!"
	default:
		return "?"
	}
}

func typeMismatch(code op.Code, a, b Value) error {
	return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
		"unsupported operand types for %s: %s and %s",
		opSymbol(code), a.TypeName(), b.TypeName())
}

// BinaryOp applies a binary arithmetic, bitwise, or concatenation opcode to
// two values. Int and Float mix by promoting to Float; every other
// cross-type combination is a type mismatch. Integer division or modulo by
// zero is a division-by-zero error; float division follows IEEE semantics.
func BinaryOp(alloc Allocator, code op.Code, a, b Value) (Value, error) {
	switch code {
	case op.Add:
		if a.Type() == TypeInt && b.Type() == TypeInt {
			return NewInt(a.Int() + b.Int()), nil
		}
		if a.IsNumber() && b.IsNumber() {
			return NewFloat(a.AsFloat() + b.AsFloat()), nil
		}
		if ao, bo := a.Object(), b.Object(); ao != nil && bo != nil {
			if ao.kind == KindString && bo.kind == KindString {
				obj, err := alloc.AllocString(ao.str + bo.str)
				if err != nil {
					return Null, err
				}
				return obj.Value(), nil
			}
			if ao.kind == KindArray && bo.kind == KindArray {
				elems := make([]Value, 0, len(ao.elems)+len(bo.elems))
				elems = append(elems, ao.elems...)
				elems = append(elems, bo.elems...)
				obj, err := alloc.AllocArray(elems)
				if err != nil {
					return Null, err
				}
				return obj.Value(), nil
			}
		}
		return Null, typeMismatch(code, a, b)
	case op.Sub, op.Mul:
		if a.Type() == TypeInt && b.Type() == TypeInt {
			if code == op.Sub {
				return NewInt(a.Int() - b.Int()), nil
			}
			return NewInt(a.Int() * b.Int()), nil
		}
		if a.IsNumber() && b.IsNumber() {
			if code == op.Sub {
				return NewFloat(a.AsFloat() - b.AsFloat()), nil
			}
			return NewFloat(a.AsFloat() * b.AsFloat()), nil
		}
		return Null, typeMismatch(code, a, b)
	case op.Div:
		if a.Type() == TypeInt && b.Type() == TypeInt {
			if b.Int() == 0 {
				return Null, errz.NewRuntimeError(errz.ErrDivisionByZero, "integer division by zero")
			}
			return NewInt(a.Int() / b.Int()), nil
		}
		if a.IsNumber() && b.IsNumber() {
			return NewFloat(a.AsFloat() / b.AsFloat()), nil
		}
		return Null, typeMismatch(code, a, b)
	case op.Mod:
		if a.Type() == TypeInt && b.Type() == TypeInt {
			if b.Int() == 0 {
				return Null, errz.NewRuntimeError(errz.ErrDivisionByZero, "integer modulo by zero")
			}
			return NewInt(a.Int() % b.Int()), nil
		}
		return Null, typeMismatch(code, a, b)
	case op.BitAnd, op.BitOr, op.BitXor:
		if a.Type() == TypeInt && b.Type() == TypeInt {
			switch code {
			case op.BitAnd:
				return NewInt(a.Int() & b.Int()), nil
			case op.BitOr:
				return NewInt(a.Int() | b.Int()), nil
			default:
				return NewInt(a.Int() ^ b.Int()), nil
			}
		}
		return Null, typeMismatch(code, a, b)
	case op.Shl, op.Shr:
		if a.Type() == TypeInt && b.Type() == TypeInt {
			if b.Int() < 0 {
				return Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
					"negative shift count: %d", b.Int())
			}
			if code == op.Shl {
				return NewInt(a.Int() << uint64(b.Int())), nil
			}
			return NewInt(a.Int() >> uint64(b.Int())), nil
		}
		return Null, typeMismatch(code, a, b)
	}
	return Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch, "not a binary opcode: %d", code)
}

// Compare applies an equality or ordering opcode to two values. Equality is
// defined for matching tags (with Int/Float promotion); ordering is defined
// for numbers and for pairs of strings. Anything else is a type mismatch.
func Compare(code op.Code, a, b Value) (Value, error) {
	switch code {
	case op.Equal, op.NotEqual:
		eq, err := Equals(a, b)
		if err != nil {
			return Null, err
		}
		if code == op.NotEqual {
			eq = !eq
		}
		return NewBool(eq), nil
	case op.Less, op.LessEq, op.Greater, op.GreaterEq:
		if a.IsNumber() && b.IsNumber() {
			x, y := a.AsFloat(), b.AsFloat()
			switch code {
			case op.Less:
				return NewBool(x < y), nil
			case op.LessEq:
				return NewBool(x <= y), nil
			case op.Greater:
				return NewBool(x > y), nil
			default:
				return NewBool(x >= y), nil
			}
		}
		if ao, bo := a.Object(), b.Object(); ao != nil && bo != nil &&
			ao.kind == KindString && bo.kind == KindString {
			switch code {
			case op.Less:
				return NewBool(ao.str < bo.str), nil
			case op.LessEq:
				return NewBool(ao.str <= bo.str), nil
			case op.Greater:
				return NewBool(ao.str > bo.str), nil
			default:
				return NewBool(ao.str >= bo.str), nil
			}
		}
		return Null, typeMismatch(code, a, b)
	}
	return Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch, "not a comparison opcode: %d", code)
}

// Equals reports value equality. Matching inline tags compare directly,
// Int and Float compare numerically, strings and errors compare by
// content, arrays and maps compare element-wise, and remaining object
// kinds compare by identity. Comparing incompatible tags is a type
// mismatch error.
func Equals(a, b Value) (bool, error) {
	if a.IsNumber() && b.IsNumber() {
		return a.AsFloat() == b.AsFloat(), nil
	}
	if a.Type() != b.Type() {
		return false, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"cannot compare %s with %s", a.TypeName(), b.TypeName())
	}
	switch a.Type() {
	case TypeNull:
		return true, nil
	case TypeBool:
		return a.Bool() == b.Bool(), nil
	case TypeObject:
		return objectEquals(a.Object(), b.Object())
	}
	return false, nil
}

func objectEquals(a, b *Object) (bool, error) {
	if a == b {
		return true, nil
	}
	if a.kind != b.kind {
		return false, nil
	}
	switch a.kind {
	case KindString:
		return a.str == b.str, nil
	case KindError:
		return a.errKind == b.errKind && a.str == b.str, nil
	case KindArray:
		if len(a.elems) != len(b.elems) {
			return false, nil
		}
		for i := range a.elems {
			eq, err := Equals(a.elems[i], b.elems[i])
			if err != nil {
				return false, err
			}
			if !eq {
				return false, nil
			}
		}
		return true, nil
	case KindMap:
		if len(a.entries) != len(b.entries) {
			return false, nil
		}
		for k, av := range a.entries {
			bv, ok := b.entries[k]
			if !ok {
				return false, nil
			}
			eq, err := Equals(av, bv)
			if err != nil {
				return false, err
			}
			if !eq {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

// UnaryOp applies a unary opcode to a value. Negate requires a number,
// BitNot requires an int, and Not inverts truthiness of anything.
func UnaryOp(code op.Code, v Value) (Value, error) {
	switch code {
	case op.Negate:
		switch v.Type() {
		case TypeInt:
			return NewInt(-v.Int()), nil
		case TypeFloat:
			return NewFloat(-v.Float()), nil
		}
		return Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"unsupported operand type for unary -: %s", v.TypeName())
	case op.BitNot:
		if v.Type() == TypeInt {
			return NewInt(^v.Int()), nil
		}
		return Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"unsupported operand type for ~: %s", v.TypeName())
	case op.Not:
		return NewBool(!v.IsTruthy()), nil
	}
	return Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch, "not a unary opcode: %d", code)
}
