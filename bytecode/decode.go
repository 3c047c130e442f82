package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/cinderlang/cinder/errz"
)

// Decode parses an encoded module and verifies it eagerly. Every
// failure, structural or semantic, is reported as an *errz.DecodeError.
// A module that decodes successfully is safe to execute without further
// index checks.
func Decode(data []byte) (*Module, error) {
	r := &reader{data: data}

	magic := r.bytes(4, "magic")
	if r.err == nil && !bytes.Equal(magic, Magic) {
		return nil, errz.NewDecodeErrorf("bad magic %q, want %q", magic, Magic)
	}
	version := r.u16("version")
	if r.err == nil && version != Version {
		return nil, errz.NewDecodeErrorf("unsupported module version %d, want %d", version, Version)
	}

	globalCount := int(r.u16("global count"))
	globals := make([]string, 0, min(globalCount, r.remaining()))
	for i := 0; i < globalCount && r.err == nil; i++ {
		n := int(r.u16(fmt.Sprintf("global %d name length", i)))
		globals = append(globals, r.str(n, fmt.Sprintf("global %d name", i)))
	}

	constCount := int(r.u32("constant count"))
	if r.err == nil && constCount > r.remaining() {
		r.fail("constant count %d exceeds remaining %d bytes", constCount, r.remaining())
	}
	consts := make([]Constant, 0, constCount)
	for i := 0; i < constCount && r.err == nil; i++ {
		tag := r.u8(fmt.Sprintf("constant %d tag", i))
		switch tag {
		case tagNull:
			consts = append(consts, NullConstant())
		case tagFalse:
			consts = append(consts, BoolConstant(false))
		case tagTrue:
			consts = append(consts, BoolConstant(true))
		case tagInt:
			consts = append(consts, IntConstant(int64(r.u64(fmt.Sprintf("constant %d", i)))))
		case tagFloat:
			consts = append(consts, FloatConstant(math.Float64frombits(r.u64(fmt.Sprintf("constant %d", i)))))
		case tagString:
			n := int(r.u32(fmt.Sprintf("constant %d length", i)))
			consts = append(consts, StringConstant(r.str(n, fmt.Sprintf("constant %d", i))))
		case tagFunction:
			consts = append(consts, FunctionConstant(int(r.u16(fmt.Sprintf("constant %d", i)))))
		default:
			r.fail("constant %d has unknown tag 0x%02X", i, tag)
		}
	}

	fnCount := int(r.u16("function count"))
	fns := make([]FunctionMeta, 0, min(fnCount, r.remaining()))
	for i := 0; i < fnCount && r.err == nil; i++ {
		var f FunctionMeta
		nameLen := int(r.u16(fmt.Sprintf("function %d name length", i)))
		f.Name = r.str(nameLen, fmt.Sprintf("function %d name", i))
		f.Arity = int(r.u8(fmt.Sprintf("function %d arity", i)))
		upCount := int(r.u8(fmt.Sprintf("function %d upvalue count", i)))
		f.LocalCount = int(r.u16(fmt.Sprintf("function %d local count", i)))
		f.CodeOffset = int(r.u32(fmt.Sprintf("function %d code offset", i)))
		f.CodeLength = int(r.u32(fmt.Sprintf("function %d code length", i)))
		for u := 0; u < upCount && r.err == nil; u++ {
			flag := r.u8(fmt.Sprintf("function %d upvalue %d", i, u))
			idx := r.u16(fmt.Sprintf("function %d upvalue %d index", i, u))
			if flag > 1 {
				r.fail("function %d upvalue %d has invalid source flag %d", i, u, flag)
			}
			f.Upvalues = append(f.Upvalues, UpvalueRef{InParentLocals: flag == 1, Index: idx})
		}
		fns = append(fns, f)
	}

	codeLen := int(r.u32("instruction length"))
	code := r.bytes(codeLen, "instructions")

	var lines []LineEntry
	flag := r.u8("debug flag")
	if r.err == nil && flag > 1 {
		r.fail("invalid debug flag %d", flag)
	}
	if r.err == nil && flag == 1 {
		n := int(r.u32("debug table length"))
		payload := r.bytes(n, "debug line table")
		if r.err == nil {
			if err := cbor.Unmarshal(payload, &lines); err != nil {
				return nil, errz.NewDecodeError("corrupt debug line table").WithCause(err)
			}
		}
	}

	if r.err == nil && r.pos != len(r.data) {
		r.fail("%d trailing bytes after module", len(r.data)-r.pos)
	}
	if r.err != nil {
		return nil, r.err
	}

	return New(Params{
		GlobalNames:  globals,
		Constants:    consts,
		Functions:    fns,
		Instructions: code,
		Lines:        lines,
	})
}

// reader walks an encoded module with a sticky error: after the first
// failure every read returns a zero value, so call sites stay linear.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = errz.NewDecodeErrorf(format, args...)
	}
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) u8(what string) uint8 {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data) {
		r.fail("unexpected end of module reading %s at offset %d", what, r.pos)
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) u16(what string) uint16 {
	if r.err != nil {
		return 0
	}
	if r.pos+2 > len(r.data) {
		r.fail("unexpected end of module reading %s at offset %d", what, r.pos)
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32(what string) uint32 {
	if r.err != nil {
		return 0
	}
	if r.pos+4 > len(r.data) {
		r.fail("unexpected end of module reading %s at offset %d", what, r.pos)
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64(what string) uint64 {
	if r.err != nil {
		return 0
	}
	if r.pos+8 > len(r.data) {
		r.fail("unexpected end of module reading %s at offset %d", what, r.pos)
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.fail("unexpected end of module reading %s at offset %d", what, r.pos)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out
}

func (r *reader) str(n int, what string) string {
	return string(r.bytes(n, what))
}
