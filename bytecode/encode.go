package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"

	"fortio.org/safecast"
	"github.com/fxamacker/cbor/v2"
)

// Magic identifies an encoded Cinder module.
var Magic = []byte{'C', 'N', 'D', 'R'}

// Version is the current wire format version. Increment when making
// incompatible changes to the format.
const Version uint16 = 1

// Constant pool tags.
const (
	tagNull     uint8 = 0x00
	tagFalse    uint8 = 0x01
	tagTrue     uint8 = 0x02
	tagInt      uint8 = 0x03
	tagFloat    uint8 = 0x04
	tagString   uint8 = 0x05
	tagFunction uint8 = 0x06
)

// cborEnc is the canonical encoding mode used for the debug line table,
// so that encoding the same module always produces the same bytes.
var cborEnc cbor.EncMode

func init() {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborEnc = mode
}

// Encode serializes the module to its binary form. The layout is
// documented in the package comment.
func (m *Module) Encode() ([]byte, error) {
	buf := make([]byte, 0, 64+len(m.instructions))
	buf = append(buf, Magic...)
	buf = binary.BigEndian.AppendUint16(buf, m.version)

	globalCount, err := safecast.Conv[uint16](len(m.globalNames))
	if err != nil {
		return nil, fmt.Errorf("too many globals: %w", err)
	}
	buf = binary.BigEndian.AppendUint16(buf, globalCount)
	for i, name := range m.globalNames {
		nameLen, err := safecast.Conv[uint16](len(name))
		if err != nil {
			return nil, fmt.Errorf("global %d name too long: %w", i, err)
		}
		buf = binary.BigEndian.AppendUint16(buf, nameLen)
		buf = append(buf, name...)
	}

	constCount, err := safecast.Conv[uint32](len(m.constants))
	if err != nil {
		return nil, fmt.Errorf("too many constants: %w", err)
	}
	buf = binary.BigEndian.AppendUint32(buf, constCount)
	for i, c := range m.constants {
		switch c.Kind {
		case ConstNull:
			buf = append(buf, tagNull)
		case ConstBool:
			if c.Bool {
				buf = append(buf, tagTrue)
			} else {
				buf = append(buf, tagFalse)
			}
		case ConstInt:
			buf = append(buf, tagInt)
			buf = binary.BigEndian.AppendUint64(buf, uint64(c.Int))
		case ConstFloat:
			buf = append(buf, tagFloat)
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(c.Float))
		case ConstString:
			strLen, err := safecast.Conv[uint32](len(c.Str))
			if err != nil {
				return nil, fmt.Errorf("constant %d string too long: %w", i, err)
			}
			buf = append(buf, tagString)
			buf = binary.BigEndian.AppendUint32(buf, strLen)
			buf = append(buf, c.Str...)
		case ConstFunction:
			fn, err := safecast.Conv[uint16](c.Fn)
			if err != nil {
				return nil, fmt.Errorf("constant %d function index out of range: %w", i, err)
			}
			buf = append(buf, tagFunction)
			buf = binary.BigEndian.AppendUint16(buf, fn)
		default:
			return nil, fmt.Errorf("constant %d has unknown kind %d", i, c.Kind)
		}
	}

	fnCount, err := safecast.Conv[uint16](len(m.functions))
	if err != nil {
		return nil, fmt.Errorf("too many functions: %w", err)
	}
	buf = binary.BigEndian.AppendUint16(buf, fnCount)
	for i, f := range m.functions {
		nameLen, err := safecast.Conv[uint16](len(f.Name))
		if err != nil {
			return nil, fmt.Errorf("function %d name too long: %w", i, err)
		}
		buf = binary.BigEndian.AppendUint16(buf, nameLen)
		buf = append(buf, f.Name...)

		arity, err := safecast.Conv[uint8](f.Arity)
		if err != nil {
			return nil, fmt.Errorf("function %d arity out of range: %w", i, err)
		}
		upCount, err := safecast.Conv[uint8](len(f.Upvalues))
		if err != nil {
			return nil, fmt.Errorf("function %d has too many upvalues: %w", i, err)
		}
		localCount, err := safecast.Conv[uint16](f.LocalCount)
		if err != nil {
			return nil, fmt.Errorf("function %d local count out of range: %w", i, err)
		}
		codeOffset, err := safecast.Conv[uint32](f.CodeOffset)
		if err != nil {
			return nil, fmt.Errorf("function %d code offset out of range: %w", i, err)
		}
		codeLength, err := safecast.Conv[uint32](f.CodeLength)
		if err != nil {
			return nil, fmt.Errorf("function %d code length out of range: %w", i, err)
		}
		buf = append(buf, arity, upCount)
		buf = binary.BigEndian.AppendUint16(buf, localCount)
		buf = binary.BigEndian.AppendUint32(buf, codeOffset)
		buf = binary.BigEndian.AppendUint32(buf, codeLength)

		for _, uv := range f.Upvalues {
			if uv.InParentLocals {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = binary.BigEndian.AppendUint16(buf, uv.Index)
		}
	}

	codeLen, err := safecast.Conv[uint32](len(m.instructions))
	if err != nil {
		return nil, fmt.Errorf("instruction stream too long: %w", err)
	}
	buf = binary.BigEndian.AppendUint32(buf, codeLen)
	buf = append(buf, m.instructions...)

	if len(m.lines) > 0 {
		payload, err := cborEnc.Marshal(m.lines)
		if err != nil {
			return nil, fmt.Errorf("encoding debug line table: %w", err)
		}
		payloadLen, err := safecast.Conv[uint32](len(payload))
		if err != nil {
			return nil, fmt.Errorf("debug line table too long: %w", err)
		}
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint32(buf, payloadLen)
		buf = append(buf, payload...)
	} else {
		buf = append(buf, 0)
	}

	return buf, nil
}
