// Package uadp implements the UADP NetworkMessage wire codec (spec §4.3,
// §6) and its fixed-offset fast path.
//
// The teacher package (asdu) dispatches encode/decode on a runtime
// TypeID byte via per-type Append*/Decode* methods on a shared byte
// buffer (asdu/codec.go, asdu/identifier.go). FieldValue below keeps
// that shape — a tagged union with one constructor/encoder per
// built-in type — but the UADP field types replace the ASDU type
// catalogue.
package uadp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// BuiltInType is the wire type identification for a DataSetField,
// analogous to asdu.TypeID but for OPC UA built-in types (spec §6
// Payload field list).
type BuiltInType uint8

const (
	TypeBoolean BuiltInType = iota + 1
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat
	TypeDouble
	TypeString
	TypeDateTime
	TypeByteString
	TypeNodeID
)

func (t BuiltInType) String() string {
	switch t {
	case TypeBoolean:
		return "Boolean"
	case TypeInt16:
		return "Int16"
	case TypeUInt16:
		return "UInt16"
	case TypeInt32:
		return "Int32"
	case TypeUInt32:
		return "UInt32"
	case TypeInt64:
		return "Int64"
	case TypeUInt64:
		return "UInt64"
	case TypeFloat:
		return "Float"
	case TypeDouble:
		return "Double"
	case TypeString:
		return "String"
	case TypeDateTime:
		return "DateTime"
	case TypeByteString:
		return "ByteString"
	case TypeNodeID:
		return "NodeId"
	default:
		return fmt.Sprintf("BuiltInType(%d)", uint8(t))
	}
}

// FixedWidth returns the field's on-wire byte width and true when that
// width is statically known (independent of the value), which is the
// condition the fast path freeze check (spec §4.3) requires. Variable
// width types (String, ByteString) return (0, false).
func (t BuiltInType) FixedWidth() (int, bool) {
	switch t {
	case TypeBoolean:
		return 1, true
	case TypeInt16, TypeUInt16:
		return 2, true
	case TypeInt32, TypeUInt32, TypeFloat:
		return 4, true
	case TypeInt64, TypeUInt64, TypeDouble, TypeDateTime:
		return 8, true
	default:
		return 0, false
	}
}

// ErrShortBuffer is returned by Decode when the source buffer ends
// before a field's encoding does.
var ErrShortBuffer = errors.New("uadp: short buffer")

// ErrUnknownType is returned for a BuiltInType outside the catalogue above.
var ErrUnknownType = errors.New("uadp: unknown built-in type")

// NodeID is a minimal OPC UA NodeId, numeric-namespace form only
// (encoding byte 0x00/0x01 per Part 6); string/guid/opaque identifiers
// are out of scope for this engine's DataSetMetaData (spec §3 carries
// NodeId only as TargetVariables/field references, not as a published
// field payload type in the worked examples).
type NodeID struct {
	NamespaceIndex uint16
	Identifier     uint32
}

// FieldValue is the tagged union dispatched on BuiltInType, mirroring
// asdu's per-type Append*/Decode* dispatch but carrying the decoded
// value rather than leaving it in a shared cursor buffer.
type FieldValue struct {
	Type BuiltInType

	Bool       bool
	I16        int16
	U16        uint16
	I32        int32
	U32        uint32
	I64        int64
	U64        uint64
	F32        float32
	F64        float64
	Str        string
	StrIsNull  bool
	DateTime   time.Time
	ByteString []byte
	IsNull     bool // ByteString null marker (length == -1 on the wire)
	Node       NodeID
}

// Encode appends the wire encoding of v to buf and returns the result.
func Encode(buf []byte, v FieldValue) ([]byte, error) {
	switch v.Type {
	case TypeBoolean:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return append(buf, b), nil
	case TypeInt16:
		return appendU16(buf, uint16(v.I16)), nil
	case TypeUInt16:
		return appendU16(buf, v.U16), nil
	case TypeInt32:
		return appendU32(buf, uint32(v.I32)), nil
	case TypeUInt32:
		return appendU32(buf, v.U32), nil
	case TypeInt64:
		return appendU64(buf, uint64(v.I64)), nil
	case TypeUInt64:
		return appendU64(buf, v.U64), nil
	case TypeFloat:
		return appendU32(buf, math.Float32bits(v.F32)), nil
	case TypeDouble:
		return appendU64(buf, math.Float64bits(v.F64)), nil
	case TypeString:
		if v.StrIsNull {
			return appendU32(buf, uint32(0xFFFFFFFF)), nil
		}
		buf = appendU32(buf, uint32(len(v.Str)))
		return append(buf, v.Str...), nil
	case TypeDateTime:
		return appendU64(buf, uint64(ToFileTime(v.DateTime))), nil
	case TypeByteString:
		if v.IsNull {
			return appendU32(buf, uint32(0xFFFFFFFF)), nil
		}
		buf = appendU32(buf, uint32(len(v.ByteString)))
		return append(buf, v.ByteString...), nil
	case TypeNodeID:
		buf = append(buf, 0x01) // two-byte namespace numeric form
		buf = appendU16(buf, v.Node.NamespaceIndex)
		return appendU32(buf, v.Node.Identifier), nil
	default:
		return nil, ErrUnknownType
	}
}

// Decode reads one FieldValue of the given type from buf, returning the
// remaining buffer.
func Decode(buf []byte, t BuiltInType) (FieldValue, []byte, error) {
	switch t {
	case TypeBoolean:
		if len(buf) < 1 {
			return FieldValue{}, nil, ErrShortBuffer
		}
		return FieldValue{Type: t, Bool: buf[0] != 0}, buf[1:], nil
	case TypeInt16:
		u, rest, err := takeU16(buf)
		return FieldValue{Type: t, I16: int16(u)}, rest, err
	case TypeUInt16:
		u, rest, err := takeU16(buf)
		return FieldValue{Type: t, U16: u}, rest, err
	case TypeInt32:
		u, rest, err := takeU32(buf)
		return FieldValue{Type: t, I32: int32(u)}, rest, err
	case TypeUInt32:
		u, rest, err := takeU32(buf)
		return FieldValue{Type: t, U32: u}, rest, err
	case TypeInt64:
		u, rest, err := takeU64(buf)
		return FieldValue{Type: t, I64: int64(u)}, rest, err
	case TypeUInt64:
		u, rest, err := takeU64(buf)
		return FieldValue{Type: t, U64: u}, rest, err
	case TypeFloat:
		u, rest, err := takeU32(buf)
		return FieldValue{Type: t, F32: math.Float32frombits(u)}, rest, err
	case TypeDouble:
		u, rest, err := takeU64(buf)
		return FieldValue{Type: t, F64: math.Float64frombits(u)}, rest, err
	case TypeString:
		n, rest, err := takeU32(buf)
		if err != nil {
			return FieldValue{}, nil, err
		}
		if int32(n) == -1 {
			return FieldValue{Type: t, StrIsNull: true}, rest, nil
		}
		if len(rest) < int(n) {
			return FieldValue{}, nil, ErrShortBuffer
		}
		return FieldValue{Type: t, Str: string(rest[:n])}, rest[n:], nil
	case TypeDateTime:
		u, rest, err := takeU64(buf)
		if err != nil {
			return FieldValue{}, nil, err
		}
		return FieldValue{Type: t, DateTime: FromFileTime(int64(u))}, rest, nil
	case TypeByteString:
		n, rest, err := takeU32(buf)
		if err != nil {
			return FieldValue{}, nil, err
		}
		if int32(n) == -1 {
			return FieldValue{Type: t, IsNull: true}, rest, nil
		}
		if len(rest) < int(n) {
			return FieldValue{}, nil, ErrShortBuffer
		}
		bs := make([]byte, n)
		copy(bs, rest[:n])
		return FieldValue{Type: t, ByteString: bs}, rest[n:], nil
	case TypeNodeID:
		if len(buf) < 1 {
			return FieldValue{}, nil, ErrShortBuffer
		}
		encoding := buf[0]
		rest := buf[1:]
		switch encoding {
		case 0x00: // two-byte numeric: 1-byte namespace implied 0, 1-byte identifier
			if len(rest) < 1 {
				return FieldValue{}, nil, ErrShortBuffer
			}
			return FieldValue{Type: t, Node: NodeID{Identifier: uint32(rest[0])}}, rest[1:], nil
		case 0x01: // two-byte namespace, four-byte identifier
			ns, rest2, err := takeU16(rest)
			if err != nil {
				return FieldValue{}, nil, err
			}
			id, rest3, err := takeU32(rest2)
			if err != nil {
				return FieldValue{}, nil, err
			}
			return FieldValue{Type: t, Node: NodeID{NamespaceIndex: ns, Identifier: id}}, rest3, nil
		default:
			return FieldValue{}, nil, fmt.Errorf("uadp: unsupported NodeId encoding byte 0x%02x", encoding)
		}
	default:
		return FieldValue{}, nil, ErrUnknownType
	}
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(buf []byte, v uint64) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func takeU16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(buf), buf[2:], nil
}

func takeU32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf), buf[4:], nil
}

func takeU64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf), buf[8:], nil
}

// fileTimeEpoch is 1601-01-01 UTC, the OPC UA/Windows FILETIME epoch
// (spec §6: "DateTime i64 (100-ns ticks since 1601-01-01)").
var fileTimeEpoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

// ToFileTime converts a time.Time to 100-ns ticks since 1601-01-01.
func ToFileTime(t time.Time) int64 {
	return t.UTC().Sub(fileTimeEpoch).Nanoseconds() / 100
}

// FromFileTime converts 100-ns ticks since 1601-01-01 to a time.Time.
func FromFileTime(ticks int64) time.Time {
	return fileTimeEpoch.Add(time.Duration(ticks) * 100)
}
