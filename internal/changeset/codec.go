package changeset

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

// typeTag is the on-wire byte identifying a PropertyType; kept distinct
// from model.PropertyType's own numbering so the wire format is stable
// even if the in-memory enum is reordered.
var typeTags = map[model.PropertyType]byte{
	model.Byte: 0x01, model.Short: 0x02, model.Int: 0x03, model.Long: 0x04,
	model.Float: 0x05, model.Double: 0x06, model.Bool: 0x07, model.DateTime: 0x08,
	model.String: 0x09,
	model.ByteArray: 0x11, model.ShortArray: 0x12, model.IntArray: 0x13, model.LongArray: 0x14,
	model.FloatArray: 0x15, model.DoubleArray: 0x16, model.BoolArray: 0x17, model.DateTimeArray: 0x18,
	model.StringArray: 0x19,
	model.Reference: 0x20, model.ReferenceArray: 0x21,
}

var tagToType = func() map[byte]model.PropertyType {
	m := make(map[byte]model.PropertyType, len(typeTags))
	for t, tag := range typeTags {
		m[tag] = t
	}
	return m
}()

// TypeTag returns the on-wire byte for t, for callers outside this
// package that need the same stable type tagging (internal/snapshot's
// class descriptors).
func TypeTag(t model.PropertyType) (byte, bool) {
	tag, ok := typeTags[t]
	return tag, ok
}

// TypeFromTag is TypeTag's inverse.
func TypeFromTag(tag byte) (model.PropertyType, bool) {
	t, ok := tagToType[tag]
	return t, ok
}

// EncodeBlockHeader writes a block header per spec §4.4's bit-packed
// layout: class ID, op type, property count + per-property (index,
// type), then operation count.
func EncodeBlockHeader(buf []byte, h *BlockHeader) ([]byte, error) {
	if len(h.Properties) > MaxPropertiesPerBlock {
		return nil, verrors.New(verrors.SchemaMismatch, "block header: too many properties")
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(h.ClassID))
	buf = append(buf, b[:]...)
	buf = append(buf, byte(h.Op)&0x0F)
	buf = appendUvarint(buf, uint64(len(h.Properties)))
	for _, p := range h.Properties {
		buf = appendUvarint(buf, uint64(p.Index))
		tag, ok := typeTags[p.Type]
		if !ok {
			return nil, verrors.New(verrors.SchemaMismatch, "block header: unknown property type")
		}
		buf = append(buf, tag)
	}
	buf = appendUvarint(buf, uint64(h.OperationCount))
	return buf, nil
}

// DecodeBlockHeader reads a header written by EncodeBlockHeader,
// returning the remaining slice positioned at the row payload.
func DecodeBlockHeader(buf []byte) (*BlockHeader, []byte, error) {
	if len(buf) < 3 {
		return nil, nil, verrors.New(verrors.Corruption, "block header: short buffer")
	}
	classID := int16(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]
	op := OpType(buf[0] & 0x0F)
	buf = buf[1:]

	propCount, buf, err := readUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if propCount > MaxPropertiesPerBlock {
		return nil, nil, verrors.New(verrors.SchemaMismatch, "block header: property count exceeds maximum")
	}
	props := make([]PropertyRef, propCount)
	for i := range props {
		idx, rest, err := readUvarint(buf)
		if err != nil {
			return nil, nil, err
		}
		buf = rest
		if len(buf) < 1 {
			return nil, nil, verrors.New(verrors.Corruption, "block header: truncated property type")
		}
		typ, ok := tagToType[buf[0]]
		if !ok {
			return nil, nil, verrors.New(verrors.UnsupportedFormat, "block header: unknown type tag")
		}
		buf = buf[1:]
		props[i] = PropertyRef{Index: int(idx), Type: typ}
	}
	opCount, buf, err := readUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	return &BlockHeader{ClassID: classID, Op: op, Properties: props, OperationCount: int(opCount)}, buf, nil
}

// EncodeRow appends one row's object ID and values, in header property
// order, to buf.
func EncodeRow(buf []byte, props []PropertyRef, row Row) ([]byte, error) {
	if len(row.Values) != len(props) {
		return nil, verrors.New(verrors.Corruption, "row: value count does not match property count")
	}
	buf = appendUint64(buf, uint64(row.ObjectID))
	for i, p := range props {
		var err error
		buf, err = encodeValue(buf, p.Type, row.Values[i])
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeRow reads one row's object ID and values per props from buf,
// returning the remaining slice.
func DecodeRow(buf []byte, props []PropertyRef) (Row, []byte, error) {
	id, buf, err := readUint64(buf)
	if err != nil {
		return Row{}, nil, err
	}
	values := make([]any, len(props))
	for i, p := range props {
		v, rest, err := decodeValue(buf, p.Type)
		if err != nil {
			return Row{}, nil, err
		}
		values[i] = v
		buf = rest
	}
	return Row{ObjectID: int64(id), Values: values}, buf, nil
}

func encodeValue(buf []byte, t model.PropertyType, v any) ([]byte, error) {
	if t.IsArray() {
		return encodeArray(buf, t, v)
	}
	if t == model.Reference {
		return encodeNullable(buf, v, func(buf []byte, v any) []byte {
			return appendUint64(buf, uint64(v.(int64)))
		})
	}
	if t == model.String {
		return encodeNullable(buf, v, func(buf []byte, v any) []byte {
			return appendString(buf, v.(string))
		})
	}
	switch t {
	case model.Byte:
		return append(buf, v.(byte)), nil
	case model.Short:
		return appendUint16(buf, uint16(v.(int16))), nil
	case model.Int:
		return appendUint32(buf, uint32(v.(int32))), nil
	case model.Long:
		return appendUint64(buf, uint64(v.(int64))), nil
	case model.Float:
		return appendUint32(buf, math.Float32bits(v.(float32))), nil
	case model.Double:
		return appendUint64(buf, math.Float64bits(v.(float64))), nil
	case model.Bool:
		if v.(bool) {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case model.DateTime:
		return appendUint64(buf, uint64(v.(int64))), nil
	default:
		return nil, verrors.New(verrors.UnsupportedFormat, fmt.Sprintf("encode: unsupported type %v", t))
	}
}

func decodeValue(buf []byte, t model.PropertyType) (any, []byte, error) {
	if t.IsArray() {
		return decodeArray(buf, t)
	}
	if t == model.Reference {
		return decodeNullable(buf, func(buf []byte) (any, []byte, error) {
			u, rest, err := readUint64(buf)
			return int64(u), rest, err
		})
	}
	if t == model.String {
		return decodeNullable(buf, func(buf []byte) (any, []byte, error) {
			return readString(buf)
		})
	}
	switch t {
	case model.Byte:
		if len(buf) < 1 {
			return nil, nil, errShort("byte")
		}
		return buf[0], buf[1:], nil
	case model.Short:
		u, rest, err := readUint16(buf)
		return int16(u), rest, err
	case model.Int:
		u, rest, err := readUint32(buf)
		return int32(u), rest, err
	case model.Long:
		u, rest, err := readUint64(buf)
		return int64(u), rest, err
	case model.Float:
		u, rest, err := readUint32(buf)
		return math.Float32frombits(u), rest, err
	case model.Double:
		u, rest, err := readUint64(buf)
		return math.Float64frombits(u), rest, err
	case model.Bool:
		if len(buf) < 1 {
			return nil, nil, errShort("bool")
		}
		return buf[0] != 0, buf[1:], nil
	case model.DateTime:
		u, rest, err := readUint64(buf)
		return int64(u), rest, err
	default:
		return nil, nil, verrors.New(verrors.UnsupportedFormat, fmt.Sprintf("decode: unsupported type %v", t))
	}
}

// encodeNullable writes a one-byte null flag then, if non-null, the
// encoded payload (spec §4.4: "a 'null' bit for nullable
// references/strings").
func encodeNullable(buf []byte, v any, enc func([]byte, any) []byte) ([]byte, error) {
	if v == nil {
		return append(buf, 0), nil
	}
	buf = append(buf, 1)
	return enc(buf, v), nil
}

func decodeNullable(buf []byte, dec func([]byte) (any, []byte, error)) (any, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, errShort("null flag")
	}
	flag := buf[0]
	buf = buf[1:]
	if flag == 0 {
		return nil, buf, nil
	}
	return dec(buf)
}

func errShort(what string) error {
	return verrors.New(verrors.Corruption, fmt.Sprintf("row: truncated %s", what))
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}
func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}
func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
func readUint16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, errShort("uint16")
	}
	return binary.LittleEndian.Uint16(buf), buf[2:], nil
}
func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, errShort("uint32")
	}
	return binary.LittleEndian.Uint32(buf), buf[4:], nil
}
func readUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, errShort("uint64")
	}
	return binary.LittleEndian.Uint64(buf), buf[8:], nil
}

func appendString(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}
func readString(buf []byte) (string, []byte, error) {
	n, buf, err := readUvarint(buf)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(buf)) < n {
		return "", nil, errShort("string data")
	}
	return string(buf[:n]), buf[n:], nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
func readUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, errShort("varint")
	}
	return v, buf[n:], nil
}

func encodeArray(buf []byte, t model.PropertyType, v any) ([]byte, error) {
	if v == nil {
		return appendUvarint(buf, 0), nil
	}
	scalar := scalarOf(t)
	switch a := v.(type) {
	case []byte:
		buf = appendUvarint(buf, uint64(len(a)))
		return append(buf, a...), nil
	case []int16:
		buf = appendUvarint(buf, uint64(len(a)))
		for _, x := range a {
			buf = appendUint16(buf, uint16(x))
		}
		return buf, nil
	case []int32:
		buf = appendUvarint(buf, uint64(len(a)))
		for _, x := range a {
			buf = appendUint32(buf, uint32(x))
		}
		return buf, nil
	case []int64:
		buf = appendUvarint(buf, uint64(len(a)))
		for _, x := range a {
			buf = appendUint64(buf, uint64(x))
		}
		return buf, nil
	case []float32:
		buf = appendUvarint(buf, uint64(len(a)))
		for _, x := range a {
			buf = appendUint32(buf, math.Float32bits(x))
		}
		return buf, nil
	case []float64:
		buf = appendUvarint(buf, uint64(len(a)))
		for _, x := range a {
			buf = appendUint64(buf, math.Float64bits(x))
		}
		return buf, nil
	case []bool:
		buf = appendUvarint(buf, uint64(len(a)))
		for _, x := range a {
			if x {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
		return buf, nil
	case []string:
		buf = appendUvarint(buf, uint64(len(a)))
		for _, x := range a {
			buf = appendString(buf, x)
		}
		return buf, nil
	default:
		return nil, verrors.New(verrors.UnsupportedFormat, fmt.Sprintf("encode array: unexpected Go type for %v (scalar %v)", t, scalar))
	}
}

func decodeArray(buf []byte, t model.PropertyType) (any, []byte, error) {
	n, buf, err := readUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	switch t {
	case model.ByteArray:
		if uint64(len(buf)) < n {
			return nil, nil, errShort("byte array")
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, buf[n:], nil
	case model.ShortArray:
		out := make([]int16, n)
		for i := range out {
			u, rest, err := readUint16(buf)
			if err != nil {
				return nil, nil, err
			}
			out[i] = int16(u)
			buf = rest
		}
		return out, buf, nil
	case model.IntArray, model.ReferenceArray:
		if t == model.IntArray {
			out := make([]int32, n)
			for i := range out {
				u, rest, err := readUint32(buf)
				if err != nil {
					return nil, nil, err
				}
				out[i] = int32(u)
				buf = rest
			}
			return out, buf, nil
		}
		out := make([]int64, n)
		for i := range out {
			u, rest, err := readUint64(buf)
			if err != nil {
				return nil, nil, err
			}
			out[i] = int64(u)
			buf = rest
		}
		return out, buf, nil
	case model.LongArray, model.DateTimeArray:
		out := make([]int64, n)
		for i := range out {
			u, rest, err := readUint64(buf)
			if err != nil {
				return nil, nil, err
			}
			out[i] = int64(u)
			buf = rest
		}
		return out, buf, nil
	case model.FloatArray:
		out := make([]float32, n)
		for i := range out {
			u, rest, err := readUint32(buf)
			if err != nil {
				return nil, nil, err
			}
			out[i] = math.Float32frombits(u)
			buf = rest
		}
		return out, buf, nil
	case model.DoubleArray:
		out := make([]float64, n)
		for i := range out {
			u, rest, err := readUint64(buf)
			if err != nil {
				return nil, nil, err
			}
			out[i] = math.Float64frombits(u)
			buf = rest
		}
		return out, buf, nil
	case model.BoolArray:
		if uint64(len(buf)) < n {
			return nil, nil, errShort("bool array")
		}
		out := make([]bool, n)
		for i := range out {
			out[i] = buf[i] != 0
		}
		return out, buf[n:], nil
	case model.StringArray:
		out := make([]string, n)
		for i := range out {
			s, rest, err := readString(buf)
			if err != nil {
				return nil, nil, err
			}
			out[i] = s
			buf = rest
		}
		return out, buf, nil
	default:
		return nil, nil, verrors.New(verrors.UnsupportedFormat, fmt.Sprintf("decode array: unexpected type %v", t))
	}
}

func scalarOf(t model.PropertyType) model.PropertyType {
	switch t {
	case model.ByteArray:
		return model.Byte
	case model.ShortArray:
		return model.Short
	case model.IntArray:
		return model.Int
	case model.LongArray:
		return model.Long
	case model.FloatArray:
		return model.Float
	case model.DoubleArray:
		return model.Double
	case model.BoolArray:
		return model.Bool
	case model.DateTimeArray:
		return model.DateTime
	case model.StringArray:
		return model.String
	case model.ReferenceArray:
		return model.Reference
	default:
		return t
	}
}
