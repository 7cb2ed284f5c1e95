package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType is a Zarr v3 fixed width element type.
type DataType string

const (
	Bool    DataType = "bool"
	Int8    DataType = "int8"
	Int16   DataType = "int16"
	Int32   DataType = "int32"
	Int64   DataType = "int64"
	Uint8   DataType = "uint8"
	Uint16  DataType = "uint16"
	Uint32  DataType = "uint32"
	Uint64  DataType = "uint64"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
)

var dataTypeSizes = map[DataType]int{
	Bool: 1, Int8: 1, Int16: 2, Int32: 4, Int64: 8,
	Uint8: 1, Uint16: 2, Uint32: 4, Uint64: 8,
	Float32: 4, Float64: 8,
}

// Size returns the width of one element in bytes, or 0 for an unknown type.
func (dt DataType) Size() int {
	return dataTypeSizes[dt]
}

// Valid reports whether dt is one of the supported types.
func (dt DataType) Valid() bool {
	_, ok := dataTypeSizes[dt]
	return ok
}

func (dt DataType) isFloat() bool    { return dt == Float32 || dt == Float64 }
func (dt DataType) isUnsigned() bool { return dt == Uint8 || dt == Uint16 || dt == Uint32 || dt == Uint64 }

// ParseDataType accepts a Zarr v3 name ("int32") or a numpy style type
// string as used by Zarr v2 ("<i4", "|b1"). The byte order prefix of a numpy
// string is ignored; chunk byte order is set by the bytes codec.
func ParseDataType(s string) (DataType, error) {
	if dt := DataType(s); dt.Valid() {
		return dt, nil
	}
	if len(s) < 3 || !strings.ContainsRune("<>|", rune(s[0])) {
		return "", fmt.Errorf("invalid data type: %s", s)
	}
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return "", fmt.Errorf("invalid size in data type: %s", s)
	}
	var dt DataType
	switch s[1] {
	case 'b':
		dt = Bool
	case 'i':
		dt = DataType(fmt.Sprintf("int%d", size*8))
	case 'u':
		dt = DataType(fmt.Sprintf("uint%d", size*8))
	case 'f':
		dt = DataType(fmt.Sprintf("float%d", size*8))
	default:
		return "", fmt.Errorf("unsupported data type kind %c in %s", s[1], s)
	}
	if !dt.Valid() || dt.Size() != size {
		return "", fmt.Errorf("unsupported data type: %s", s)
	}
	return dt, nil
}

// putScalar stores v, which must already be range checked, as the little
// endian encoding of one dt element.
func putScalar(dst []byte, dt DataType, v scalar) {
	switch dt {
	case Bool:
		if v.b {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case Int8, Uint8:
		dst[0] = byte(v.u)
	case Int16, Uint16:
		binary.LittleEndian.PutUint16(dst, uint16(v.u))
	case Int32, Uint32:
		binary.LittleEndian.PutUint32(dst, uint32(v.u))
	case Int64, Uint64:
		binary.LittleEndian.PutUint64(dst, v.u)
	case Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v.f)))
	case Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v.f))
	}
}

// scalar carries a fill value on its way into bytes. Integers use u as the
// two's complement bit pattern.
type scalar struct {
	b bool
	u uint64
	f float64
}

// encodeFillValue converts a Go or JSON decoded value into the element bytes
// of dt. A nil value yields zero.
func encodeFillValue(dt DataType, v any) ([]byte, error) {
	out := make([]byte, dt.Size())
	if v == nil {
		return out, nil
	}
	if s, ok := v.(string); ok {
		return encodeFillString(dt, s, out)
	}

	switch dt {
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("fill value %v is not a bool", v)
		}
		putScalar(out, dt, scalar{b: b})
		return out, nil
	case Float32, Float64:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		putScalar(out, dt, scalar{f: f})
		return out, nil
	}

	if dt.isUnsigned() {
		u, err := toUint(v)
		if err != nil {
			return nil, err
		}
		if bits := 8 * dt.Size(); bits < 64 && u>>bits != 0 {
			return nil, fmt.Errorf("fill value %d overflows %s", u, dt)
		}
		putScalar(out, dt, scalar{u: u})
		return out, nil
	}

	i, err := toInt(v)
	if err != nil {
		return nil, err
	}
	bits := 8 * dt.Size()
	if bits < 64 && (i < -(1<<(bits-1)) || i >= 1<<(bits-1)) {
		return nil, fmt.Errorf("fill value %d overflows %s", i, dt)
	}
	putScalar(out, dt, scalar{u: uint64(i)})
	return out, nil
}

func encodeFillString(dt DataType, s string, out []byte) ([]byte, error) {
	if dt.isFloat() {
		var f float64
		switch s {
		case "NaN":
			putNaN(out, dt)
			return out, nil
		case "Infinity", "+Infinity":
			f = math.Inf(1)
		case "-Infinity":
			f = math.Inf(-1)
		}
		if f != 0 {
			putScalar(out, dt, scalar{f: f})
			return out, nil
		}
	}
	base := 0
	switch {
	case strings.HasPrefix(s, "0x"):
		base = 16
	case strings.HasPrefix(s, "0b"):
		base = 2
	default:
		return nil, fmt.Errorf("fill value %q is not valid for %s", s, dt)
	}
	u, err := strconv.ParseUint(s[2:], base, 8*dt.Size())
	if err != nil {
		return nil, fmt.Errorf("fill value %q is not valid for %s: %w", s, dt, err)
	}
	// The literal spells the raw element bits, most significant byte first.
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], u)
	be := raw[8-dt.Size():]
	for i := range out {
		out[i] = be[len(be)-1-i]
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("fill value %v (%T) is not a number", v, v)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return strconv.ParseInt(n.String(), 10, 64)
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("fill value %v is not an integer", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("fill value %v (%T) is not an integer", v, v)
}

func toUint(v any) (uint64, error) {
	switch n := v.(type) {
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	}
	i, err := toInt(v)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("fill value %d is negative", i)
	}
	return uint64(i), nil
}

// decodeFillValue parses the fill_value member of a metadata document.
func decodeFillValue(dt DataType, raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing fill_value")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("fill_value must not be null")
	}
	return encodeFillValue(dt, v)
}

// Canonical quiet NaN bit patterns, written to zarr.json as "NaN". Any other
// NaN is written as its raw bits so the payload survives.
const (
	nanBits32 = 0x7fc00000
	nanBits64 = 0x7ff8000000000000
)

func putNaN(out []byte, dt DataType) {
	if dt == Float32 {
		binary.LittleEndian.PutUint32(out, nanBits32)
		return
	}
	binary.LittleEndian.PutUint64(out, nanBits64)
}

// fillValueJSON renders fill element bytes the way they are written to zarr.json.
func fillValueJSON(dt DataType, fill []byte) any {
	switch dt {
	case Float32:
		f := math.Float32frombits(binary.LittleEndian.Uint32(fill))
		if bits := math.Float32bits(f); math.IsNaN(float64(f)) && bits != nanBits32 {
			return fmt.Sprintf("0x%08x", bits)
		}
		return floatJSON(float64(f))
	case Float64:
		f := math.Float64frombits(binary.LittleEndian.Uint64(fill))
		if bits := math.Float64bits(f); math.IsNaN(f) && bits != nanBits64 {
			return fmt.Sprintf("0x%016x", bits)
		}
		return floatJSON(f)
	}
	return decodeElement(dt, fill)
}

func floatJSON(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

// decodeElement returns the Go value of one little endian dt element.
func decodeElement(dt DataType, b []byte) any {
	switch dt {
	case Bool:
		return b[0] != 0
	case Int8:
		return int8(b[0])
	case Uint8:
		return b[0]
	case Int16:
		return int16(binary.LittleEndian.Uint16(b))
	case Uint16:
		return binary.LittleEndian.Uint16(b)
	case Int32:
		return int32(binary.LittleEndian.Uint32(b))
	case Uint32:
		return binary.LittleEndian.Uint32(b)
	case Int64:
		return int64(binary.LittleEndian.Uint64(b))
	case Uint64:
		return binary.LittleEndian.Uint64(b)
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return nil
}
