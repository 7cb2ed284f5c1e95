package zarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Buffer is a typed N-dimensional block of elements in C order. Data holds
// the little endian encoding of every element.
type Buffer struct {
	DataType DataType
	Shape    []int
	Data     []byte
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(dt DataType, shape []int) *Buffer {
	return &Buffer{
		DataType: dt,
		Shape:    append([]int(nil), shape...),
		Data:     make([]byte, numElements(shape)*dt.Size()),
	}
}

// newFilledBuffer allocates a buffer with every element set to fill.
func newFilledBuffer(dt DataType, shape []int, fill []byte) *Buffer {
	b := NewBuffer(dt, shape)
	b.Fill(fill)
	return b
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NumElements returns the product of the shape.
func (b *Buffer) NumElements() int {
	return numElements(b.Shape)
}

// Fill sets every element to value, the little endian bytes of one element.
func (b *Buffer) Fill(value []byte) {
	if len(b.Data) == 0 {
		return
	}
	if isZero(value) {
		clear(b.Data)
		return
	}
	copy(b.Data, value)
	// Double the filled prefix until the buffer is covered.
	for n := len(value); n < len(b.Data); n *= 2 {
		copy(b.Data[n:], b.Data[:n])
	}
}

// IsFilledWith reports whether every element equals value.
func (b *Buffer) IsFilledWith(value []byte) bool {
	size := len(value)
	if size == 0 {
		return len(b.Data) == 0
	}
	if isZero(value) {
		return isZero(b.Data)
	}
	for off := 0; off < len(b.Data); off += size {
		if !bytes.Equal(b.Data[off:off+size], value) {
			return false
		}
	}
	return true
}

func isZero(p []byte) bool {
	for _, c := range p {
		if c != 0 {
			return false
		}
	}
	return true
}

// Index returns the flat element index of coords.
func (b *Buffer) Index(coords ...int) int {
	idx := 0
	for i, c := range coords {
		idx = idx*b.Shape[i] + c
	}
	return idx
}

// Value returns element i as a Go value of the matching kind.
func (b *Buffer) Value(i int) any {
	size := b.DataType.Size()
	return decodeElement(b.DataType, b.Data[i*size:(i+1)*size])
}

// At returns the element at coords.
func (b *Buffer) At(coords ...int) any {
	return b.Value(b.Index(coords...))
}

// Element is the set of Go types a Buffer can be built from or read into.
type Element interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// DataTypeOf returns the DataType matching T.
func DataTypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float32:
		return Float32
	default:
		return Float64
	}
}

// FromSlice packs values into a buffer of the given shape.
func FromSlice[T Element](values []T, shape ...int) (*Buffer, error) {
	if n := numElements(shape); n != len(values) {
		return nil, fmt.Errorf("shape %v holds %d elements, got %d values", shape, n, len(values))
	}
	b := NewBuffer(DataTypeOf[T](), shape)
	switch v := any(values).(type) {
	case []bool:
		for i, x := range v {
			if x {
				b.Data[i] = 1
			}
		}
	case []int8:
		for i, x := range v {
			b.Data[i] = byte(x)
		}
	case []uint8:
		copy(b.Data, v)
	case []int16:
		for i, x := range v {
			binary.LittleEndian.PutUint16(b.Data[2*i:], uint16(x))
		}
	case []uint16:
		for i, x := range v {
			binary.LittleEndian.PutUint16(b.Data[2*i:], x)
		}
	case []int32:
		for i, x := range v {
			binary.LittleEndian.PutUint32(b.Data[4*i:], uint32(x))
		}
	case []uint32:
		for i, x := range v {
			binary.LittleEndian.PutUint32(b.Data[4*i:], x)
		}
	case []int64:
		for i, x := range v {
			binary.LittleEndian.PutUint64(b.Data[8*i:], uint64(x))
		}
	case []uint64:
		for i, x := range v {
			binary.LittleEndian.PutUint64(b.Data[8*i:], x)
		}
	case []float32:
		for i, x := range v {
			binary.LittleEndian.PutUint32(b.Data[4*i:], math.Float32bits(x))
		}
	case []float64:
		for i, x := range v {
			binary.LittleEndian.PutUint64(b.Data[8*i:], math.Float64bits(x))
		}
	}
	return b, nil
}

// Values unpacks the buffer into a slice. T must match the buffer's DataType.
func Values[T Element](b *Buffer) ([]T, error) {
	if dt := DataTypeOf[T](); dt != b.DataType {
		return nil, fmt.Errorf("buffer holds %s, not %s", b.DataType, dt)
	}
	out := make([]T, b.NumElements())
	switch v := any(out).(type) {
	case []bool:
		for i := range v {
			v[i] = b.Data[i] != 0
		}
	case []int8:
		for i := range v {
			v[i] = int8(b.Data[i])
		}
	case []uint8:
		copy(v, b.Data)
	case []int16:
		for i := range v {
			v[i] = int16(binary.LittleEndian.Uint16(b.Data[2*i:]))
		}
	case []uint16:
		for i := range v {
			v[i] = binary.LittleEndian.Uint16(b.Data[2*i:])
		}
	case []int32:
		for i := range v {
			v[i] = int32(binary.LittleEndian.Uint32(b.Data[4*i:]))
		}
	case []uint32:
		for i := range v {
			v[i] = binary.LittleEndian.Uint32(b.Data[4*i:])
		}
	case []int64:
		for i := range v {
			v[i] = int64(binary.LittleEndian.Uint64(b.Data[8*i:]))
		}
	case []uint64:
		for i := range v {
			v[i] = binary.LittleEndian.Uint64(b.Data[8*i:])
		}
	case []float32:
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.Data[4*i:]))
		}
	case []float64:
		for i := range v {
			v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b.Data[8*i:]))
		}
	}
	return out, nil
}
