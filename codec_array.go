package zarr

import (
	"encoding/json"
	"fmt"
	"slices"
)

// BytesCodec serializes an array to its elements in the given byte order.
type BytesCodec struct {
	Endian Endian
}

func (BytesCodec) Name() string { return codecBytes }

func (c BytesCodec) configuration() map[string]any {
	return map[string]any{"endian": string(c.Endian)}
}

func (c BytesCodec) resolve(ChunkSpec) (BytesCodec, error) {
	switch c.Endian {
	case "":
		c.Endian = LittleEndian
	case LittleEndian, BigEndian:
	default:
		return c, NewConfigurationError("bytes codec endian must be little or big, got %q", c.Endian)
	}
	return c, nil
}

func (c BytesCodec) encode(b *Buffer) []byte {
	out := append([]byte(nil), b.Data...)
	if c.Endian == BigEndian {
		swapBytes(out, b.DataType.Size())
	}
	return out
}

func (c BytesCodec) decode(data []byte, spec ChunkSpec) (*Buffer, error) {
	if len(data) != spec.numBytes() {
		return nil, NewFormatError("chunk holds %d bytes, want %d for shape %v of %s",
			len(data), spec.numBytes(), spec.Shape, spec.DataType)
	}
	out := &Buffer{DataType: spec.DataType, Shape: slices.Clone(spec.Shape), Data: append([]byte(nil), data...)}
	if c.Endian == BigEndian {
		swapBytes(out.Data, spec.DataType.Size())
	}
	return out, nil
}

// swapBytes reverses each size byte element in place.
func swapBytes(p []byte, size int) {
	if size < 2 {
		return
	}
	for off := 0; off+size <= len(p); off += size {
		e := p[off : off+size]
		for i, j := 0, size-1; i < j; i, j = i+1, j-1 {
			e[i], e[j] = e[j], e[i]
		}
	}
}

func parseBytesCodec(raw json.RawMessage) (Codec, error) {
	var cfg struct {
		Endian *string `json:"endian"`
	}
	if err := strictUnmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	c := BytesCodec{Endian: LittleEndian}
	if cfg.Endian != nil {
		c.Endian = Endian(*cfg.Endian)
		if c.Endian != LittleEndian && c.Endian != BigEndian {
			return nil, fmt.Errorf("endian must be little or big, got %q", *cfg.Endian)
		}
	}
	return c, nil
}

// TransposeCodec permutes the axes of a chunk: output axis i is input axis
// Order[i].
type TransposeCodec struct {
	Order []int
}

func (TransposeCodec) Name() string { return codecTranspose }

func (c TransposeCodec) configuration() map[string]any {
	return map[string]any{"order": c.Order}
}

func (c TransposeCodec) resolve(spec ChunkSpec) (TransposeCodec, ChunkSpec, error) {
	if len(c.Order) != len(spec.Shape) {
		return c, spec, NewConfigurationError("transpose order %v does not match rank %d", c.Order, len(spec.Shape))
	}
	seen := make([]bool, len(c.Order))
	for _, axis := range c.Order {
		if axis < 0 || axis >= len(c.Order) || seen[axis] {
			return c, spec, NewConfigurationError("transpose order %v is not a permutation", c.Order)
		}
		seen[axis] = true
	}
	out := spec
	out.Shape = make([]int, len(spec.Shape))
	for i, axis := range c.Order {
		out.Shape[i] = spec.Shape[axis]
	}
	c.Order = slices.Clone(c.Order)
	return c, out, nil
}

func (c TransposeCodec) encode(b *Buffer) *Buffer {
	return permuteAxes(b, c.Order)
}

func (c TransposeCodec) decode(b *Buffer) *Buffer {
	inverse := make([]int, len(c.Order))
	for i, axis := range c.Order {
		inverse[axis] = i
	}
	return permuteAxes(b, inverse)
}

// permuteAxes returns a C-order copy of b whose axis i is axis order[i] of b.
func permuteAxes(b *Buffer, order []int) *Buffer {
	shape := make([]int, len(order))
	for i, axis := range order {
		shape[i] = b.Shape[axis]
	}
	out := NewBuffer(b.DataType, shape)
	size := b.DataType.Size()
	if out.NumElements() == 0 {
		return out
	}

	srcStrides := strides(b.Shape)
	step := make([]int, len(order))
	for i, axis := range order {
		step[i] = srcStrides[axis]
	}

	coords := make([]int, len(shape))
	src := 0
	for dst := 0; dst < len(out.Data); dst += size {
		copy(out.Data[dst:dst+size], b.Data[src*size:(src+1)*size])
		for i := len(coords) - 1; i >= 0; i-- {
			coords[i]++
			src += step[i]
			if coords[i] < shape[i] {
				break
			}
			src -= step[i] * coords[i]
			coords[i] = 0
		}
	}
	return out
}

func parseTransposeCodec(raw json.RawMessage) (Codec, error) {
	var cfg struct {
		Order json.RawMessage `json:"order"`
	}
	if err := strictUnmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Order) == 0 {
		return nil, fmt.Errorf("missing order")
	}
	var order []int
	if err := json.Unmarshal(cfg.Order, &order); err != nil {
		return nil, fmt.Errorf("order must be a list of axes: %w", err)
	}
	return TransposeCodec{Order: order}, nil
}
