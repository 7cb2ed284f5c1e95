package zarr

import (
	"context"
	"fmt"
	"slices"
)

// CodecChain is a validated, ordered list of codecs bound to the chunk it
// encodes. Encoding runs the codecs in order, decoding in reverse.
type CodecChain struct {
	spec        ChunkSpec
	codecs      []Codec
	transposes  []TransposeCodec
	terminal    chunkCodec
	compressors []bytesCodec
}

// chunkCodec is the array to bytes step of a chain.
type chunkCodec interface {
	encode(*Buffer) ([]byte, error)
	decode([]byte) (*Buffer, error)
}

type bytesStep struct {
	codec BytesCodec
	spec  ChunkSpec
}

func (s bytesStep) encode(b *Buffer) ([]byte, error) { return s.codec.encode(b), nil }
func (s bytesStep) decode(p []byte) (*Buffer, error) { return s.codec.decode(p, s.spec) }

// RangeGetter reads part of one stored object. A negative offset reads the
// last length bytes; a negative length reads to the end.
type RangeGetter func(ctx context.Context, offset, length int64) ([]byte, error)

// NewCodecChain validates codecs against the array to bytes ordering rule and
// resolves their defaults for chunks described by spec.
func NewCodecChain(codecs []Codec, spec ChunkSpec) (*CodecChain, error) {
	if len(codecs) == 0 {
		return nil, NewConfigurationError("codec chain is empty")
	}
	if !spec.DataType.Valid() {
		return nil, NewConfigurationError("unknown data type %q", spec.DataType)
	}
	if len(spec.FillValue) != spec.DataType.Size() {
		return nil, NewConfigurationError("fill value has %d bytes, %s needs %d", len(spec.FillValue), spec.DataType, spec.DataType.Size())
	}

	chain := &CodecChain{spec: spec, codecs: make([]Codec, 0, len(codecs))}
	current := spec
	for i, c := range codecs {
		switch c := c.(type) {
		case TransposeCodec:
			if chain.terminal != nil {
				return nil, NewConfigurationError("array to array codec %s at position %d follows the array to bytes codec", c.Name(), i)
			}
			resolved, next, err := c.resolve(current)
			if err != nil {
				return nil, err
			}
			chain.transposes = append(chain.transposes, resolved)
			chain.codecs = append(chain.codecs, resolved)
			current = next
		case BytesCodec:
			if chain.terminal != nil {
				return nil, NewConfigurationError("codec %s at position %d is a second array to bytes codec", c.Name(), i)
			}
			resolved, err := c.resolve(current)
			if err != nil {
				return nil, err
			}
			chain.terminal = bytesStep{codec: resolved, spec: current}
			chain.codecs = append(chain.codecs, resolved)
		case ShardingCodec:
			if chain.terminal != nil {
				return nil, NewConfigurationError("codec %s at position %d is a second array to bytes codec", c.Name(), i)
			}
			step, err := newShardingStep(c, current)
			if err != nil {
				return nil, err
			}
			chain.terminal = step
			chain.codecs = append(chain.codecs, step.codec)
		case BloscCodec, GzipCodec, ZstdCodec, Crc32cCodec, zlibCodec:
			if chain.terminal == nil {
				return nil, NewConfigurationError("bytes to bytes codec %s at position %d precedes the array to bytes codec", c.Name(), i)
			}
			resolved, err := resolveBytesCodec(c, current)
			if err != nil {
				return nil, err
			}
			chain.compressors = append(chain.compressors, resolved)
			chain.codecs = append(chain.codecs, resolved)
		case nil:
			return nil, NewConfigurationError("nil codec at position %d", i)
		default:
			return nil, NewConfigurationError("unsupported codec type %T", c)
		}
	}
	if chain.terminal == nil {
		return nil, NewConfigurationError("codec chain has no array to bytes codec")
	}
	return chain, nil
}

func resolveBytesCodec(c Codec, spec ChunkSpec) (bytesCodec, error) {
	switch c := c.(type) {
	case BloscCodec:
		return c.resolve(spec)
	case GzipCodec:
		return c.resolve(spec)
	case ZstdCodec:
		return c.resolve(spec)
	case zlibCodec:
		return c.resolve(spec)
	case Crc32cCodec:
		return c, nil
	}
	return nil, NewConfigurationError("codec %s is not a bytes to bytes codec", c.Name())
}

// Codecs returns the codecs with their defaults resolved.
func (c *CodecChain) Codecs() []Codec {
	return slices.Clone(c.codecs)
}

// Spec returns the chunk the chain was built for.
func (c *CodecChain) Spec() ChunkSpec {
	return c.spec
}

// EncodeChunk encodes one chunk of the chain's shape and data type.
func (c *CodecChain) EncodeChunk(b *Buffer) ([]byte, error) {
	if b.DataType != c.spec.DataType || !slices.Equal(b.Shape, c.spec.Shape) {
		return nil, NewFormatError("chunk of %s %v does not match %s %v", b.DataType, b.Shape, c.spec.DataType, c.spec.Shape)
	}
	for _, t := range c.transposes {
		b = t.encode(b)
	}
	data, err := c.terminal.encode(b)
	if err != nil {
		return nil, err
	}
	for _, codec := range c.compressors {
		data, err = codec.encode(data)
		if err != nil {
			return nil, fmt.Errorf("%s encode: %w", codec.Name(), err)
		}
	}
	return data, nil
}

// DecodeChunk reverses EncodeChunk.
func (c *CodecChain) DecodeChunk(data []byte) (*Buffer, error) {
	var err error
	for i := len(c.compressors) - 1; i >= 0; i-- {
		data, err = c.compressors[i].decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s decode: %w", c.compressors[i].Name(), err)
		}
	}
	b, err := c.terminal.decode(data)
	if err != nil {
		return nil, err
	}
	for i := len(c.transposes) - 1; i >= 0; i-- {
		b = c.transposes[i].decode(b)
	}
	if b.DataType != c.spec.DataType || len(b.Data) != c.spec.numBytes() {
		return nil, NewFormatError("decoded chunk has %d bytes of %s, want %d", len(b.Data), b.DataType, c.spec.numBytes())
	}
	return b, nil
}

// SupportsPartialDecode reports whether DecodeRegion can fetch less than the
// whole stored chunk. This holds when the chain is a lone sharding codec.
func (c *CodecChain) SupportsPartialDecode() bool {
	_, ok := c.terminal.(*shardingStep)
	return ok && len(c.transposes) == 0 && len(c.compressors) == 0
}

// DecodeRegion decodes the part of one chunk starting at offset with the
// given shape, reading stored bytes through get. Chains that cannot decode
// partially read the whole object.
func (c *CodecChain) DecodeRegion(ctx context.Context, get RangeGetter, offset, shape []int) (*Buffer, error) {
	if c.SupportsPartialDecode() {
		return c.terminal.(*shardingStep).decodeRegion(ctx, get, offset, shape)
	}
	data, err := get(ctx, 0, -1)
	if err != nil {
		return nil, err
	}
	chunk, err := c.DecodeChunk(data)
	if err != nil {
		return nil, err
	}
	out := NewBuffer(chunk.DataType, shape)
	copyRegion(out, make([]int, len(shape)), chunk, offset, shape)
	return out, nil
}

// bytesGetter serves range reads from an in-memory object.
func bytesGetter(data []byte) RangeGetter {
	return func(_ context.Context, offset, length int64) ([]byte, error) {
		size := int64(len(data))
		if offset < 0 {
			offset = size - length
		}
		if length < 0 {
			length = size - offset
		}
		if offset < 0 || offset+length > size {
			return nil, NewFormatError("range [%d, %d) is outside an object of %d bytes", offset, offset+length, size)
		}
		return data[offset : offset+length], nil
	}
}
