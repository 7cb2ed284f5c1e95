package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// Index locations of a shard.
const (
	IndexLocationStart = "start"
	IndexLocationEnd   = "end"
)

// missingEntry marks an inner chunk that was never written; both the offset
// and the length of its index entry hold it.
const missingEntry = math.MaxUint64

// ShardingCodec stores a grid of inner chunks, each encoded with Codecs,
// in one object together with an index of their byte ranges. Nil Codecs
// default to a little endian bytes codec, nil IndexCodecs to little endian
// bytes followed by crc32c, and an empty IndexLocation to "end".
type ShardingCodec struct {
	ChunkShape    []int
	Codecs        []Codec
	IndexCodecs   []Codec
	IndexLocation string
}

func (ShardingCodec) Name() string { return codecSharding }

func (c ShardingCodec) configuration() map[string]any {
	return map[string]any{
		"chunk_shape":    c.ChunkShape,
		"codecs":         codecDocuments(c.Codecs),
		"index_codecs":   codecDocuments(c.IndexCodecs),
		"index_location": c.IndexLocation,
	}
}

func parseShardingCodec(raw json.RawMessage) (Codec, error) {
	var cfg struct {
		ChunkShape    []int             `json:"chunk_shape"`
		Codecs        []json.RawMessage `json:"codecs"`
		IndexCodecs   []json.RawMessage `json:"index_codecs"`
		IndexLocation *string           `json:"index_location"`
	}
	if err := strictUnmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.ChunkShape == nil {
		return nil, fmt.Errorf("missing chunk_shape")
	}
	c := ShardingCodec{ChunkShape: cfg.ChunkShape, IndexLocation: IndexLocationEnd}
	var err error
	if cfg.Codecs != nil {
		if c.Codecs, err = parseCodecs(cfg.Codecs); err != nil {
			return nil, err
		}
	}
	if cfg.IndexCodecs != nil {
		if c.IndexCodecs, err = parseCodecs(cfg.IndexCodecs); err != nil {
			return nil, err
		}
	}
	if cfg.IndexLocation != nil {
		c.IndexLocation = *cfg.IndexLocation
		if c.IndexLocation != IndexLocationStart && c.IndexLocation != IndexLocationEnd {
			return nil, fmt.Errorf("index_location must be start or end, got %q", c.IndexLocation)
		}
	}
	return c, nil
}

// shardingStep is a ShardingCodec bound to the shard it encodes.
type shardingStep struct {
	codec          ShardingCodec
	spec           ChunkSpec
	chunksPerShard []int
	inner          *CodecChain
	index          *CodecChain
	indexSize      int
}

func newShardingStep(c ShardingCodec, spec ChunkSpec) (*shardingStep, error) {
	if len(c.ChunkShape) != len(spec.Shape) {
		return nil, NewConfigurationError("sharding chunk_shape %v does not match shard rank %d", c.ChunkShape, len(spec.Shape))
	}
	chunksPerShard := make([]int, len(spec.Shape))
	for i, d := range c.ChunkShape {
		if d <= 0 {
			return nil, NewConfigurationError("sharding chunk_shape %v has a non-positive dimension", c.ChunkShape)
		}
		if spec.Shape[i]%d != 0 {
			return nil, NewConfigurationError("sharding chunk_shape %v does not evenly divide shard shape %v", c.ChunkShape, spec.Shape)
		}
		chunksPerShard[i] = spec.Shape[i] / d
	}

	codecs := c.Codecs
	if codecs == nil {
		codecs = []Codec{BytesCodec{Endian: LittleEndian}}
	}
	inner, err := NewCodecChain(codecs, ChunkSpec{
		Shape:     slices.Clone(c.ChunkShape),
		DataType:  spec.DataType,
		FillValue: spec.FillValue,
	})
	if err != nil {
		return nil, fmt.Errorf("sharding codecs: %w", err)
	}

	indexCodecs := c.IndexCodecs
	if indexCodecs == nil {
		indexCodecs = []Codec{BytesCodec{Endian: LittleEndian}, Crc32cCodec{}}
	}
	checksums := 0
	for _, ic := range indexCodecs {
		switch ic.(type) {
		case BytesCodec, TransposeCodec:
		case Crc32cCodec:
			checksums++
		default:
			return nil, NewConfigurationError("sharding index codec %s does not produce a fixed size index", ic.Name())
		}
	}
	fill := make([]byte, 8)
	binary.LittleEndian.PutUint64(fill, missingEntry)
	index, err := NewCodecChain(indexCodecs, ChunkSpec{
		Shape:     append(slices.Clone(chunksPerShard), 2),
		DataType:  Uint64,
		FillValue: fill,
	})
	if err != nil {
		return nil, fmt.Errorf("sharding index_codecs: %w", err)
	}

	location := c.IndexLocation
	switch location {
	case "":
		location = IndexLocationEnd
	case IndexLocationStart, IndexLocationEnd:
	default:
		return nil, NewConfigurationError("sharding index_location must be start or end, got %q", location)
	}

	return &shardingStep{
		codec: ShardingCodec{
			ChunkShape:    slices.Clone(c.ChunkShape),
			Codecs:        inner.Codecs(),
			IndexCodecs:   index.Codecs(),
			IndexLocation: location,
		},
		spec:           spec,
		chunksPerShard: chunksPerShard,
		inner:          inner,
		index:          index,
		indexSize:      16*numElements(chunksPerShard) + crc32cSize*checksums,
	}, nil
}

func (s *shardingStep) encode(b *Buffer) ([]byte, error) {
	rank := len(s.spec.Shape)
	zero := make([]int, rank)
	innerShape := s.codec.ChunkShape
	entries := make([]uint64, 2*numElements(s.chunksPerShard))

	base := 0
	if s.codec.IndexLocation == IndexLocationStart {
		base = s.indexSize
	}

	var data []byte
	sub := NewBuffer(s.spec.DataType, innerShape)
	origin := make([]int, rank)
	i := 0
	for coords := range CoordinatesForRegion(innerShape, zero, s.spec.Shape) {
		for d := range coords {
			origin[d] = coords[d] * innerShape[d]
		}
		copyRegion(sub, zero, b, origin, innerShape)
		if sub.IsFilledWith(s.spec.FillValue) {
			entries[2*i], entries[2*i+1] = missingEntry, missingEntry
			i++
			continue
		}
		enc, err := s.inner.EncodeChunk(sub)
		if err != nil {
			return nil, err
		}
		entries[2*i] = uint64(base + len(data))
		entries[2*i+1] = uint64(len(enc))
		data = append(data, enc...)
		i++
	}

	index := NewBuffer(Uint64, append(slices.Clone(s.chunksPerShard), 2))
	for j, e := range entries {
		binary.LittleEndian.PutUint64(index.Data[8*j:], e)
	}
	encIndex, err := s.index.EncodeChunk(index)
	if err != nil {
		return nil, fmt.Errorf("shard index: %w", err)
	}
	if len(encIndex) != s.indexSize {
		return nil, fmt.Errorf("shard index encoded to %d bytes, want %d", len(encIndex), s.indexSize)
	}

	if s.codec.IndexLocation == IndexLocationStart {
		return append(encIndex, data...), nil
	}
	return append(data, encIndex...), nil
}

func (s *shardingStep) decodeIndex(raw []byte) ([]uint64, error) {
	b, err := s.index.DecodeChunk(raw)
	if err != nil {
		return nil, fmt.Errorf("shard index: %w", err)
	}
	entries := make([]uint64, len(b.Data)/8)
	for j := range entries {
		entries[j] = binary.LittleEndian.Uint64(b.Data[8*j:])
	}
	return entries, nil
}

func (s *shardingStep) indexRange(size int) (lo, hi int) {
	if s.codec.IndexLocation == IndexLocationStart {
		return 0, s.indexSize
	}
	return size - s.indexSize, size
}

func (s *shardingStep) decode(data []byte) (*Buffer, error) {
	if len(data) < s.indexSize {
		return nil, NewFormatError("shard of %d bytes is shorter than its %d byte index", len(data), s.indexSize)
	}
	lo, hi := s.indexRange(len(data))
	entries, err := s.decodeIndex(data[lo:hi])
	if err != nil {
		return nil, err
	}

	rank := len(s.spec.Shape)
	zero := make([]int, rank)
	innerShape := s.codec.ChunkShape
	out := newFilledBuffer(s.spec.DataType, s.spec.Shape, s.spec.FillValue)
	origin := make([]int, rank)
	i := 0
	for coords := range CoordinatesForRegion(innerShape, zero, s.spec.Shape) {
		off, n := entries[2*i], entries[2*i+1]
		i++
		if off == missingEntry && n == missingEntry {
			continue
		}
		if off > uint64(len(data)) || n > uint64(len(data))-off {
			return nil, NewFormatError("shard entry %v at [%d, +%d) extends past the %d byte shard", coords, off, n, len(data))
		}
		chunk, err := s.inner.DecodeChunk(data[off : off+n])
		if err != nil {
			return nil, fmt.Errorf("shard entry %v: %w", coords, err)
		}
		for d := range coords {
			origin[d] = coords[d] * innerShape[d]
		}
		copyRegion(out, origin, chunk, zero, innerShape)
	}
	return out, nil
}

// decodeRegion reads the index and then only the inner chunks that
// intersect [offset, offset+shape).
func (s *shardingStep) decodeRegion(ctx context.Context, get RangeGetter, offset, shape []int) (*Buffer, error) {
	var raw []byte
	var err error
	if s.codec.IndexLocation == IndexLocationStart {
		raw, err = get(ctx, 0, int64(s.indexSize))
	} else {
		raw, err = get(ctx, -1, int64(s.indexSize))
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != s.indexSize {
		return nil, NewFormatError("shard is shorter than its %d byte index", s.indexSize)
	}
	entries, err := s.decodeIndex(raw)
	if err != nil {
		return nil, err
	}

	rank := len(s.spec.Shape)
	end := make([]int, rank)
	for d := range rank {
		end[d] = offset[d] + shape[d]
	}
	innerShape := s.codec.ChunkShape
	out := newFilledBuffer(s.spec.DataType, shape, s.spec.FillValue)
	zero := make([]int, rank)
	for coords := range CoordinatesForRegion(innerShape, offset, end) {
		flat := 0
		for d, c := range coords {
			flat = flat*s.chunksPerShard[d] + c
		}
		off, n := entries[2*flat], entries[2*flat+1]
		if off == missingEntry && n == missingEntry {
			continue
		}
		if off > math.MaxInt64 || n > math.MaxInt64-off {
			return nil, NewFormatError("shard entry %v at [%d, +%d) is out of range", coords, off, n)
		}

		p := projectChunk(coords, innerShape, offset, end)
		if !p.full && s.inner.SupportsPartialDecode() {
			part, err := s.inner.DecodeRegion(ctx, subrangeGetter(get, int64(off), int64(n)), p.chunkOffset, p.copyShape)
			if err != nil {
				return nil, fmt.Errorf("shard entry %v: %w", coords, err)
			}
			copyRegion(out, p.regionOffset, part, zero, p.copyShape)
			continue
		}

		payload, err := get(ctx, int64(off), int64(n))
		if err != nil {
			return nil, err
		}
		if uint64(len(payload)) != n {
			return nil, NewFormatError("shard entry %v at [%d, +%d) extends past the end of the shard", coords, off, n)
		}
		chunk, err := s.inner.DecodeChunk(payload)
		if err != nil {
			return nil, fmt.Errorf("shard entry %v: %w", coords, err)
		}
		copyRegion(out, p.regionOffset, chunk, p.chunkOffset, p.copyShape)
	}
	return out, nil
}

// subrangeGetter addresses the size bytes starting at base of the object
// behind get as an object of its own.
func subrangeGetter(get RangeGetter, base, size int64) RangeGetter {
	return func(ctx context.Context, offset, length int64) ([]byte, error) {
		if offset < 0 {
			offset = size - length
		}
		if length < 0 {
			length = size - offset
		}
		if offset < 0 || offset+length > size {
			return nil, NewFormatError("range [%d, %d) is outside a nested shard of %d bytes", offset, offset+length, size)
		}
		return get(ctx, base+offset, length)
	}
}
