package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/TuSKan/go-zarr/internal/blosc"
)

// Blosc shuffle modes.
const (
	NoShuffle  = "noshuffle"
	Shuffle    = "shuffle"
	BitShuffle = "bitshuffle"
)

// Default compression levels applied when a level is left nil.
const (
	DefaultBloscClevel = 5
	DefaultGzipLevel   = 5
	DefaultZstdLevel   = 5
)

// Level returns a pointer to n, for the optional level fields of the
// compressing codecs.
func Level(n int) *int { return &n }

func levelOr(level *int, def int) int {
	if level == nil {
		return def
	}
	return *level
}

// BloscCodec compresses bytes into a Blosc1 frame. An empty Cname or
// Shuffle and a zero Typesize are filled in from the chunk's data type when
// the chain is built; a nil Clevel becomes DefaultBloscClevel.
type BloscCodec struct {
	Cname     string
	Clevel    *int
	Shuffle   string
	Typesize  int
	Blocksize int
}

func (BloscCodec) Name() string { return codecBlosc }

func (c BloscCodec) configuration() map[string]any {
	return map[string]any{
		"cname":     c.Cname,
		"clevel":    levelOr(c.Clevel, DefaultBloscClevel),
		"shuffle":   c.Shuffle,
		"typesize":  c.Typesize,
		"blocksize": c.Blocksize,
	}
}

func (c BloscCodec) resolve(spec ChunkSpec) (BloscCodec, error) {
	if c.Cname == "" {
		c.Cname = "zstd"
	}
	if !blosc.Supported(c.Cname) {
		return c, NewConfigurationError("blosc cname %q is not supported", c.Cname)
	}
	clevel := levelOr(c.Clevel, DefaultBloscClevel)
	if clevel < 0 || clevel > 9 {
		return c, NewConfigurationError("blosc clevel %d out of range 0-9", clevel)
	}
	c.Clevel = Level(clevel)
	if c.Typesize == 0 {
		c.Typesize = spec.DataType.Size()
	}
	if c.Typesize < 1 || c.Typesize > 255 {
		return c, NewConfigurationError("blosc typesize %d out of range 1-255", c.Typesize)
	}
	switch c.Shuffle {
	case "":
		c.Shuffle = Shuffle
		if c.Typesize == 1 {
			c.Shuffle = BitShuffle
		}
	case NoShuffle, Shuffle, BitShuffle:
	default:
		return c, NewConfigurationError("blosc shuffle %q is not one of noshuffle, shuffle, bitshuffle", c.Shuffle)
	}
	if c.Blocksize < 0 {
		return c, NewConfigurationError("blosc blocksize %d is negative", c.Blocksize)
	}
	return c, nil
}

func (c BloscCodec) encode(data []byte) ([]byte, error) {
	mode := blosc.NoShuffle
	switch c.Shuffle {
	case Shuffle:
		mode = blosc.ByteShuffle
	case BitShuffle:
		mode = blosc.BitShuffle
	}
	return blosc.Compress(data, blosc.Options{
		Cname:     c.Cname,
		Clevel:    levelOr(c.Clevel, DefaultBloscClevel),
		Shuffle:   mode,
		Typesize:  c.Typesize,
		Blocksize: c.Blocksize,
	})
}

func (c BloscCodec) decode(data []byte) ([]byte, error) {
	out, err := blosc.Decompress(data)
	if err != nil {
		return nil, wrapFormatError(err, "blosc")
	}
	return out, nil
}

func parseBloscCodec(raw json.RawMessage) (Codec, error) {
	var cfg struct {
		Cname     *string `json:"cname"`
		Clevel    *int    `json:"clevel"`
		Shuffle   *string `json:"shuffle"`
		Typesize  *int    `json:"typesize"`
		Blocksize *int    `json:"blocksize"`
	}
	if err := strictUnmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	c := BloscCodec{Cname: "zstd", Clevel: cfg.Clevel}
	if cfg.Cname != nil {
		c.Cname = *cfg.Cname
	}
	if cfg.Shuffle != nil {
		c.Shuffle = *cfg.Shuffle
		switch c.Shuffle {
		case NoShuffle, Shuffle, BitShuffle:
		default:
			return nil, fmt.Errorf("unknown shuffle %q", c.Shuffle)
		}
	}
	if cfg.Typesize != nil {
		c.Typesize = *cfg.Typesize
	}
	if cfg.Blocksize != nil {
		c.Blocksize = *cfg.Blocksize
	}
	return c, nil
}

// GzipCodec compresses bytes into a gzip member. A nil Level becomes
// DefaultGzipLevel.
type GzipCodec struct {
	Level *int
}

func (GzipCodec) Name() string { return codecGzip }

func (c GzipCodec) configuration() map[string]any {
	return map[string]any{"level": levelOr(c.Level, DefaultGzipLevel)}
}

func (c GzipCodec) resolve(ChunkSpec) (GzipCodec, error) {
	level := levelOr(c.Level, DefaultGzipLevel)
	if level < 0 || level > 9 {
		return c, NewConfigurationError("gzip level %d out of range 0-9", level)
	}
	c.Level = Level(level)
	return c, nil
}

func (c GzipCodec) encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, levelOr(c.Level, DefaultGzipLevel))
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c GzipCodec) decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, wrapFormatError(err, "gzip header")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapFormatError(err, "gzip")
	}
	return out, nil
}

func parseGzipCodec(raw json.RawMessage) (Codec, error) {
	var cfg struct {
		Level *int `json:"level"`
	}
	if err := strictUnmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return GzipCodec{Level: cfg.Level}, nil
}

// ZstdCodec compresses bytes into a single zstd frame, optionally carrying
// the frame content checksum. A nil Level becomes DefaultZstdLevel.
type ZstdCodec struct {
	Level    *int
	Checksum bool
}

func (ZstdCodec) Name() string { return codecZstd }

func (c ZstdCodec) configuration() map[string]any {
	return map[string]any{"level": levelOr(c.Level, DefaultZstdLevel), "checksum": c.Checksum}
}

func (c ZstdCodec) resolve(ChunkSpec) (ZstdCodec, error) {
	level := levelOr(c.Level, DefaultZstdLevel)
	if level < -131072 || level > 22 {
		return c, NewConfigurationError("zstd level %d out of range", level)
	}
	c.Level = Level(level)
	return c, nil
}

// zstdDec is a package-level decoder, concurrent-safe, shared by all chains.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

type zstdKey struct {
	level    int
	checksum bool
}

var zstdEncoders sync.Map // zstdKey -> *zstd.Encoder

func (c ZstdCodec) encoder() (*zstd.Encoder, error) {
	level := levelOr(c.Level, DefaultZstdLevel)
	key := zstdKey{level, c.Checksum}
	if enc, ok := zstdEncoders.Load(key); ok {
		return enc.(*zstd.Encoder), nil
	}
	if level == 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderCRC(c.Checksum),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	actual, _ := zstdEncoders.LoadOrStore(key, enc)
	return actual.(*zstd.Encoder), nil
}

func (c ZstdCodec) encode(data []byte) ([]byte, error) {
	enc, err := c.encoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, nil), nil
}

func (c ZstdCodec) decode(data []byte) ([]byte, error) {
	out, err := zstdDec.DecodeAll(data, nil)
	if err != nil {
		return nil, wrapFormatError(err, "zstd")
	}
	return out, nil
}

func parseZstdCodec(raw json.RawMessage) (Codec, error) {
	var cfg struct {
		Level    *int  `json:"level"`
		Checksum *bool `json:"checksum"`
	}
	if err := strictUnmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	c := ZstdCodec{Level: cfg.Level}
	if cfg.Checksum != nil {
		c.Checksum = *cfg.Checksum
	}
	return c, nil
}

// Crc32cCodec appends a CRC-32C (Castagnoli) checksum of the payload as four
// little endian bytes.
type Crc32cCodec struct{}

func (Crc32cCodec) Name() string { return codecCrc32c }

func (Crc32cCodec) configuration() map[string]any { return nil }

const crc32cSize = 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func (Crc32cCodec) encode(data []byte) ([]byte, error) {
	out := make([]byte, len(data), len(data)+crc32cSize)
	copy(out, data)
	return binary.LittleEndian.AppendUint32(out, crc32.Checksum(data, castagnoli)), nil
}

func (Crc32cCodec) decode(data []byte) ([]byte, error) {
	if len(data) < crc32cSize {
		return nil, NewFormatError("crc32c payload of %d bytes is shorter than its checksum", len(data))
	}
	payload := data[:len(data)-crc32cSize]
	stored := binary.LittleEndian.Uint32(data[len(payload):])
	if actual := crc32.Checksum(payload, castagnoli); actual != stored {
		return nil, NewIntegrityError(codecCrc32c, stored, actual)
	}
	return payload, nil
}

// zlibCodec reads and writes the zlib compressor of Zarr v2 arrays. It has
// no zarr.json name and is only built from a .zarray document.
type zlibCodec struct {
	level int
}

func (zlibCodec) Name() string { return "zlib" }

func (c zlibCodec) configuration() map[string]any {
	return map[string]any{"level": c.level}
}

func (c zlibCodec) resolve(ChunkSpec) (zlibCodec, error) {
	if c.level < 0 || c.level > 9 {
		return c, NewConfigurationError("zlib level %d out of range 0-9", c.level)
	}
	return c, nil
}

func (c zlibCodec) encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c zlibCodec) decode(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, wrapFormatError(err, "zlib header")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapFormatError(err, "zlib")
	}
	return out, nil
}

// bytesCodec is implemented by the bytes to bytes codecs.
type bytesCodec interface {
	Codec
	encode([]byte) ([]byte, error)
	decode([]byte) ([]byte, error)
}

var (
	_ bytesCodec = BloscCodec{}
	_ bytesCodec = GzipCodec{}
	_ bytesCodec = ZstdCodec{}
	_ bytesCodec = Crc32cCodec{}
	_ bytesCodec = zlibCodec{}
)
