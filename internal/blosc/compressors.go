package blosc

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor format codes stored in bits 5-7 of the frame flags.
const (
	codeBloscLZ = 0
	codeLZ4     = 1
	codeSnappy  = 2
	codeZlib    = 3
	codeZstd    = 4
)

var compressorCodes = map[string]byte{
	"blosclz": codeBloscLZ,
	"lz4":     codeLZ4,
	"lz4hc":   codeLZ4,
	"snappy":  codeSnappy,
	"zlib":    codeZlib,
	"zstd":    codeZstd,
}

// Supported reports whether cname can be both written and read.
func Supported(cname string) bool {
	code, ok := compressorCodes[cname]
	return ok && code != codeBloscLZ
}

var lz4HCLevels = [...]lz4.CompressionLevel{
	lz4.Level1, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// zstdDec is shared by every frame; DecodeAll is safe for concurrent use.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("blosc: init zstd decoder: " + err.Error())
	}
}

var zstdEncoders sync.Map // int -> *zstd.Encoder

func zstdEncoder(clevel int) (*zstd.Encoder, error) {
	if enc, ok := zstdEncoders.Load(clevel); ok {
		return enc.(*zstd.Encoder), nil
	}
	level := clevel*2 - 1
	if clevel >= 9 {
		level = 22
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	actual, _ := zstdEncoders.LoadOrStore(clevel, enc)
	return actual.(*zstd.Encoder), nil
}

// compressStream compresses one stream. A nil result means the stream did
// not shrink and must be stored raw.
func compressStream(cname string, clevel int, src []byte) ([]byte, error) {
	var out []byte
	switch cname {
	case "lz4":
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		var c lz4.Compressor
		n, err := c.CompressBlock(src, buf)
		if err != nil {
			return nil, err
		}
		out = buf[:n]
	case "lz4hc":
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		c := lz4.CompressorHC{Level: lz4HCLevels[clevel]}
		n, err := c.CompressBlock(src, buf)
		if err != nil {
			return nil, err
		}
		out = buf[:n]
	case "snappy":
		out = s2.EncodeSnappy(nil, src)
	case "zlib":
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, clevel)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		out = buf.Bytes()
	case "zstd":
		enc, err := zstdEncoder(clevel)
		if err != nil {
			return nil, err
		}
		out = enc.EncodeAll(src, nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCompressor, cname)
	}
	if len(out) == 0 || len(out) >= len(src) {
		return nil, nil
	}
	return out, nil
}

// maxExpansion bounds how many bytes one compressed byte of a stream can
// inflate to.
func maxExpansion(code byte) int64 {
	switch code {
	case codeLZ4:
		return 255
	case codeZlib:
		return 1032
	default:
		return 1 << 15
	}
}

// decompressStream inflates one stream that must expand to exactly size bytes.
func decompressStream(code byte, src []byte, size int) ([]byte, error) {
	var out []byte
	switch code {
	case codeLZ4:
		out = make([]byte, size)
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		out = out[:n]
	case codeSnappy:
		n, err := s2.DecodedLen(src)
		if err != nil || n != size {
			return nil, fmt.Errorf("%w: snappy stream of %d bytes, want %d", ErrCorrupt, n, size)
		}
		out, err = s2.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
		}
	case codeZlib:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
		}
		out, err = io.ReadAll(io.LimitReader(r, int64(size)+1))
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
		}
	case codeZstd:
		var err error
		out, err = zstdDec.DecodeAll(src, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
	case codeBloscLZ:
		return nil, fmt.Errorf("%w: blosclz", ErrUnsupportedCompressor)
	default:
		return nil, fmt.Errorf("%w: compressor code %d", ErrCorrupt, code)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: stream expanded to %d bytes, want %d", ErrCorrupt, len(out), size)
	}
	return out, nil
}
