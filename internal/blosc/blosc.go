// Package blosc reads and writes Blosc1 frames.
//
// A frame is a 16 byte header, a table of block start offsets and the
// compressed blocks. Each block is shuffled (byte or bit) before compression
// and split into one stream per element byte unless the no-split flag is set.
// Frames written here always set the no-split flag; both layouts are read.
package blosc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	headerSize = 16

	formatVersion   = 2
	formatVersionLZ = 1

	flagShuffle    = 0x01
	flagMemcpyed   = 0x02
	flagBitshuffle = 0x04
	flagNoSplit    = 0x10

	maxTypesize  = 255
	minBlocksize = 128
)

var (
	// ErrCorrupt is returned for frames that are truncated or inconsistent.
	ErrCorrupt = errors.New("blosc: corrupt frame")
	// ErrUnsupportedCompressor is returned for compressors this package cannot run.
	ErrUnsupportedCompressor = errors.New("blosc: unsupported compressor")
)

// Shuffle selects the filter applied to each block before compression.
type Shuffle int

const (
	NoShuffle Shuffle = iota
	ByteShuffle
	BitShuffle
)

// Options configures Compress.
type Options struct {
	Cname     string
	Clevel    int
	Shuffle   Shuffle
	Typesize  int
	Blocksize int // 0 picks a size from Clevel
}

// Compress wraps src in a Blosc1 frame.
func Compress(src []byte, opts Options) ([]byte, error) {
	code, ok := compressorCodes[opts.Cname]
	if !ok || code == codeBloscLZ {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCompressor, opts.Cname)
	}
	if opts.Clevel < 0 || opts.Clevel > 9 {
		return nil, fmt.Errorf("blosc: clevel %d out of range 0-9", opts.Clevel)
	}
	if len(src) > math.MaxInt32-headerSize {
		return nil, fmt.Errorf("blosc: input of %d bytes is too large", len(src))
	}
	typesize := opts.Typesize
	if typesize <= 0 || typesize > maxTypesize {
		typesize = 1
	}

	flags := byte(flagNoSplit) | code<<5
	switch opts.Shuffle {
	case ByteShuffle:
		if typesize > 1 {
			flags |= flagShuffle
		}
	case BitShuffle:
		flags |= flagBitshuffle
	}

	if opts.Clevel == 0 || len(src) == 0 {
		return memcpyFrame(src, flags, typesize), nil
	}

	blocksize := computeBlocksize(opts, typesize, len(src))
	nblocks := (len(src) + blocksize - 1) / blocksize

	out := make([]byte, headerSize+4*nblocks, headerSize+4*nblocks+len(src))
	tmp := make([]byte, blocksize)
	for b := 0; b < nblocks; b++ {
		block := src[b*blocksize : min((b+1)*blocksize, len(src))]
		filtered := tmp[:len(block)]
		switch {
		case flags&flagShuffle != 0:
			shuffle(filtered, block, typesize)
		case flags&flagBitshuffle != 0:
			bitshuffle(filtered, block, typesize)
		default:
			copy(filtered, block)
		}

		binary.LittleEndian.PutUint32(out[headerSize+4*b:], uint32(len(out)))
		stream, err := compressStream(opts.Cname, opts.Clevel, filtered)
		if err != nil {
			return nil, err
		}
		if stream == nil {
			out = binary.LittleEndian.AppendUint32(out, uint32(len(filtered)))
			out = append(out, filtered...)
		} else {
			out = binary.LittleEndian.AppendUint32(out, uint32(len(stream)))
			out = append(out, stream...)
		}
		if len(out) >= headerSize+len(src) {
			return memcpyFrame(src, flags, typesize), nil
		}
	}

	writeHeader(out, flags, typesize, len(src), blocksize, len(out))
	return out, nil
}

func memcpyFrame(src []byte, flags byte, typesize int) []byte {
	out := make([]byte, headerSize+len(src))
	copy(out[headerSize:], src)
	writeHeader(out, flags|flagMemcpyed, typesize, len(src), len(src), len(out))
	return out
}

func writeHeader(out []byte, flags byte, typesize, nbytes, blocksize, cbytes int) {
	out[0] = formatVersion
	out[1] = formatVersionLZ
	out[2] = flags
	out[3] = byte(typesize)
	binary.LittleEndian.PutUint32(out[4:], uint32(nbytes))
	binary.LittleEndian.PutUint32(out[8:], uint32(blocksize))
	binary.LittleEndian.PutUint32(out[12:], uint32(cbytes))
}

func computeBlocksize(opts Options, typesize, nbytes int) int {
	bs := opts.Blocksize
	if bs <= 0 {
		bs = 32 << 10
		switch {
		case opts.Clevel >= 8:
			bs = 256 << 10
		case opts.Clevel >= 6:
			bs = 128 << 10
		case opts.Clevel >= 4:
			bs = 64 << 10
		}
		if opts.Cname == "zstd" || opts.Cname == "zlib" || opts.Cname == "lz4hc" {
			bs *= 2
		}
	}
	if bs < minBlocksize {
		bs = minBlocksize
	}
	if bs > nbytes {
		bs = nbytes
	}
	if bs > typesize {
		bs -= bs % typesize
	}
	return bs
}

// FrameSizes reports the decompressed size, block size and frame size
// recorded in a frame header.
func FrameSizes(frame []byte) (nbytes, blocksize, cbytes int, err error) {
	if len(frame) < headerSize {
		return 0, 0, 0, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(frame))
	}
	nbytes = int(binary.LittleEndian.Uint32(frame[4:]))
	blocksize = int(binary.LittleEndian.Uint32(frame[8:]))
	cbytes = int(binary.LittleEndian.Uint32(frame[12:]))
	return nbytes, blocksize, cbytes, nil
}

// Decompress unpacks a Blosc1 frame.
func Decompress(frame []byte) ([]byte, error) {
	nbytes, blocksize, cbytes, err := FrameSizes(frame)
	if err != nil {
		return nil, err
	}
	if cbytes < headerSize || cbytes > len(frame) {
		return nil, fmt.Errorf("%w: header records %d bytes, have %d", ErrCorrupt, cbytes, len(frame))
	}
	frame = frame[:cbytes]
	flags := frame[2]
	typesize := int(frame[3])
	if typesize == 0 {
		return nil, fmt.Errorf("%w: zero typesize", ErrCorrupt)
	}

	if flags&flagMemcpyed != 0 {
		if headerSize+nbytes > len(frame) {
			return nil, fmt.Errorf("%w: memcpyed payload truncated", ErrCorrupt)
		}
		return append([]byte(nil), frame[headerSize:headerSize+nbytes]...), nil
	}
	if nbytes == 0 {
		return []byte{}, nil
	}
	if blocksize <= 0 {
		return nil, fmt.Errorf("%w: zero blocksize", ErrCorrupt)
	}

	code := flags >> 5
	noSplit := flags&flagNoSplit != 0
	nblocks := (nbytes + blocksize - 1) / blocksize
	if nblocks > (len(frame)-headerSize)/4 {
		return nil, fmt.Errorf("%w: block table truncated", ErrCorrupt)
	}
	// Every block needs its start offset and at least one stream length.
	if int64(nbytes) > int64(len(frame)-headerSize-4*nblocks)*maxExpansion(code) {
		return nil, fmt.Errorf("%w: %d bytes cannot expand to %d", ErrCorrupt, len(frame), nbytes)
	}
	for b := 0; b < nblocks; b++ {
		pos := int(binary.LittleEndian.Uint32(frame[headerSize+4*b:]))
		if pos < headerSize+4*nblocks || pos+4 > len(frame) {
			return nil, fmt.Errorf("%w: block %d starts at %d", ErrCorrupt, b, pos)
		}
	}

	dst := make([]byte, nbytes)
	tmp := make([]byte, min(blocksize, nbytes))
	for b := 0; b < nblocks; b++ {
		bsize := min(blocksize, nbytes-b*blocksize)
		leftover := bsize < blocksize
		nstreams := 1
		if !noSplit && !leftover {
			nstreams = typesize
		}
		if bsize%nstreams != 0 {
			return nil, fmt.Errorf("%w: block %d does not split into %d streams", ErrCorrupt, b, nstreams)
		}
		neblock := bsize / nstreams

		pos := int(binary.LittleEndian.Uint32(frame[headerSize+4*b:]))
		filtered := tmp[:bsize]
		for s := 0; s < nstreams; s++ {
			if pos+4 > len(frame) {
				return nil, fmt.Errorf("%w: block %d stream %d truncated", ErrCorrupt, b, s)
			}
			csize := int(int32(binary.LittleEndian.Uint32(frame[pos:])))
			pos += 4
			if csize < 0 || pos+csize > len(frame) {
				return nil, fmt.Errorf("%w: block %d stream %d truncated", ErrCorrupt, b, s)
			}
			payload := frame[pos : pos+csize]
			pos += csize
			if csize == neblock {
				copy(filtered[s*neblock:], payload)
				continue
			}
			raw, err := decompressStream(code, payload, neblock)
			if err != nil {
				return nil, err
			}
			copy(filtered[s*neblock:], raw)
		}

		block := dst[b*blocksize : b*blocksize+bsize]
		switch {
		case flags&flagShuffle != 0 && typesize > 1:
			unshuffle(block, filtered, typesize)
		case flags&flagBitshuffle != 0:
			bitunshuffle(block, filtered, typesize)
		default:
			copy(block, filtered)
		}
	}
	return dst, nil
}
