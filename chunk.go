package zarr

import (
	"iter"
	"strconv"
	"strings"
)

// GridShape calculates the number of chunks in each dimension.
// For each dimension i, the number of chunks is ceil(shape[i] / chunks[i]).
func GridShape(shape, chunks []int) []int {
	if len(shape) == 0 || len(chunks) == 0 {
		return []int{} // 0D scalar
	}
	grid := make([]int, len(shape))
	for i := range shape {
		grid[i] = (shape[i] + chunks[i] - 1) / chunks[i]
	}
	return grid
}

// ChunkKey joins chunk indices with separator, the Zarr v2 layout.
// Example: indices=[1, 4], separator="." -> "1.4"
// For 0D arrays (empty indices), it returns "0".
func ChunkKey(indices []int, separator string) string {
	if len(indices) == 0 {
		return "0"
	}

	if len(indices) == 1 {
		return strconv.Itoa(indices[0])
	}

	var sb strings.Builder
	for i, idx := range indices {
		if i > 0 {
			sb.WriteString(separator)
		}
		sb.WriteString(strconv.Itoa(idx))
	}
	return sb.String()
}

// Chunk key encoding names.
const (
	KeyEncodingDefault = "default"
	KeyEncodingV2      = "v2"
)

// ChunkKeyEncoding maps chunk coordinates to store keys relative to the
// array path.
type ChunkKeyEncoding struct {
	Name      string
	Separator string
}

// DefaultChunkKeyEncoding is "default" with "/", giving keys like c/1/2.
var DefaultChunkKeyEncoding = ChunkKeyEncoding{Name: KeyEncodingDefault, Separator: "/"}

func (e ChunkKeyEncoding) validate() error {
	if e.Name != KeyEncodingDefault && e.Name != KeyEncodingV2 {
		return NewConfigurationError("unknown chunk key encoding %q", e.Name)
	}
	if e.Separator != "/" && e.Separator != "." {
		return NewConfigurationError("chunk key separator must be \"/\" or \".\", got %q", e.Separator)
	}
	return nil
}

// EncodeKey returns the key of the chunk at coords.
func (e ChunkKeyEncoding) EncodeKey(coords []int) string {
	if e.Name == KeyEncodingV2 {
		return ChunkKey(coords, e.Separator)
	}
	if len(coords) == 0 {
		return "c"
	}
	return "c" + e.Separator + ChunkKey(coords, e.Separator)
}

// DecodeKey is the inverse of EncodeKey.
func (e ChunkKeyEncoding) DecodeKey(key string) ([]int, error) {
	body := key
	if e.Name == KeyEncodingDefault {
		if key == "c" {
			return []int{}, nil
		}
		var ok bool
		body, ok = strings.CutPrefix(key, "c"+e.Separator)
		if !ok {
			return nil, NewFormatError("chunk key %q lacks the %q prefix", key, "c"+e.Separator)
		}
	}
	parts := strings.Split(body, e.Separator)
	coords := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, NewFormatError("chunk key %q has invalid component %q", key, p)
		}
		coords[i] = n
	}
	return coords, nil
}

// CoordinatesForRegion yields, in row-major order, the coordinate of every
// chunk intersecting the half-open region [start, end). The yielded slice is
// reused between iterations; copy it to keep it.
func CoordinatesForRegion(chunkShape, start, end []int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		n := len(chunkShape)
		lo := make([]int, n)
		hi := make([]int, n)
		for i := range n {
			if end[i] <= start[i] {
				return
			}
			lo[i] = start[i] / chunkShape[i]
			hi[i] = (end[i] - 1) / chunkShape[i]
		}
		coords := append([]int(nil), lo...)
		for {
			if !yield(coords) {
				return
			}
			i := n - 1
			for ; i >= 0; i-- {
				coords[i]++
				if coords[i] <= hi[i] {
					break
				}
				coords[i] = lo[i]
			}
			if i < 0 {
				return
			}
		}
	}
}

// projection describes the overlap of one chunk with a region: copyShape
// elements starting at chunkOffset inside the chunk land at regionOffset
// inside the region.
type projection struct {
	chunkOffset  []int
	regionOffset []int
	copyShape    []int
	full         bool // the overlap covers the whole chunk
}

func projectChunk(coords, chunkShape, start, end []int) projection {
	n := len(coords)
	p := projection{
		chunkOffset:  make([]int, n),
		regionOffset: make([]int, n),
		copyShape:    make([]int, n),
		full:         true,
	}
	for i := range n {
		chunkStart := coords[i] * chunkShape[i]
		lo := max(chunkStart, start[i])
		hi := min(chunkStart+chunkShape[i], end[i])
		p.chunkOffset[i] = lo - chunkStart
		p.regionOffset[i] = lo - start[i]
		p.copyShape[i] = hi - lo
		if p.copyShape[i] != chunkShape[i] {
			p.full = false
		}
	}
	return p
}

// strides computes the C-order strides for a given shape.
func strides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}
	s := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = stride
		stride *= shape[i]
	}
	return s
}

// copyRegion copies shape elements at srcOffset of src into dst at dstOffset.
func copyRegion(dst *Buffer, dstOffset []int, src *Buffer, srcOffset []int, shape []int) {
	copyND(dst.Data, strides(dst.Shape), dstOffset, src.Data, strides(src.Shape), srcOffset, shape, dst.DataType.Size())
}

// copyND recursively copies n-dimensional data from src to dst.
func copyND(
	dst []byte, dstStrides, dstOffset []int,
	src []byte, srcStrides, srcOffset []int,
	copyShape []int, itemSize int,
) {
	if len(copyShape) == 0 {
		// 0D scalar array: exactly one element
		copy(dst[:itemSize], src[:itemSize])
		return
	}
	for _, d := range copyShape {
		if d == 0 {
			return
		}
	}

	startSrcIdx := 0
	startDstIdx := 0
	for i := range copyShape {
		startSrcIdx += srcOffset[i] * srcStrides[i]
		startDstIdx += dstOffset[i] * dstStrides[i]
	}

	var iterate func(dim int, currentSrcIdx, currentDstIdx int)
	iterate = func(dim int, currentSrcIdx, currentDstIdx int) {
		// Innermost dimension is contiguous in both C-order layouts.
		if dim == len(copyShape)-1 {
			byteLen := copyShape[dim] * itemSize
			srcStart := currentSrcIdx * itemSize
			dstStart := currentDstIdx * itemSize
			copy(dst[dstStart:dstStart+byteLen], src[srcStart:srcStart+byteLen])
			return
		}

		for i := 0; i < copyShape[dim]; i++ {
			iterate(dim+1, currentSrcIdx+i*srcStrides[dim], currentDstIdx+i*dstStrides[dim])
		}
	}
	iterate(0, startSrcIdx, startDstIdx)
}
