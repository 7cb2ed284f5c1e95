package zarr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/TuSKan/go-zarr/internal/logging"
)

// Array reads and writes the chunks of one array held in a Store.
// Chunks touched by one region call are processed concurrently; callers
// writing overlapping regions from several goroutines must serialize them.
type Array struct {
	store       Store
	path        string
	meta        *ArrayMetadata
	logger      *slog.Logger
	concurrency int
	writeEmpty  bool
}

// ArrayOption configures an Array.
type ArrayOption func(*Array)

// WithConcurrency bounds the number of chunks processed at once.
func WithConcurrency(n int) ArrayOption {
	return func(a *Array) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithLogger sets the logger; the array scopes it with its path.
func WithLogger(logger *slog.Logger) ArrayOption {
	return func(a *Array) {
		a.logger = logger
	}
}

// WithWriteEmptyChunks stores chunks even when every element equals the
// fill value. By default such chunks are deleted instead.
func WithWriteEmptyChunks(write bool) ArrayOption {
	return func(a *Array) {
		a.writeEmpty = write
	}
}

func newArray(store Store, path string, meta *ArrayMetadata, opts []ArrayOption) *Array {
	a := &Array{
		store:       store,
		path:        strings.Trim(path, "/"),
		meta:        meta,
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.Component(a.logger, "zarr-array", "path", a.path)
	return a
}

// CreateArray writes the metadata document of a new array at path.
func CreateArray(ctx context.Context, store Store, path string, meta *ArrayMetadata, opts ...ArrayOption) (*Array, error) {
	if meta == nil || meta.chain == nil {
		return nil, NewConfigurationError("array metadata was not built with NewArrayMetadata")
	}
	if meta.ZarrFormat != 3 {
		return nil, NewConfigurationError("creating zarr_format %d arrays is not supported", meta.ZarrFormat)
	}
	doc, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	a := newArray(store, path, meta, opts)
	if err := store.Put(ctx, joinKey(a.path, MetadataKey), doc); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	a.logger.Info("array created", "shape", meta.Shape, "chunks", meta.ChunkShape, "dtype", meta.DataType)
	return a, nil
}

// OpenArray reads the metadata of the array at path. A Zarr v2 .zarray
// document is used when no zarr.json exists.
func OpenArray(ctx context.Context, store Store, path string, opts ...ArrayOption) (*Array, error) {
	path = strings.Trim(path, "/")
	data, err := store.Get(ctx, joinKey(path, MetadataKey))
	if errors.Is(err, ErrNotFound) {
		return openV2Array(ctx, store, path, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	meta, err := ParseArrayMetadata(data)
	if err != nil {
		return nil, err
	}
	a := newArray(store, path, meta, opts)
	a.logger.Debug("array opened", "shape", meta.Shape, "chunks", meta.ChunkShape, "dtype", meta.DataType)
	return a, nil
}

func openV2Array(ctx context.Context, store Store, path string, opts []ArrayOption) (*Array, error) {
	data, err := store.Get(ctx, joinKey(path, V2MetadataKey))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	v2, err := LoadV2Metadata(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var attrs map[string]any
	if raw, err := store.Get(ctx, joinKey(path, V2AttributesKey)); err == nil {
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, wrapFormatError(err, "failed to decode .zattrs")
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read attributes: %w", err)
	}
	meta, err := v2.ArrayMetadata(attrs)
	if err != nil {
		return nil, err
	}
	a := newArray(store, path, meta, opts)
	a.logger.Debug("v2 array opened", "shape", meta.Shape, "chunks", meta.ChunkShape, "dtype", meta.DataType)
	return a, nil
}

// Metadata returns the array metadata.
func (a *Array) Metadata() *ArrayMetadata {
	return a.meta
}

// Path returns the array path inside its store.
func (a *Array) Path() string {
	return a.path
}

func (a *Array) chunkKey(coords []int) string {
	return joinKey(a.path, a.meta.ChunkKey(coords))
}

func (a *Array) checkCoords(coords []int) error {
	grid := a.meta.GridShape()
	if len(coords) != len(grid) {
		return fmt.Errorf("chunk coordinate %v does not match rank %d", coords, len(grid))
	}
	for i, c := range coords {
		if c < 0 || c >= grid[i] {
			return fmt.Errorf("chunk coordinate %v is outside grid %v", coords, grid)
		}
	}
	return nil
}

func (a *Array) checkRegion(start, shape []int) error {
	rank := len(a.meta.Shape)
	if len(start) != rank || len(shape) != rank {
		return fmt.Errorf("start and shape must match array dimensionality %d", rank)
	}
	for i := range a.meta.Shape {
		if start[i] < 0 || shape[i] < 0 || start[i]+shape[i] > a.meta.Shape[i] {
			return fmt.Errorf("region out of bounds at dimension %d", i)
		}
	}
	return nil
}

// ReadChunk decodes one whole chunk. A chunk that was never written reads
// as the fill value.
func (a *Array) ReadChunk(ctx context.Context, coords []int) (*Buffer, error) {
	if err := a.checkCoords(coords); err != nil {
		return nil, err
	}
	key := a.chunkKey(coords)
	data, err := a.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return newFilledBuffer(a.meta.DataType, a.meta.ChunkShape, a.meta.FillValue), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", key, err)
	}
	chunk, err := a.meta.chain.DecodeChunk(data)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", key, err)
	}
	return chunk, nil
}

// WriteChunk encodes and stores one whole chunk.
func (a *Array) WriteChunk(ctx context.Context, coords []int, chunk *Buffer) error {
	if err := a.checkCoords(coords); err != nil {
		return err
	}
	key := a.chunkKey(coords)
	if !a.writeEmpty && chunk.IsFilledWith(a.meta.FillValue) {
		if err := a.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to delete chunk %s: %w", key, err)
		}
		return nil
	}
	data, err := a.meta.chain.EncodeChunk(chunk)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", key, err)
	}
	if err := a.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", key, err)
	}
	return nil
}

// forEachChunk runs fn for every chunk intersecting [start, end), at most
// a.concurrency at a time. The first error cancels the rest.
func (a *Array) forEachChunk(ctx context.Context, start, end []int, fn func(context.Context, []int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for coords := range CoordinatesForRegion(a.meta.ChunkShape, start, end) {
		if gctx.Err() != nil {
			break
		}
		coords := slices.Clone(coords)
		g.Go(func() error {
			return fn(gctx, coords)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ReadRegion reads the region of the given shape starting at start.
// Positions whose chunk was never written hold the fill value.
func (a *Array) ReadRegion(ctx context.Context, start, shape []int) (*Buffer, error) {
	if err := a.checkRegion(start, shape); err != nil {
		return nil, err
	}
	out := newFilledBuffer(a.meta.DataType, shape, a.meta.FillValue)
	if out.NumElements() == 0 {
		return out, nil
	}
	end := make([]int, len(start))
	for i := range start {
		end[i] = start[i] + shape[i]
	}

	chain := a.meta.chain
	zero := make([]int, len(start))
	err := a.forEachChunk(ctx, start, end, func(ctx context.Context, coords []int) error {
		p := projectChunk(coords, a.meta.ChunkShape, start, end)
		key := a.chunkKey(coords)

		if !p.full && chain.SupportsPartialDecode() {
			part, err := chain.DecodeRegion(ctx, a.rangeGetter(key), p.chunkOffset, p.copyShape)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("chunk %s: %w", key, err)
			}
			copyRegion(out, p.regionOffset, part, zero, p.copyShape)
			return nil
		}

		data, err := a.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read chunk %s: %w", key, err)
		}
		chunk, err := chain.DecodeChunk(data)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", key, err)
		}
		copyRegion(out, p.regionOffset, chunk, p.chunkOffset, p.copyShape)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("region read", "start", start, "shape", shape)
	return out, nil
}

func (a *Array) rangeGetter(key string) RangeGetter {
	return func(ctx context.Context, offset, length int64) ([]byte, error) {
		return a.store.GetRange(ctx, key, offset, length)
	}
}

// WriteRegion writes data with its origin at start. Chunks the region covers
// only in part are read, merged and stored whole.
func (a *Array) WriteRegion(ctx context.Context, start []int, data *Buffer) error {
	if data.DataType != a.meta.DataType {
		return fmt.Errorf("cannot write %s data to a %s array", data.DataType, a.meta.DataType)
	}
	if len(data.Data) != data.NumElements()*data.DataType.Size() {
		return fmt.Errorf("buffer holds %d bytes for shape %v", len(data.Data), data.Shape)
	}
	if err := a.checkRegion(start, data.Shape); err != nil {
		return err
	}
	if data.NumElements() == 0 {
		return nil
	}
	end := make([]int, len(start))
	for i := range start {
		end[i] = start[i] + data.Shape[i]
	}

	err := a.forEachChunk(ctx, start, end, func(ctx context.Context, coords []int) error {
		p := projectChunk(coords, a.meta.ChunkShape, start, end)
		var chunk *Buffer
		if p.full {
			chunk = NewBuffer(a.meta.DataType, a.meta.ChunkShape)
		} else {
			var err error
			if chunk, err = a.ReadChunk(ctx, coords); err != nil {
				return err
			}
		}
		copyRegion(chunk, p.chunkOffset, data, p.regionOffset, p.copyShape)
		return a.WriteChunk(ctx, coords, chunk)
	})
	if err != nil {
		return err
	}
	a.logger.Debug("region written", "start", start, "shape", data.Shape)
	return nil
}

// Read reads the whole array.
func (a *Array) Read(ctx context.Context) (*Buffer, error) {
	return a.ReadRegion(ctx, make([]int, len(a.meta.Shape)), a.meta.Shape)
}

// Write replaces the whole array with data.
func (a *Array) Write(ctx context.Context, data *Buffer) error {
	if !slices.Equal(data.Shape, a.meta.Shape) {
		return fmt.Errorf("buffer shape %v does not match array shape %v", data.Shape, a.meta.Shape)
	}
	return a.WriteRegion(ctx, make([]int, len(a.meta.Shape)), data)
}

// StoredChunks lists the coordinates of every chunk present in the store.
func (a *Array) StoredChunks(ctx context.Context) ([][]int, error) {
	prefix := joinKey(a.path, "")
	keys, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var chunks [][]int
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		if rel == MetadataKey || rel == V2MetadataKey || rel == V2AttributesKey || strings.HasPrefix(rel, ".") {
			continue
		}
		coords, err := a.meta.ChunkKeyEncoding.DecodeKey(rel)
		if err != nil || len(coords) != len(a.meta.Shape) {
			// Keys of child nodes or foreign objects.
			continue
		}
		chunks = append(chunks, coords)
	}
	slices.SortFunc(chunks, func(x, y []int) int { return slices.Compare(x, y) })
	return chunks, nil
}
