package zarr_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TuSKan/go-zarr"
)

// countingStore records how chunks are fetched.
type countingStore struct {
	*zarr.BucketStore
	gets   atomic.Int64
	ranges atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.BucketStore.Get(ctx, key)
}

func (s *countingStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	s.ranges.Add(1)
	return s.BucketStore.GetRange(ctx, key, offset, length)
}

func arange[T int32 | int64 | uint16 | float32](n int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T(i)
	}
	return out
}

func newArray(t *testing.T, store zarr.Store, shape, chunks []int, dt zarr.DataType, fill any, codecs []zarr.Codec, opts ...zarr.ArrayOption) *zarr.Array {
	t.Helper()
	meta, err := zarr.NewArrayMetadata(shape, chunks, dt, fill, codecs, nil)
	require.NoError(t, err)
	a, err := zarr.CreateArray(context.Background(), store, "data/a", meta, opts...)
	require.NoError(t, err)
	return a
}

func TestArray_BigEndianBloscScenario(t *testing.T) {
	ctx := context.Background()
	store := zarr.NewMemoryStore()
	defer store.Close()

	a := newArray(t, store, []int{16, 16}, []int{2, 8}, zarr.Int32, 0,
		[]zarr.Codec{zarr.BytesCodec{Endian: zarr.BigEndian}, zarr.BloscCodec{Typesize: 4, Clevel: zarr.Level(5)}})

	data, err := zarr.FromSlice(arange[int32](256), 16, 16)
	require.NoError(t, err)
	require.NoError(t, a.Write(ctx, data))

	got, err := a.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, data.Data, got.Data)

	chunks, err := a.StoredChunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 16)
	require.Equal(t, []int{0, 0}, chunks[0])
	require.Equal(t, []int{7, 1}, chunks[15])

	// Reopening reads the metadata back from the store.
	reopened, err := zarr.OpenArray(ctx, store, "data/a")
	require.NoError(t, err)
	require.True(t, a.Metadata().Equal(reopened.Metadata()))
	got, err = reopened.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, data.Data, got.Data)
}

func TestArray_ShardedSingleElement(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{BucketStore: zarr.NewMemoryStore()}
	defer store.Close()

	a := newArray(t, store, []int{16, 16}, []int{4, 4}, zarr.Int32, 0,
		[]zarr.Codec{zarr.ShardingCodec{
			ChunkShape:    []int{4, 4},
			Codecs:        []zarr.Codec{zarr.BytesCodec{}},
			IndexLocation: zarr.IndexLocationStart,
		}})

	data, err := zarr.FromSlice(arange[int32](256), 16, 16)
	require.NoError(t, err)
	require.NoError(t, a.Write(ctx, data))

	store.gets.Store(0)
	elem, err := a.ReadRegion(ctx, []int{0, 10}, []int{1, 1})
	require.NoError(t, err)
	require.Equal(t, int32(10), elem.At(0, 0))
	require.Zero(t, store.gets.Load())
	require.Equal(t, int64(2), store.ranges.Load())

	got, err := a.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, data.Data, got.Data)
}

func TestArray_ShardedPartialRead(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{BucketStore: zarr.NewMemoryStore()}
	defer store.Close()

	a := newArray(t, store, []int{8, 8}, []int{8, 8}, zarr.Uint16, 7,
		[]zarr.Codec{zarr.ShardingCodec{
			ChunkShape: []int{2, 2},
			Codecs:     []zarr.Codec{zarr.BytesCodec{}, zarr.ZstdCodec{Level: zarr.Level(3), Checksum: true}},
		}})

	// Only the top left quarter is written; the rest stays at the fill value.
	quarter, err := zarr.FromSlice(arange[uint16](16), 4, 4)
	require.NoError(t, err)
	require.NoError(t, a.WriteRegion(ctx, []int{0, 0}, quarter))

	store.ranges.Store(0)
	part, err := a.ReadRegion(ctx, []int{1, 1}, []int{4, 4})
	require.NoError(t, err)
	values, err := zarr.Values[uint16](part)
	require.NoError(t, err)
	require.Equal(t, []uint16{
		5, 6, 7, 7,
		9, 10, 11, 7,
		13, 14, 15, 7,
		7, 7, 7, 7,
	}, values)
	// One index read plus the four written inner chunks the region touches.
	require.Equal(t, int64(5), store.ranges.Load())
}

func TestArray_EmptyReadsFill(t *testing.T) {
	ctx := context.Background()
	store := zarr.NewMemoryStore()
	defer store.Close()

	a := newArray(t, store, []int{5, 3}, []int{2, 2}, zarr.Float32, "NaN", nil)

	got, err := a.ReadRegion(ctx, []int{1, 0}, []int{4, 3})
	require.NoError(t, err)
	require.Equal(t, []int{4, 3}, got.Shape)
	require.True(t, got.IsFilledWith(a.Metadata().FillValue))

	chunk, err := a.ReadChunk(ctx, []int{2, 1})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, chunk.Shape)
	require.True(t, chunk.IsFilledWith(a.Metadata().FillValue))

	empty, err := a.ReadRegion(ctx, []int{5, 0}, []int{0, 3})
	require.NoError(t, err)
	require.Zero(t, empty.NumElements())
}

func TestArray_PartialWriteMerges(t *testing.T) {
	ctx := context.Background()
	store := zarr.NewMemoryStore()
	defer store.Close()

	a := newArray(t, store, []int{4, 6}, []int{3, 4}, zarr.Int64, -1,
		[]zarr.Codec{zarr.TransposeCodec{Order: []int{1, 0}}, zarr.BytesCodec{}, zarr.GzipCodec{Level: zarr.Level(6)}, zarr.Crc32cCodec{}},
		zarr.WithConcurrency(1))

	first, err := zarr.FromSlice([]int64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	require.NoError(t, a.WriteRegion(ctx, []int{0, 0}, first))

	second, err := zarr.FromSlice([]int64{10, 20, 30, 40, 50, 60}, 2, 3)
	require.NoError(t, err)
	require.NoError(t, a.WriteRegion(ctx, []int{2, 3}, second))

	got, err := a.Read(ctx)
	require.NoError(t, err)
	values, err := zarr.Values[int64](got)
	require.NoError(t, err)
	require.Equal(t, []int64{
		1, 2, -1, -1, -1, -1,
		3, 4, -1, -1, -1, -1,
		-1, -1, -1, 10, 20, 30,
		-1, -1, -1, 40, 50, 60,
	}, values)

	chunks, err := a.StoredChunks(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, chunks)
}

func TestArray_WriteEmptyChunks(t *testing.T) {
	ctx := context.Background()

	t.Run("fill chunks are deleted", func(t *testing.T) {
		store := zarr.NewMemoryStore()
		defer store.Close()
		a := newArray(t, store, []int{4}, []int{2}, zarr.Int32, 3, nil)

		data, err := zarr.FromSlice([]int32{1, 2, 3, 3}, 4)
		require.NoError(t, err)
		require.NoError(t, a.Write(ctx, data))
		chunks, err := a.StoredChunks(ctx)
		require.NoError(t, err)
		require.Equal(t, [][]int{{0}}, chunks)

		// Overwriting with the fill value removes the stored chunk.
		fill, err := zarr.FromSlice([]int32{3, 3}, 2)
		require.NoError(t, err)
		require.NoError(t, a.WriteRegion(ctx, []int{0}, fill))
		chunks, err = a.StoredChunks(ctx)
		require.NoError(t, err)
		require.Empty(t, chunks)
	})

	t.Run("kept on request", func(t *testing.T) {
		store := zarr.NewMemoryStore()
		defer store.Close()
		a := newArray(t, store, []int{4}, []int{2}, zarr.Int32, 3, nil, zarr.WithWriteEmptyChunks(true))

		fill, err := zarr.FromSlice([]int32{3, 3, 3, 3}, 4)
		require.NoError(t, err)
		require.NoError(t, a.Write(ctx, fill))
		chunks, err := a.StoredChunks(ctx)
		require.NoError(t, err)
		require.Equal(t, [][]int{{0}, {1}}, chunks)
	})
}

func TestArray_Errors(t *testing.T) {
	ctx := context.Background()
	store := zarr.NewMemoryStore()
	defer store.Close()

	a := newArray(t, store, []int{4, 4}, []int{2, 2}, zarr.Uint16, 0,
		[]zarr.Codec{zarr.BytesCodec{}, zarr.Crc32cCodec{}})
	data, err := zarr.FromSlice(arange[uint16](16), 4, 4)
	require.NoError(t, err)
	require.NoError(t, a.Write(ctx, data))

	t.Run("region out of bounds", func(t *testing.T) {
		_, err := a.ReadRegion(ctx, []int{3, 3}, []int{2, 1})
		require.Error(t, err)
	})

	t.Run("rank mismatch", func(t *testing.T) {
		_, err := a.ReadRegion(ctx, []int{0}, []int{1})
		require.Error(t, err)
	})

	t.Run("wrong data type", func(t *testing.T) {
		wrong, err := zarr.FromSlice([]int32{1}, 1, 1)
		require.NoError(t, err)
		require.Error(t, a.WriteRegion(ctx, []int{0, 0}, wrong))
	})

	t.Run("chunk outside grid", func(t *testing.T) {
		_, err := a.ReadChunk(ctx, []int{2, 0})
		require.Error(t, err)
	})

	t.Run("checksum mismatch fails the region", func(t *testing.T) {
		key := "data/a/c/1/1"
		raw, err := store.Get(ctx, key)
		require.NoError(t, err)
		raw[0] ^= 0xff
		require.NoError(t, store.Put(ctx, key, raw))

		_, err = a.Read(ctx)
		require.True(t, zarr.IsIntegrityError(err), "got %v", err)

		// Chunks that do not touch the damaged one still read.
		part, err := a.ReadRegion(ctx, []int{0, 0}, []int{2, 2})
		require.NoError(t, err)
		require.Equal(t, uint16(5), part.At(1, 1))
	})

	t.Run("missing array", func(t *testing.T) {
		_, err := zarr.OpenArray(ctx, store, "nope")
		require.True(t, zarr.IsNotFound(err), "got %v", err)
	})
}

func TestArray_Logger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store := zarr.NewMemoryStore()
	defer store.Close()
	a := newArray(t, store, []int{2}, []int{2}, zarr.Uint16, 0, nil, zarr.WithLogger(logger))

	_, err := a.Read(context.Background())
	require.NoError(t, err)
	require.Contains(t, buf.String(), "array created")
	require.Contains(t, buf.String(), "component=zarr-array")
	require.Contains(t, buf.String(), "path=data/a")
	require.Contains(t, buf.String(), "region read")
}
