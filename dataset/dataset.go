// Package dataset reads a Zarr array in batches along its first axis and
// hands them out as gomlx tensors.
package dataset

import (
	"context"
	"fmt"
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/TuSKan/go-zarr"
)

// Dataset handles reading Zarr arrays in batches.
type Dataset struct {
	array        *zarr.Array
	closer       io.Closer
	CurrentIndex int
}

// New creates a Dataset over an open array of rank 1 or more.
func New(array *zarr.Array) (*Dataset, error) {
	if len(array.Metadata().Shape) == 0 {
		return nil, fmt.Errorf("cannot batch a 0-d array")
	}
	return &Dataset{array: array}, nil
}

// Open opens the array at path inside the bucket at url.
func Open(ctx context.Context, url, path string, opts ...zarr.ArrayOption) (*Dataset, error) {
	store, err := zarr.OpenStore(ctx, url)
	if err != nil {
		return nil, err
	}
	array, err := zarr.OpenArray(ctx, store, path, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	ds, err := New(array)
	if err != nil {
		store.Close()
		return nil, err
	}
	ds.closer = store
	return ds, nil
}

// NextBatch reads the next batch of size batchSize.
// Returns io.EOF if there is no more data.
func (d *Dataset) NextBatch(ctx context.Context, batchSize int) (*tensors.Tensor, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	shape := d.array.Metadata().Shape
	if d.CurrentIndex >= shape[0] {
		return nil, io.EOF
	}

	start := make([]int, len(shape))
	start[0] = d.CurrentIndex
	// Batch shape: [actualBatchSize, Shape[1], Shape[2]...]
	batchShape := append([]int{min(batchSize, shape[0]-d.CurrentIndex)}, shape[1:]...)

	buf, err := d.array.ReadRegion(ctx, start, batchShape)
	if err != nil {
		return nil, err
	}
	t, err := toTensor(buf)
	if err != nil {
		return nil, err
	}
	d.CurrentIndex += batchShape[0]
	return t, nil
}

// Reset rewinds the dataset to its first row.
func (d *Dataset) Reset() {
	d.CurrentIndex = 0
}

// Close releases the store opened by Open.
func (d *Dataset) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func toTensor(b *zarr.Buffer) (*tensors.Tensor, error) {
	dims := b.Shape
	switch b.DataType {
	case zarr.Float32:
		v, err := zarr.Values[float32](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Float64:
		v, err := zarr.Values[float64](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Int8:
		v, err := zarr.Values[int8](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Int16:
		v, err := zarr.Values[int16](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Int32:
		v, err := zarr.Values[int32](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Int64:
		v, err := zarr.Values[int64](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Uint8:
		v, err := zarr.Values[uint8](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Uint16:
		v, err := zarr.Values[uint16](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Uint32:
		v, err := zarr.Values[uint32](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Uint64:
		v, err := zarr.Values[uint64](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	case zarr.Bool:
		v, err := zarr.Values[bool](b)
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(v, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported data type: %s", b.DataType)
	}
}
