package zarr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// Store is the key-value collaborator arrays read and write through.
// Missing keys are reported with ErrNotFound.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// GetRange reads length bytes at offset. A negative offset reads the
	// last length bytes; a negative length reads to the end. Ranges past
	// the end of the value are truncated.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every key that starts with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// BucketStore is a Store over a gocloud.dev bucket, so any driver the
// program links in (file, mem, s3, gs, azblob) can hold arrays.
type BucketStore struct {
	bucket *blob.Bucket
}

var _ Store = (*BucketStore)(nil)

// NewBucketStore wraps an open bucket. Closing the store closes the bucket.
func NewBucketStore(bucket *blob.Bucket) *BucketStore {
	return &BucketStore{bucket: bucket}
}

// OpenStore opens the bucket at url, e.g. "file:///data/arrays" or
// "s3://bucket?region=us-east-1".
func OpenStore(ctx context.Context, url string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket: %w", err)
	}
	return NewBucketStore(bucket), nil
}

// NewMemoryStore returns a store held in process memory.
func NewMemoryStore() *BucketStore {
	return NewBucketStore(memblob.OpenBucket(nil))
}

func notFound(err error, key string) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

func (s *BucketStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, notFound(err, key)
	}
	return data, nil
}

func (s *BucketStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if offset < 0 {
		attrs, err := s.bucket.Attributes(ctx, key)
		if err != nil {
			return nil, notFound(err, key)
		}
		offset = max(attrs.Size-length, 0)
	}
	r, err := s.bucket.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, notFound(err, key)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *BucketStore) Put(ctx context.Context, key string, value []byte) error {
	return s.bucket.WriteAll(ctx, key, value, nil)
}

func (s *BucketStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		return notFound(err, key)
	}
	return nil
}

func (s *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
		}
		keys = append(keys, obj.Key)
	}
}

// Close closes the underlying bucket.
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}

// joinKey joins an array or group path with a key below it. An empty base
// addresses the store root.
func joinKey(base, key string) string {
	base = strings.Trim(base, "/")
	if base == "" {
		return key
	}
	return base + "/" + key
}
