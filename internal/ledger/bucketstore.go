package ledger

import (
	"context"
	"fmt"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BucketStore persists the ledger document as a single object in a blob
// bucket (s3://, gs://, azblob://, file:// or mem:// via the gocloud
// drivers). Object stores offer no cross-process advisory lock, so locking is
// in-process only: deployments sharing a bucket ledger must run a single
// writer at a time, and concurrent writers resolve last-writer-wins through
// the store's atomic object replace.
type BucketStore struct {
	bucket *blob.Bucket
	key    string
	mu     sync.RWMutex
}

// NewBucketStore creates a bucket-backed ledger store for the given object key.
func NewBucketStore(bucket *blob.Bucket, key string) (*BucketStore, error) {
	if bucket == nil {
		return nil, fmt.Errorf("bucket cannot be nil")
	}
	if key == "" {
		return nil, fmt.Errorf("ledger object key cannot be empty")
	}
	return &BucketStore{bucket: bucket, key: key}, nil
}

// Read returns the whole document, reporting found=false when the object does
// not exist.
func (s *BucketStore) Read(ctx context.Context) ([]byte, bool, error) {
	data, err := s.bucket.ReadAll(ctx, s.key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read ledger object %s: %w", s.key, err)
	}
	return data, true, nil
}

// AtomicReplace replaces the ledger object. Blob writes only become visible
// on Close, so a reader never observes a partial document.
func (s *BucketStore) AtomicReplace(ctx context.Context, data []byte) error {
	if err := s.bucket.WriteAll(ctx, s.key, data, nil); err != nil {
		return fmt.Errorf("failed to write ledger object %s: %w", s.key, err)
	}
	return nil
}

// Lock acquires the in-process exclusive lock.
func (s *BucketStore) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	return nil
}

// Unlock releases the in-process exclusive lock.
func (s *BucketStore) Unlock() error {
	s.mu.Unlock()
	return nil
}

// RLock acquires an in-process shared lock.
func (s *BucketStore) RLock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	return nil
}

// RUnlock releases the in-process shared lock.
func (s *BucketStore) RUnlock() error {
	s.mu.RUnlock()
	return nil
}
