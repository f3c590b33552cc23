// Package blob is the object storage layer used for recorded environment
// state, lock objects and site content. Backends exist for S3, Google
// Cloud Storage, Azure Blob Storage and memory.
package blob

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors for store operations.
var (
	ErrNotFound           = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed: object was modified by another process")
)

// PutOptions controls optional behavior for Put and ConditionalPut.
type PutOptions struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string
	KMSKeyID     string
}

// WriteCondition is the precondition of a conditional write or delete.
//
// MustNotExist makes the write create-only. Otherwise IfMatch (S3 and
// Azure ETag) and Generation (GCS) must match the current object; backends
// ignore the field they have no use for, so callers usually set both from
// the ObjectMeta they read.
type WriteCondition struct {
	MustNotExist bool
	IfMatch      string
	Generation   int64
}

// Matching returns the condition that holds while the object is unchanged
// since meta was read.
func Matching(meta ObjectMeta) WriteCondition {
	return WriteCondition{IfMatch: meta.ETag, Generation: meta.Generation}
}

// ObjectMeta is returned from Get and Head with version information.
type ObjectMeta struct {
	ETag       string
	Generation int64
	Size       int64
	Metadata   map[string]string
}

// ObjectInfo is a single entry returned from List.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// Store is an object store rooted at a bucket and optional prefix. Keys
// are always relative to that root.
type Store interface {
	// Put writes an object unconditionally.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	// Get retrieves an object. Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error)
	// Head retrieves object metadata without the body.
	Head(ctx context.Context, key string) (ObjectMeta, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all objects under the given prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// ConditionalPut writes an object only if the condition holds.
	// Returns ErrPreconditionFailed if it does not.
	ConditionalPut(ctx context.Context, key string, body io.Reader, cond WriteCondition, opts PutOptions) error
	// ConditionalDelete removes an object only if the condition holds.
	// Returns ErrPreconditionFailed if it does not and ErrNotFound if the
	// object is already gone.
	ConditionalDelete(ctx context.Context, key string, cond WriteCondition) error
	// Name returns the store name for logging.
	Name() string
}

// ReadAll fetches key and returns its body and metadata.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, ObjectMeta, error) {
	rc, meta, err := s.Get(ctx, key)
	if err != nil {
		return nil, ObjectMeta{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ObjectMeta{}, err
	}
	if meta.Size == 0 {
		meta.Size = int64(len(data))
	}
	return data, meta, nil
}
