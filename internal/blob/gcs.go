package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	gcsstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// gcsStore implements Store for Google Cloud Storage.
type gcsStore struct {
	client     *gcsstorage.Client
	bucket     string
	prefix     string
	kmsKeyName string
	name       string
}

// newGCSStore constructs a GCS-backed Store using Application Default
// Credentials.
func newGCSStore(ctx context.Context, cfg Config) (*gcsStore, error) {
	client, err := gcsstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &gcsStore{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     normalizePrefix(cfg.Prefix),
		kmsKeyName: cfg.KMSKeyName,
		name:       cfg.Name,
	}, nil
}

func (s *gcsStore) Name() string {
	return s.name
}

func (s *gcsStore) obj(key string) *gcsstorage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

func (s *gcsStore) write(ctx context.Context, o *gcsstorage.ObjectHandle, key string, body io.Reader, opts PutOptions) error {
	w := o.NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.CacheControl = opts.CacheControl
	if len(opts.Metadata) > 0 {
		w.Metadata = opts.Metadata
	}
	if s.kmsKeyName != "" {
		w.KMSKeyName = s.kmsKeyName
	}

	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if isGCSPreconditionFailed(err) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("gcs close writer %q: %w", key, err)
	}
	return nil
}

func (s *gcsStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	return s.write(ctx, s.obj(key), key, body, opts)
}

func attrsMeta(attrs *gcsstorage.ObjectAttrs) ObjectMeta {
	return ObjectMeta{
		ETag:       attrs.Etag,
		Generation: attrs.Generation,
		Size:       attrs.Size,
		Metadata:   attrs.Metadata,
	}
}

func (s *gcsStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	o := s.obj(key)

	attrs, err := o.Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("gcs Attrs %q: %w", key, err)
	}

	// Pin the read to the generation whose metadata we return.
	reader, err := o.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("gcs NewReader %q: %w", key, err)
	}
	return reader, attrsMeta(attrs), nil
}

func (s *gcsStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	attrs, err := s.obj(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, fmt.Errorf("gcs Attrs %q: %w", key, err)
	}
	return attrsMeta(attrs), nil
}

func (s *gcsStore) Delete(ctx context.Context, key string) error {
	err := s.obj(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcsstorage.ErrObjectNotExist) {
		return fmt.Errorf("gcs Delete %q: %w", key, err)
	}
	return nil
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcsstorage.Query{
		Prefix: s.prefix + prefix,
	})

	var results []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs List prefix %q: %w", prefix, err)
		}
		results = append(results, ObjectInfo{
			Key:  strings.TrimPrefix(attrs.Name, s.prefix),
			Size: attrs.Size,
			ETag: attrs.Etag,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

func gcsConditions(cond WriteCondition) (gcsstorage.Conditions, bool) {
	switch {
	case cond.MustNotExist:
		return gcsstorage.Conditions{DoesNotExist: true}, true
	case cond.Generation > 0:
		return gcsstorage.Conditions{GenerationMatch: cond.Generation}, true
	}
	return gcsstorage.Conditions{}, false
}

func (s *gcsStore) ConditionalPut(ctx context.Context, key string, body io.Reader, cond WriteCondition, opts PutOptions) error {
	o := s.obj(key)
	if c, ok := gcsConditions(cond); ok {
		o = o.If(c)
	}
	return s.write(ctx, o, key, body, opts)
}

func (s *gcsStore) ConditionalDelete(ctx context.Context, key string, cond WriteCondition) error {
	o := s.obj(key)
	if c, ok := gcsConditions(cond); ok {
		o = o.If(c)
	}
	if err := o.Delete(ctx); err != nil {
		switch {
		case errors.Is(err, gcsstorage.ErrObjectNotExist):
			return ErrNotFound
		case isGCSPreconditionFailed(err):
			return ErrPreconditionFailed
		}
		return fmt.Errorf("gcs ConditionalDelete %q: %w", key, err)
	}
	return nil
}

func isGCSPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
