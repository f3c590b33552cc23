package site

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/docspreview/previewctl/internal/blob"
)

// Syncer uploads artifacts into origin stores. A weighted semaphore bounds
// the number of concurrent object operations across every sync sharing
// the Syncer.
type Syncer struct {
	sem *semaphore.Weighted
	now func() time.Time
}

// NewSyncer returns a Syncer allowing up to concurrency object operations
// in flight. Values below 1 mean 1.
func NewSyncer(concurrency int) *Syncer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Syncer{
		sem: semaphore.NewWeighted(int64(concurrency)),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SyncResult summarizes one Sync.
type SyncResult struct {
	BundleHash string
	Uploaded   []string
	Unchanged  int
	Deleted    []string
}

// Sync makes store hold exactly the files of b. Files whose hash matches
// the previously written manifest are not re-uploaded; objects that are no
// longer part of the artifact are deleted. The manifest is written last,
// so a failed sync is retried in full on the next attempt.
func (s *Syncer) Sync(ctx context.Context, store blob.Store, envKey string, b *Bundle) (*SyncResult, error) {
	previous := map[string]string{}
	if m, err := ReadManifest(ctx, store); err == nil {
		previous = m.Files
	} else if !errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("site: read manifest: %w", err)
	}

	existing, err := store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("site: list objects: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, obj := range existing {
		present[obj.Key] = true
	}

	result := &SyncResult{BundleHash: b.Hash}
	var upload []File
	for _, f := range b.Files {
		if previous[f.RelPath] == f.Hash && present[f.RelPath] {
			result.Unchanged++
			continue
		}
		upload = append(upload, f)
	}

	if err := s.uploadFiles(ctx, store, upload); err != nil {
		return nil, fmt.Errorf("site: upload files: %w", err)
	}
	for _, f := range upload {
		result.Uploaded = append(result.Uploaded, f.RelPath)
	}

	wanted := b.FileHashes()
	var stale []string
	for _, obj := range existing {
		if _, ok := wanted[obj.Key]; !ok && !strings.HasPrefix(obj.Key, ReservedPrefix) {
			stale = append(stale, obj.Key)
		}
	}
	if err := s.deleteObjects(ctx, store, stale); err != nil {
		return nil, fmt.Errorf("site: delete stale objects: %w", err)
	}
	result.Deleted = stale

	m := &Manifest{
		SchemaVersion: manifestSchemaVersion,
		Environment:   envKey,
		BundleHash:    b.Hash,
		SyncedAt:      s.now().Format(time.RFC3339),
		Files:         wanted,
	}
	if err := writeManifest(ctx, store, m); err != nil {
		return nil, fmt.Errorf("site: write manifest: %w", err)
	}
	return result, nil
}

// Empty deletes every object in store, including the manifest.
func (s *Syncer) Empty(ctx context.Context, store blob.Store) (int, error) {
	objects, err := store.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("site: list objects: %w", err)
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	if err := s.deleteObjects(ctx, store, keys); err != nil {
		return 0, fmt.Errorf("site: empty store: %w", err)
	}
	return len(keys), nil
}

func (s *Syncer) uploadFiles(ctx context.Context, store blob.Store, files []File) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range files {
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("acquire semaphore for %q: %w", f.RelPath, err)
			}
			defer s.sem.Release(1)

			fh, err := os.Open(f.AbsPath)
			if err != nil {
				return fmt.Errorf("open %q: %w", f.RelPath, err)
			}
			defer fh.Close()

			if err := store.Put(gctx, f.RelPath, fh, blob.PutOptions{
				ContentType:  ContentTypeForFile(f.RelPath),
				CacheControl: CacheControlForFile(f.RelPath),
			}); err != nil {
				return fmt.Errorf("put %q: %w", f.RelPath, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Syncer) deleteObjects(ctx context.Context, store blob.Store, keys []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			if err := store.Delete(gctx, key); err != nil {
				return fmt.Errorf("delete %q: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}
