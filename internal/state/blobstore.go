package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/blob"
)

const (
	recordPrefix = "environments/"
	recordSuffix = ".json"

	// DefaultLockTTL is how long a lock survives a holder that never
	// releases it.
	DefaultLockTTL = 30 * time.Minute

	defaultPollInterval = 250 * time.Millisecond
	maxPollInterval     = 5 * time.Second
)

// Options configures a BlobStore.
type Options struct {
	// Locker defaults to a BlobLocker over the same object store.
	Locker Locker
	// LockTTL defaults to DefaultLockTTL.
	LockTTL time.Duration
	// Holder identifies this process in lock objects. Defaults to
	// hostname and process ID.
	Holder       string
	PollInterval time.Duration
	Logger       hclog.Logger
}

// BlobStore keeps environment records as JSON objects in an object store.
// Writes are conditioned on the version that was last read, so two writers
// that somehow both hold a lock cannot silently overwrite each other.
type BlobStore struct {
	store  blob.Store
	locker Locker
	ttl    time.Duration
	holder string
	poll   time.Duration
	now    func() time.Time
	logger hclog.Logger
}

var _ Store = (*BlobStore)(nil)

// NewBlobStore returns a Store over store.
func NewBlobStore(store blob.Store, opts Options) *BlobStore {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("state")
	s := &BlobStore{
		store:  store,
		locker: opts.Locker,
		ttl:    opts.LockTTL,
		holder: opts.Holder,
		poll:   opts.PollInterval,
		now:    time.Now,
		logger: logger,
	}
	if s.locker == nil {
		s.locker = NewBlobLocker(store, logger)
	}
	if s.ttl <= 0 {
		s.ttl = DefaultLockTTL
	}
	if s.poll <= 0 {
		s.poll = defaultPollInterval
	}
	if s.holder == "" {
		s.holder = defaultHolder()
	}
	return s
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}

func recordObjectKey(key string) string { return recordPrefix + key + recordSuffix }

// Lock acquires the lock on key, polling with exponential backoff until
// timeout elapses. A zero timeout makes a single attempt.
func (s *BlobStore) Lock(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	start := s.now()

	var b backoff.BackOff = &backoff.StopBackOff{}
	if timeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = s.poll
		eb.MaxInterval = maxPollInterval
		eb.MaxElapsedTime = timeout
		b = eb
	}

	var lock *Lock
	var contended *LockContendedError
	err := backoff.Retry(func() error {
		now := s.now()
		l := &Lock{
			Key:        key,
			ID:         uuid.NewString(),
			Holder:     s.holder,
			AcquiredAt: now.UTC(),
			ExpiresAt:  now.Add(s.ttl).UTC(),
		}
		err := s.locker.TryLock(ctx, l)
		if err == nil {
			lock = l
			return nil
		}
		if errors.As(err, &contended) {
			s.logger.Debug("lock contended", "key", key, "holder", contended.Holder)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))

	if err != nil {
		if contended != nil && errors.Is(err, ErrLockContended) {
			contended.Waited = s.now().Sub(start)
			return nil, contended
		}
		return nil, err
	}
	s.logger.Debug("acquired lock", "key", key, "lock_id", lock.ID)
	return lock, nil
}

func (s *BlobStore) Unlock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if err := s.locker.Unlock(ctx, lock); err != nil {
		return fmt.Errorf("state: unlock %s: %w", lock.Key, err)
	}
	s.logger.Debug("released lock", "key", lock.Key, "lock_id", lock.ID)
	return nil
}

func (s *BlobStore) Get(ctx context.Context, key string) (*Record, error) {
	data, _, err := blob.ReadAll(ctx, s.store, recordObjectKey(key))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", key, err)
	}
	if rec.SchemaVersion != recordSchemaVersion {
		return nil, fmt.Errorf("state: %s has unsupported schema version %d", key, rec.SchemaVersion)
	}
	return &rec, nil
}

// Put writes rec, bumping its serial and update time.
func (s *BlobStore) Put(ctx context.Context, lock *Lock, rec *Record) error {
	if err := s.checkLock(ctx, lock, rec.EnvKey); err != nil {
		return fmt.Errorf("state: put %s: %w", rec.EnvKey, err)
	}

	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Serial++
	rec.SchemaVersion = recordSchemaVersion

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", rec.EnvKey, err)
	}

	key := recordObjectKey(rec.EnvKey)
	cond := blob.WriteCondition{MustNotExist: true}
	meta, err := s.store.Head(ctx, key)
	switch {
	case err == nil:
		cond = blob.Matching(meta)
	case !errors.Is(err, blob.ErrNotFound):
		return fmt.Errorf("state: put %s: %w", rec.EnvKey, err)
	}

	err = s.store.ConditionalPut(ctx, key, bytes.NewReader(data), cond, blob.PutOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("state: put %s: %w", rec.EnvKey, err)
	}
	s.logger.Debug("persisted environment", "key", rec.EnvKey, "serial", rec.Serial, "resources", len(rec.Entries))
	return nil
}

func (s *BlobStore) Delete(ctx context.Context, lock *Lock, key string) error {
	if err := s.checkLock(ctx, lock, key); err != nil {
		return fmt.Errorf("state: delete %s: %w", key, err)
	}
	if err := s.store.Delete(ctx, recordObjectKey(key)); err != nil {
		return fmt.Errorf("state: delete %s: %w", key, err)
	}
	s.logger.Debug("removed environment", "key", key)
	return nil
}

func (s *BlobStore) checkLock(ctx context.Context, lock *Lock, key string) error {
	if lock == nil {
		return errors.New("lock required")
	}
	if lock.Key != key {
		return fmt.Errorf("lock is for %s", lock.Key)
	}
	return s.locker.Verify(ctx, lock)
}

func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	objs, err := s.store.List(ctx, recordPrefix)
	if err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		name := strings.TrimPrefix(o.Key, recordPrefix)
		if k, ok := strings.CutSuffix(name, recordSuffix); ok && !strings.Contains(k, "/") {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
