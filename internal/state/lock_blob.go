package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/blob"
)

// Locker acquires and releases environment locks.
type Locker interface {
	// TryLock makes one attempt to take lock. It fails with a
	// *LockContendedError when a live lock is held by someone else.
	TryLock(ctx context.Context, lock *Lock) error
	// Verify confirms lock is still held.
	Verify(ctx context.Context, lock *Lock) error
	Unlock(ctx context.Context, lock *Lock) error
}

const lockPrefix = "locks/"

// BlobLocker keeps one lock object per key in an object store. Acquisition
// is a create-only conditional write; an expired lock is taken over with a
// write conditioned on the expired object's version.
type BlobLocker struct {
	store  blob.Store
	now    func() time.Time
	logger hclog.Logger
}

// NewBlobLocker returns a locker over store.
func NewBlobLocker(store blob.Store, logger hclog.Logger) *BlobLocker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &BlobLocker{store: store, now: time.Now, logger: logger}
}

func lockObjectKey(key string) string { return lockPrefix + key + ".lock" }

func (l *BlobLocker) read(ctx context.Context, key string) (*Lock, blob.ObjectMeta, error) {
	data, meta, err := blob.ReadAll(ctx, l.store, lockObjectKey(key))
	if err != nil {
		return nil, blob.ObjectMeta{}, err
	}
	var cur Lock
	if err := json.Unmarshal(data, &cur); err != nil {
		return nil, blob.ObjectMeta{}, fmt.Errorf("state: decode lock %s: %w", key, err)
	}
	return &cur, meta, nil
}

func (l *BlobLocker) TryLock(ctx context.Context, lock *Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("state: encode lock %s: %w", lock.Key, err)
	}
	opts := blob.PutOptions{ContentType: "application/json"}

	err = l.store.ConditionalPut(ctx, lockObjectKey(lock.Key), bytes.NewReader(data), blob.WriteCondition{MustNotExist: true}, opts)
	if err == nil {
		return nil
	}
	if !errors.Is(err, blob.ErrPreconditionFailed) {
		return fmt.Errorf("state: acquire lock %s: %w", lock.Key, err)
	}

	cur, meta, err := l.read(ctx, lock.Key)
	if errors.Is(err, blob.ErrNotFound) {
		// Released between our write and read.
		return &LockContendedError{Key: lock.Key}
	}
	if err != nil {
		return err
	}
	if l.now().Before(cur.ExpiresAt) {
		return &LockContendedError{Key: lock.Key, Holder: cur.Holder, ExpiresAt: cur.ExpiresAt}
	}

	err = l.store.ConditionalPut(ctx, lockObjectKey(lock.Key), bytes.NewReader(data), blob.Matching(meta), opts)
	if errors.Is(err, blob.ErrPreconditionFailed) {
		return &LockContendedError{Key: lock.Key}
	}
	if err != nil {
		return fmt.Errorf("state: take over lock %s: %w", lock.Key, err)
	}
	l.logger.Warn("took over expired lock", "key", lock.Key, "previous_holder", cur.Holder, "expired_at", cur.ExpiresAt)
	return nil
}

func (l *BlobLocker) Verify(ctx context.Context, lock *Lock) error {
	cur, _, err := l.read(ctx, lock.Key)
	if errors.Is(err, blob.ErrNotFound) {
		return ErrLockLost
	}
	if err != nil {
		return err
	}
	if cur.ID != lock.ID {
		return ErrLockLost
	}
	return nil
}

func (l *BlobLocker) Unlock(ctx context.Context, lock *Lock) error {
	cur, meta, err := l.read(ctx, lock.Key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.ID != lock.ID {
		return ErrLockLost
	}
	err = l.store.ConditionalDelete(ctx, lockObjectKey(lock.Key), blob.Matching(meta))
	switch {
	case err == nil, errors.Is(err, blob.ErrNotFound):
		return nil
	case errors.Is(err, blob.ErrPreconditionFailed):
		return ErrLockLost
	}
	return fmt.Errorf("state: release lock %s: %w", lock.Key, err)
}
