// Package state records the applied resources of every preview
// environment and serializes mutations of one environment with a
// per-key lock.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/resource"
)

// Sentinel errors.
var (
	// ErrNotFound is returned by Get when no environment is recorded.
	ErrNotFound = errors.New("state: environment not recorded")
	// ErrLockContended is matched by every *LockContendedError.
	ErrLockContended = errors.New("state: lock contended")
	// ErrLockLost is returned when a lock expired and was taken over.
	ErrLockLost = errors.New("state: lock no longer held")
)

// LockContendedError reports that another holder owns the lock.
type LockContendedError struct {
	Key       string
	Holder    string
	ExpiresAt time.Time
	Waited    time.Duration
}

func (e *LockContendedError) Error() string {
	msg := fmt.Sprintf("state: lock on %s is held", e.Key)
	if e.Holder != "" {
		msg += " by " + e.Holder
	}
	if !e.ExpiresAt.IsZero() {
		msg += " until " + e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if e.Waited > 0 {
		msg += fmt.Sprintf(" (waited %s)", e.Waited.Round(time.Millisecond))
	}
	return msg
}

func (e *LockContendedError) Is(target error) bool { return target == ErrLockContended }

// Lock is a held lock on one environment key.
type Lock struct {
	Key        string    `json:"key"`
	ID         string    `json:"id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store persists environment records.
//
// Lock blocks for at most timeout and then fails with a
// *LockContendedError. Put and Delete fail with ErrLockLost unless lock is
// still held. Unlock of a lock that was taken over reports ErrLockLost.
type Store interface {
	Lock(ctx context.Context, key string, timeout time.Duration) (*Lock, error)
	Unlock(ctx context.Context, lock *Lock) error
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, lock *Lock, rec *Record) error
	Delete(ctx context.Context, lock *Lock, key string) error
	// List returns the keys of every recorded environment, sorted.
	List(ctx context.Context) ([]string, error)
}

const recordSchemaVersion = 1

// Record is the recorded state of one environment.
type Record struct {
	SchemaVersion int               `json:"schema_version"`
	Identifier    string            `json:"identifier"`
	EnvKey        string            `json:"env_key"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Serial        int64             `json:"serial"`
	Tags          map[string]string `json:"tags,omitempty"`
	Entries       []Entry           `json:"entries"`
}

// Entry is one applied resource: the spec it was applied from, that
// spec's fingerprint and the provider handle.
type Entry struct {
	Spec        resource.Spec   `json:"spec"`
	Fingerprint string          `json:"fingerprint"`
	Handle      resource.Handle `json:"handle"`
}

// NewRecord returns an empty record for id.
func NewRecord(id envid.ID) *Record {
	return &Record{
		SchemaVersion: recordSchemaVersion,
		Identifier:    id.String(),
		EnvKey:        id.Key(),
	}
}

// Entry returns the entry for the logical key.
func (r *Record) Entry(key string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Spec.Key == key {
			return e, true
		}
	}
	return Entry{}, false
}

// Set records spec as applied with handle h, replacing any entry with the
// same key. Entries stay in dependency order.
func (r *Record) Set(spec resource.Spec, h resource.Handle) {
	e := Entry{Spec: spec, Fingerprint: spec.Fingerprint(), Handle: h}
	for i := range r.Entries {
		if r.Entries[i].Spec.Key == spec.Key {
			r.Entries[i] = e
			return
		}
	}
	r.Entries = append(r.Entries, e)
	sort.SliceStable(r.Entries, func(i, j int) bool {
		a, b := r.Entries[i].Spec, r.Entries[j].Spec
		if a.Kind.Rank() != b.Kind.Rank() {
			return a.Kind.Rank() < b.Kind.Rank()
		}
		return a.Key < b.Key
	})
}

// Remove drops the entry for key.
func (r *Record) Remove(key string) {
	out := r.Entries[:0]
	for _, e := range r.Entries {
		if e.Spec.Key != key {
			out = append(out, e)
		}
	}
	r.Entries = out
}

// Handle returns the recorded handle of the first entry of kind.
func (r *Record) Handle(kind resource.Kind) (resource.Handle, bool) {
	for _, e := range r.Entries {
		if e.Spec.Kind == kind {
			return e.Handle, true
		}
	}
	return resource.Handle{}, false
}
