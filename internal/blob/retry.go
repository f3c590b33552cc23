package blob

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff policies accepted by NewRetryStore.
const (
	BackoffExponential = "exponential"
	BackoffConstant    = "constant"
)

// RetryStore wraps another Store and retries transient errors.
type RetryStore struct {
	inner      Store
	maxRetries int
	policy     string

	// initialInterval is the first (or, for constant, every) delay.
	initialInterval time.Duration
}

// NewRetryStore returns a Store that retries transient errors up to
// maxRetries times. policy is BackoffExponential or BackoffConstant;
// anything else falls back to exponential.
func NewRetryStore(inner Store, maxRetries int, policy string) *RetryStore {
	if policy != BackoffExponential && policy != BackoffConstant {
		policy = BackoffExponential
	}
	return &RetryStore{
		inner:           inner,
		maxRetries:      maxRetries,
		policy:          policy,
		initialInterval: 100 * time.Millisecond,
	}
}

func (r *RetryStore) Name() string {
	return r.inner.Name()
}

// Put retries only when body can be rewound.
func (r *RetryStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	return r.retryBody(ctx, body, func(b io.Reader) error {
		return r.inner.Put(ctx, key, b, opts)
	})
}

func (r *RetryStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	var (
		rc   io.ReadCloser
		meta ObjectMeta
	)
	err := r.retryOp(ctx, func() error {
		var e error
		rc, meta, e = r.inner.Get(ctx, key)
		return e
	})
	return rc, meta, err
}

func (r *RetryStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	var meta ObjectMeta
	err := r.retryOp(ctx, func() error {
		var e error
		meta, e = r.inner.Head(ctx, key)
		return e
	})
	return meta, err
}

func (r *RetryStore) Delete(ctx context.Context, key string) error {
	return r.retryOp(ctx, func() error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *RetryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var items []ObjectInfo
	err := r.retryOp(ctx, func() error {
		var e error
		items, e = r.inner.List(ctx, prefix)
		return e
	})
	return items, err
}

func (r *RetryStore) ConditionalPut(ctx context.Context, key string, body io.Reader, cond WriteCondition, opts PutOptions) error {
	return r.retryBody(ctx, body, func(b io.Reader) error {
		return r.inner.ConditionalPut(ctx, key, b, cond, opts)
	})
}

func (r *RetryStore) ConditionalDelete(ctx context.Context, key string, cond WriteCondition) error {
	return r.retryOp(ctx, func() error {
		return r.inner.ConditionalDelete(ctx, key, cond)
	})
}

// isTransient reports whether err should be retried. Not-found and
// precondition failures are answers, not faults.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (r *RetryStore) newBackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	switch r.policy {
	case BackoffConstant:
		b = backoff.NewConstantBackOff(r.initialInterval)
	default:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = r.initialInterval
		eb.MaxInterval = 30 * time.Second
		eb.RandomizationFactor = 0.25
		eb.MaxElapsedTime = 0
		b = eb
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxRetries)), ctx)
}

// retryOp executes op and retries on transient errors.
func (r *RetryStore) retryOp(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.newBackOff(ctx))
}

// retryBody retries a write whose body must be replayed. Bodies that
// cannot seek are attempted once.
func (r *RetryStore) retryBody(ctx context.Context, body io.Reader, op func(io.Reader) error) error {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return op(body)
	}
	first := true
	return r.retryOp(ctx, func() error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(err)
			}
		}
		first = false
		return op(body)
	})
}
