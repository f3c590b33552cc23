package provider

import (
	"context"
	"errors"
	"time"

	"github.com/docspreview/previewctl/internal/resource"
)

type timeoutAdapter struct {
	inner   Adapter
	timeout time.Duration
}

// WithTimeout bounds every call to inner by d. A call that runs out of time
// fails with an *UnavailableError wrapping ErrTimeout. A non-positive d
// returns inner unchanged.
func WithTimeout(inner Adapter, d time.Duration) Adapter {
	if d <= 0 {
		return inner
	}
	return &timeoutAdapter{inner: inner, timeout: d}
}

func (t *timeoutAdapter) bound(ctx context.Context, op Op, kind resource.Kind, call func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := call(cctx)
	if err == nil {
		return nil
	}
	// Only our own deadline is reported as a timeout; a caller's
	// cancellation passes through.
	if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !IsUnavailable(err) {
		return &UnavailableError{Op: op, Kind: kind, Err: errors.Join(ErrTimeout, err)}
	}
	return err
}

func (t *timeoutAdapter) Create(ctx context.Context, spec resource.Spec, refs Refs) (resource.Handle, error) {
	var h resource.Handle
	err := t.bound(ctx, OpCreate, spec.Kind, func(ctx context.Context) error {
		var err error
		h, err = t.inner.Create(ctx, spec, refs)
		return err
	})
	return h, err
}

func (t *timeoutAdapter) Read(ctx context.Context, h resource.Handle) (resource.Spec, error) {
	var spec resource.Spec
	err := t.bound(ctx, OpRead, h.Kind, func(ctx context.Context) error {
		var err error
		spec, err = t.inner.Read(ctx, h)
		return err
	})
	return spec, err
}

func (t *timeoutAdapter) Update(ctx context.Context, h resource.Handle, spec resource.Spec, refs Refs) (resource.Handle, error) {
	var out resource.Handle
	err := t.bound(ctx, OpUpdate, spec.Kind, func(ctx context.Context) error {
		var err error
		out, err = t.inner.Update(ctx, h, spec, refs)
		return err
	})
	return out, err
}

func (t *timeoutAdapter) Delete(ctx context.Context, h resource.Handle) error {
	return t.bound(ctx, OpDelete, h.Kind, func(ctx context.Context) error {
		return t.inner.Delete(ctx, h)
	})
}
