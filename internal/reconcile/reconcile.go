// Package reconcile converges a preview environment onto a target set of
// resources: it diffs the target against the recorded state, applies the
// difference through the provider in dependency order and records what
// was confirmed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/resource"
	"github.com/docspreview/previewctl/internal/state"
)

// DefaultLockTimeout bounds lock acquisition when Options leaves it unset.
const DefaultLockTimeout = 2 * time.Minute

// Metrics receives reconcile observations.
type Metrics interface {
	ObserveReconcile(outcome string, d time.Duration)
	ObserveOperation(kind resource.Kind, action, outcome string)
	ObserveLockWait(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveReconcile(string, time.Duration)         {}
func (nopMetrics) ObserveOperation(resource.Kind, string, string) {}
func (nopMetrics) ObserveLockWait(time.Duration)                  {}

// Options configures a Reconciler.
type Options struct {
	LockTimeout time.Duration
	// CallTimeout bounds each provider call. Zero leaves calls unbounded.
	CallTimeout time.Duration
	// Refresh reads every recorded resource before diffing and drops the
	// ones the provider no longer has, so they are recreated.
	Refresh bool
	Logger  hclog.Logger
	Metrics Metrics
}

// Reconciler applies targets to environments.
type Reconciler struct {
	store   state.Store
	adapter provider.Adapter
	opts    Options
	logger  hclog.Logger
	metrics Metrics
	now     func() time.Time
}

// New returns a Reconciler.
func New(store state.Store, adapter provider.Adapter, opts Options) *Reconciler {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.CallTimeout > 0 {
		adapter = provider.WithTimeout(adapter, opts.CallTimeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Reconciler{
		store:   store,
		adapter: adapter,
		opts:    opts,
		logger:  logger.Named("reconcile"),
		metrics: m,
		now:     time.Now,
	}
}

// Result describes one reconcile.
type Result struct {
	Plan    *Plan
	Applied []Operation
	Failed  []*OperationError
	Skipped []Operation
	// Record is the persisted environment; nil once it is destroyed.
	Record    *state.Record
	Destroyed bool
	Outputs   Outputs
}

// Reconcile moves the environment of id onto target. A nil target
// destroys the environment.
//
// The apply phase is not interrupted by cancellation of ctx: once the
// lock is held every planned operation is attempted and the outcome is
// recorded before the lock is released.
func (r *Reconciler) Reconcile(ctx context.Context, id envid.ID, target *resource.Set) (*Result, error) {
	start := r.now()
	res, err := r.reconcile(ctx, id, target)

	outcome := "applied"
	var pae *PartialApplyError
	switch {
	case errors.As(err, &pae):
		outcome = "partial"
	case err != nil:
		outcome = "error"
	case res != nil && !res.Plan.HasChanges():
		outcome = "unchanged"
	}
	r.metrics.ObserveReconcile(outcome, r.now().Sub(start))
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, id envid.ID, target *resource.Set) (res *Result, err error) {
	if id.IsZero() {
		return nil, errors.New("reconcile: empty identifier")
	}
	key := id.Key()
	if target != nil {
		if target.EnvKey != key {
			return nil, fmt.Errorf("reconcile: target belongs to %s, not %s", target.EnvKey, key)
		}
		if err := target.Validate(); err != nil {
			return nil, fmt.Errorf("reconcile: invalid target: %w", err)
		}
	}
	logger := r.logger.With("env", key)

	waitStart := r.now()
	lock, err := r.store.Lock(ctx, key, r.opts.LockTimeout)
	r.metrics.ObserveLockWait(r.now().Sub(waitStart))
	if err != nil {
		return nil, fmt.Errorf("reconcile: lock %s: %w", key, err)
	}
	// From here on the outcome is always recorded and the lock released,
	// whatever happens to the caller's context.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if uerr := r.store.Unlock(ctx, lock); uerr != nil {
			logger.Error("failed to release lock", "error", uerr)
			err = multierror.Append(err, uerr).ErrorOrNil()
		}
	}()

	rec, existed, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	dirty := false
	if r.opts.Refresh && existed {
		dropped, err := r.refresh(ctx, rec)
		if err != nil {
			return nil, err
		}
		dirty = dropped > 0
	}
	if target != nil {
		rec.Tags = tagsOf(target)
	}

	plan := Diff(key, rec, target)
	logger.Info("planned", "create", plan.Count(ActionCreate), "update", plan.Count(ActionUpdate),
		"delete", plan.Count(ActionDelete), "unchanged", plan.Count(ActionNoop))

	res = &Result{Plan: plan}
	r.apply(ctx, logger, rec, plan, res)
	if len(res.Applied) > 0 {
		dirty = true
	}

	if perr := r.persist(ctx, lock, rec, existed, dirty, target == nil, res); perr != nil {
		logger.Error("failed to persist environment", "error", perr)
		return res, perr
	}
	if len(res.Failed) > 0 || len(res.Skipped) > 0 {
		return res, newPartialApplyError(key, res.Failed, res.Skipped)
	}
	logger.Info("reconciled", "applied", len(res.Applied), "destroyed", res.Destroyed)
	return res, nil
}

func (r *Reconciler) load(ctx context.Context, id envid.ID) (*state.Record, bool, error) {
	rec, err := r.store.Get(ctx, id.Key())
	if errors.Is(err, state.ErrNotFound) {
		return state.NewRecord(id), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reconcile: load %s: %w", id.Key(), err)
	}
	return rec, true, nil
}

// refresh drops entries whose resources the provider reports missing and
// returns how many were dropped.
func (r *Reconciler) refresh(ctx context.Context, rec *state.Record) (int, error) {
	dropped := 0
	for _, e := range append([]state.Entry(nil), rec.Entries...) {
		_, err := r.adapter.Read(ctx, e.Handle)
		switch {
		case err == nil:
		case provider.IsNotFound(err):
			r.logger.Warn("recorded resource is missing", "key", e.Spec.Key, "id", e.Handle.ID)
			rec.Remove(e.Spec.Key)
			dropped++
		default:
			return 0, fmt.Errorf("reconcile: refresh %s: %w", e.Spec.Key, err)
		}
	}
	return dropped, nil
}

func (r *Reconciler) apply(ctx context.Context, logger hclog.Logger, rec *state.Record, plan *Plan, res *Result) {
	// blocked holds keys whose operation failed or was skipped in this pass.
	blocked := map[string]bool{}
	for _, op := range plan.Operations {
		if op.Action == ActionNoop {
			continue
		}
		if dep := blockedBy(op, rec, blocked); dep != "" {
			logger.Warn("skipped", "action", op.Action, "key", op.Key, "blocked_by", dep)
			res.Skipped = append(res.Skipped, op)
			blocked[op.Key] = true
			r.metrics.ObserveOperation(op.Kind, string(op.Action), "skipped")
			continue
		}
		if err := r.applyOne(ctx, rec, op); err != nil {
			logger.Error("operation failed", "action", op.Action, "key", op.Key, "error", err)
			res.Failed = append(res.Failed, &OperationError{Operation: op, Err: err})
			blocked[op.Key] = true
			r.metrics.ObserveOperation(op.Kind, string(op.Action), "failed")
			continue
		}
		logger.Info("applied", "action", op.Action, "key", op.Key)
		res.Applied = append(res.Applied, op)
		r.metrics.ObserveOperation(op.Kind, string(op.Action), "applied")
	}
}

// blockedBy returns the key of a blocked resource op depends on. A create
// or update depends on the resources its spec references; a delete depends
// on the removal of every recorded resource referencing it.
func blockedBy(op Operation, rec *state.Record, blocked map[string]bool) string {
	if op.Action == ActionDelete {
		for _, e := range rec.Entries {
			if !blocked[e.Spec.Key] {
				continue
			}
			for _, ref := range e.Spec.Refs() {
				if ref == op.Key {
					return e.Spec.Key
				}
			}
		}
		return ""
	}
	for _, ref := range op.Spec.Refs() {
		if blocked[ref] {
			return ref
		}
	}
	return ""
}

func refsFor(rec *state.Record, spec resource.Spec) provider.Refs {
	refs := provider.Refs{}
	for _, key := range spec.Refs() {
		if e, ok := rec.Entry(key); ok {
			refs[key] = e.Handle
		}
	}
	return refs
}

func (r *Reconciler) applyOne(ctx context.Context, rec *state.Record, op Operation) error {
	switch op.Action {
	case ActionCreate:
		h, err := r.adapter.Create(ctx, op.Spec, refsFor(rec, op.Spec))
		if err != nil {
			return err
		}
		rec.Set(op.Spec, h)
	case ActionUpdate:
		h, err := r.adapter.Update(ctx, op.Prior.Handle, op.Spec, refsFor(rec, op.Spec))
		if err != nil {
			return err
		}
		rec.Set(op.Spec, h)
	case ActionDelete:
		if err := r.adapter.Delete(ctx, op.Prior.Handle); err != nil {
			return err
		}
		rec.Remove(op.Key)
	default:
		return fmt.Errorf("reconcile: unknown action %q", op.Action)
	}
	return nil
}

func (r *Reconciler) persist(ctx context.Context, lock *state.Lock, rec *state.Record, existed, dirty, destroy bool, res *Result) error {
	if destroy && len(rec.Entries) == 0 {
		res.Destroyed = true
		if !existed {
			return nil
		}
		if err := r.store.Delete(ctx, lock, rec.EnvKey); err != nil {
			return fmt.Errorf("reconcile: remove %s: %w", rec.EnvKey, err)
		}
		return nil
	}

	res.Record = rec
	res.Outputs = OutputsOf(rec)
	if existed && !dirty {
		return nil
	}
	if !existed && len(rec.Entries) == 0 {
		return nil
	}
	if err := r.store.Put(ctx, lock, rec); err != nil {
		return fmt.Errorf("reconcile: persist %s: %w", rec.EnvKey, err)
	}
	return nil
}

// Plan computes the plan for target without locking or applying.
func (r *Reconciler) Plan(ctx context.Context, id envid.ID, target *resource.Set) (*Plan, error) {
	if target != nil {
		if err := target.Validate(); err != nil {
			return nil, fmt.Errorf("reconcile: invalid target: %w", err)
		}
	}
	rec, existed, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.opts.Refresh && existed {
		if _, err := r.refresh(ctx, rec); err != nil {
			return nil, err
		}
	}
	return Diff(id.Key(), rec, target), nil
}

// tagsOf returns the tags of the target's origin store.
func tagsOf(target *resource.Set) map[string]string {
	for _, sp := range target.OfKind(resource.KindOriginStore) {
		tags := make(map[string]string, len(sp.Tags))
		for k, v := range sp.Tags {
			tags[k] = v
		}
		return tags
	}
	return nil
}
