package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/reconcile"
	"github.com/docspreview/previewctl/internal/state"
)

// EnvironmentStatus is the recorded state of one environment.
type EnvironmentStatus struct {
	Identifier envid.ID
	Record     *state.Record
	Outputs    reconcile.Outputs
}

// Status returns the recorded environment of id. It returns an error
// matching state.ErrNotFound when no environment exists.
func (d *Driver) Status(ctx context.Context, id envid.ID) (*EnvironmentStatus, error) {
	rec, err := d.store.Get(ctx, id.Key())
	if err != nil {
		return nil, fmt.Errorf("lifecycle: status %s: %w", id.Key(), err)
	}
	return &EnvironmentStatus{Identifier: id, Record: rec, Outputs: reconcile.OutputsOf(rec)}, nil
}

// List returns the identifiers of every recorded environment in
// ascending order.
func (d *Driver) List(ctx context.Context) ([]envid.ID, error) {
	keys, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list environments: %w", err)
	}
	ids := make([]envid.ID, 0, len(keys))
	for _, key := range keys {
		id, err := envid.FromKey(key)
		if err != nil {
			d.logger.Warn("ignoring unrecognized state key", "key", key)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i].String(), ids[j].String()
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	return ids, nil
}

// PruneResult lists the environments a Prune closed and those it failed
// to close.
type PruneResult struct {
	Closed []envid.ID
	Failed map[string]error
}

// Prune closes every recorded environment whose identifier is not in
// open. Environments are closed in parallel, at most PruneConcurrency at a
// time; one failure does not stop the others. The returned error
// aggregates every failure.
func (d *Driver) Prune(ctx context.Context, open []envid.ID) (*PruneResult, error) {
	keep := make(map[string]bool, len(open))
	for _, id := range open {
		keep[id.Key()] = true
	}
	recorded, err := d.List(ctx)
	if err != nil {
		return nil, err
	}

	var stale []envid.ID
	for _, id := range recorded {
		if !keep[id.Key()] {
			stale = append(stale, id)
		}
	}
	d.logger.Info("pruning environments", "recorded", len(recorded), "stale", len(stale))

	result := &PruneResult{Failed: map[string]error{}}
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	sem := semaphore.NewWeighted(int64(d.opts.PruneConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range stale {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			_, err := d.OnClose(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id.Key()] = err
				errs = multierror.Append(errs, fmt.Errorf("close %s: %w", id.Key(), err))
				return nil
			}
			result.Closed = append(result.Closed, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("lifecycle: prune: %w", err)
	}
	sort.Slice(result.Closed, func(i, j int) bool { return result.Closed[i].Key() < result.Closed[j].Key() })
	if err := errs.ErrorOrNil(); err != nil {
		return result, fmt.Errorf("lifecycle: prune: %w", err)
	}
	return result, nil
}
