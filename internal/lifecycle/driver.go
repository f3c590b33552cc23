// Package lifecycle turns pull-request events into reconciles of the
// matching preview environment.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/descriptor"
	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/reconcile"
	"github.com/docspreview/previewctl/internal/resource"
	"github.com/docspreview/previewctl/internal/site"
	"github.com/docspreview/previewctl/internal/state"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultMaxAttempts      = 3
	DefaultInitialBackoff   = 2 * time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultPruneConcurrency = 4
)

// Reconciler is the part of *reconcile.Reconciler the driver uses.
type Reconciler interface {
	Reconcile(ctx context.Context, id envid.ID, target *resource.Set) (*reconcile.Result, error)
	Plan(ctx context.Context, id envid.ID, target *resource.Set) (*reconcile.Plan, error)
}

// Options configures a Driver.
type Options struct {
	// MaxAttempts bounds how often a reconcile failing only with
	// unavailable provider errors is attempted.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// PruneConcurrency bounds the environments Prune closes at once.
	PruneConcurrency int

	// Notifier, when set, is told about the outcome of every open and
	// update.
	Notifier Notifier
	Logger   hclog.Logger
}

// Driver maps lifecycle events onto the reconciler.
type Driver struct {
	rec      Reconciler
	store    state.Store
	opts     Options
	notifier Notifier
	logger   hclog.Logger
}

// New returns a Driver reconciling through rec. store is read by Status,
// List and Prune.
func New(rec Reconciler, store state.Store, opts Options) *Driver {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.PruneConcurrency <= 0 {
		opts.PruneConcurrency = DefaultPruneConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Driver{
		rec:      rec,
		store:    store,
		opts:     opts,
		notifier: notifier,
		logger:   logger.Named("lifecycle"),
	}
}

// OnOpen creates or updates the environment of id so that it matches cfg.
func (d *Driver) OnOpen(ctx context.Context, id envid.ID, cfg descriptor.StaticConfig) (*reconcile.Result, error) {
	return d.open(ctx, Event{Kind: EventOpen, Identifier: id, Config: cfg})
}

// OnUpdate is OnOpen for an environment that is expected to exist. A
// missing environment is created.
func (d *Driver) OnUpdate(ctx context.Context, id envid.ID, cfg descriptor.StaticConfig) (*reconcile.Result, error) {
	return d.open(ctx, Event{Kind: EventUpdate, Identifier: id, Config: cfg})
}

// OnClose destroys the environment of id. It is safe to call for
// environments that were only partly created or never existed.
func (d *Driver) OnClose(ctx context.Context, id envid.ID) (*reconcile.Result, error) {
	d.logger.Info("closing environment", "identifier", id.String())
	return d.reconcile(ctx, id, nil)
}

// Handle dispatches ev to OnOpen, OnUpdate or OnClose.
func (d *Driver) Handle(ctx context.Context, ev Event) (*reconcile.Result, error) {
	if ev.Identifier.IsZero() {
		return nil, errors.New("lifecycle: event has no identifier")
	}
	switch ev.Kind {
	case EventOpen, EventUpdate:
		return d.open(ctx, ev)
	case EventClose:
		return d.OnClose(ctx, ev.Identifier)
	default:
		return nil, fmt.Errorf("lifecycle: unknown event kind %q", ev.Kind)
	}
}

func (d *Driver) open(ctx context.Context, ev Event) (*reconcile.Result, error) {
	logger := d.logger.With("identifier", ev.Identifier.String(), "event", string(ev.Kind))
	logger.Info("reconciling environment")

	target, err := d.target(ev.Identifier, ev.Config)
	if err != nil {
		d.notify(ctx, logger, ev, nil, err)
		return nil, err
	}
	res, err := d.reconcile(ctx, ev.Identifier, target)
	d.notify(ctx, logger, ev, res, err)
	return res, err
}

// Plan computes what OnOpen would do for cfg without locking or applying.
func (d *Driver) Plan(ctx context.Context, id envid.ID, cfg descriptor.StaticConfig) (*reconcile.Plan, error) {
	target, err := d.target(id, cfg)
	if err != nil {
		return nil, err
	}
	return d.rec.Plan(ctx, id, target)
}

// PlanClose computes what OnClose would do.
func (d *Driver) PlanClose(ctx context.Context, id envid.ID) (*reconcile.Plan, error) {
	return d.rec.Plan(ctx, id, nil)
}

// target builds the descriptor for id. The content directory, if any, is
// scanned first so a changed artifact changes the origin store spec.
func (d *Driver) target(id envid.ID, cfg descriptor.StaticConfig) (*resource.Set, error) {
	cfg = cfg.Clone()
	if cfg.ContentDir != "" {
		b, err := site.Scan(cfg.ContentDir, cfg.Excludes)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: scan content: %w", err)
		}
		cfg.ContentHash = b.Hash
		d.logger.Debug("scanned content", "dir", cfg.ContentDir, "files", len(b.Files), "hash", b.Hash)
	}
	set, err := descriptor.Build(id, cfg)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	return set, nil
}

// reconcile runs the reconciler, retrying while it fails only because the
// provider is unavailable.
func (d *Driver) reconcile(ctx context.Context, id envid.ID, target *resource.Set) (*reconcile.Result, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.opts.InitialBackoff
	eb.MaxInterval = d.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.opts.MaxAttempts-1)), ctx)

	var res *reconcile.Result
	attempt := 0
	op := func() error {
		attempt++
		var err error
		res, err = d.rec.Reconcile(ctx, id, target)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("reconcile failed, retrying", "identifier", id.String(),
			"attempt", attempt, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return res, err
	}
	return res, nil
}

// Retryable reports whether err is worth another attempt: the provider
// was unavailable and nothing was rejected outright.
func Retryable(err error) bool {
	if errors.Is(err, state.ErrLockContended) || errors.Is(err, descriptor.ErrInvalidConfiguration) {
		return false
	}
	var pae *reconcile.PartialApplyError
	if errors.As(err, &pae) {
		return pae.Transient()
	}
	return provider.IsUnavailable(err)
}
