package lifecycle

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/reconcile"
)

// Notification describes the outcome of an open or update.
type Notification struct {
	Event   Event
	Outputs reconcile.Outputs
	// Err is nil on success.
	Err error
}

// Notifier reports environment outcomes to an external system such as a
// commit status.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

// notify never fails the lifecycle operation; a notifier error is logged.
func (d *Driver) notify(ctx context.Context, logger hclog.Logger, ev Event, res *reconcile.Result, err error) {
	n := Notification{Event: ev, Err: err}
	if res != nil {
		n.Outputs = res.Outputs
	}
	if nerr := d.notifier.Notify(context.WithoutCancel(ctx), n); nerr != nil {
		logger.Warn("failed to notify", "error", nerr)
	}
}
