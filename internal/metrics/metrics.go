// Package metrics records reconcile activity as Prometheus metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docspreview/previewctl/internal/reconcile"
	"github.com/docspreview/previewctl/internal/resource"
)

const namespace = "previewctl"

// Recorder implements reconcile.Metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	Reconciles        *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec
	Operations        *prometheus.CounterVec
	LockWait          prometheus.Histogram
	LastReconcile     prometheus.Gauge
}

var _ reconcile.Metrics = (*Recorder)(nil)

// New returns a Recorder with every metric registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciles_total",
			Help:      "Reconciles by outcome (applied, unchanged, partial, error).",
		}, []string{"outcome"}),
		ReconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Wall time of a reconcile, including lock wait.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"outcome"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Provider operations by resource kind, action and outcome.",
		}, []string{"kind", "action", "outcome"}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring the environment lock.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		LastReconcile: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reconcile_timestamp_seconds",
			Help:      "Unix time the last reconcile finished.",
		}),
	}
	r.registry.MustRegister(r.Reconciles, r.ReconcileDuration, r.Operations, r.LockWait, r.LastReconcile)
	return r
}

// Registry returns the registry holding the Recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) ObserveReconcile(outcome string, d time.Duration) {
	r.Reconciles.WithLabelValues(outcome).Inc()
	r.ReconcileDuration.WithLabelValues(outcome).Observe(d.Seconds())
	r.LastReconcile.SetToCurrentTime()
}

func (r *Recorder) ObserveOperation(kind resource.Kind, action, outcome string) {
	r.Operations.WithLabelValues(string(kind), action, outcome).Inc()
}

func (r *Recorder) ObserveLockWait(d time.Duration) {
	r.LockWait.Observe(d.Seconds())
}

// WriteTextfile writes the metrics in the text exposition format to path,
// atomically, for the node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
