package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the agent's counters on a private registry, so tests can
// run independent instances side by side.
type Metrics struct {
	registry *prometheus.Registry

	ScansSubmitted prometheus.Counter
	ScansEnqueued  prometheus.Counter
	ScansRejected  prometheus.Counter
	SyncPasses     prometheus.Counter
	SyncFailures   prometheus.Counter
	Duplicates     prometheus.Counter
	Reconciled     prometheus.Counter
	PendingDepth   prometheus.Gauge
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ScansSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_scans_submitted_total",
			Help: "Scans answered directly by the platform.",
		}),
		ScansEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_scans_enqueued_total",
			Help: "Scans queued locally for later batch submission.",
		}),
		ScansRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_scans_rejected_total",
			Help: "Scans the platform rejected as malformed.",
		}),
		SyncPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_sync_passes_total",
			Help: "Completed synchronization passes.",
		}),
		SyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_sync_failures_total",
			Help: "Synchronization passes aborted on transport failure.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_duplicates_detected_total",
			Help: "Duplicate outcomes returned during batch confirmation.",
		}),
		Reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_reconciled_entries_total",
			Help: "Attendance entries merged from reconciliation pulls.",
		}),
		PendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkpoint_pending_queue_depth",
			Help: "Scans currently waiting to be sent.",
		}),
	}
	reg.MustRegister(m.ScansSubmitted, m.ScansEnqueued, m.ScansRejected,
		m.SyncPasses, m.SyncFailures, m.Duplicates, m.Reconciled, m.PendingDepth)
	return m
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
