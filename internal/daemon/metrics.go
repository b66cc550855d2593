package daemon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/geooffice/projectsync/internal/reconcile"
	"github.com/geooffice/projectsync/internal/scheduler"
)

// Metrics holds the daemon's Prometheus collectors.
type Metrics struct {
	Passes       *prometheus.CounterVec
	Actions      *prometheus.CounterVec
	Anomalies    *prometheus.CounterVec
	FileEvents   *prometheus.CounterVec
	PassDuration prometheus.Histogram
	QueueWait    prometheus.Histogram
	Pending      prometheus.Gauge
	Active       prometheus.Gauge
	LastSuccess  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "projectsync",
			Name:      "passes_total",
			Help:      "Reconciliation passes by outcome.",
		}, []string{"outcome"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "projectsync",
			Name:      "actions_total",
			Help:      "Catalog mutations applied, by kind.",
		}, []string{"kind"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "projectsync",
			Name:      "anomalies_total",
			Help:      "Anomalies reported by reconciliation, by kind.",
		}, []string{"kind"}),
		FileEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "projectsync",
			Name:      "file_events_total",
			Help:      "Relevant file system events seen by the watcher.",
		}, []string{"kind"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "projectsync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "projectsync",
			Name:      "queue_wait_seconds",
			Help:      "Time a sync request waited before its pass started.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "projectsync",
			Name:      "pending_requests",
			Help:      "Sync requests waiting for the worker.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "projectsync",
			Name:      "active_projects",
			Help:      "Active catalog records after the last pass.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "projectsync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful pass.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Passes, m.Actions, m.Anomalies, m.FileEvents,
			m.PassDuration, m.QueueWait, m.Pending, m.Active, m.LastSuccess)
	}
	return m
}

// ObservePass records one finished pass. result is nil for failed passes.
func (m *Metrics) ObservePass(outcome scheduler.Outcome, result *reconcile.Result) {
	m.PassDuration.Observe(outcome.Duration().Seconds())
	m.QueueWait.Observe(outcome.Waited.Seconds())

	if outcome.Err != nil || result == nil {
		m.Passes.WithLabelValues("failure").Inc()
		return
	}
	m.Passes.WithLabelValues("success").Inc()
	m.LastSuccess.Set(float64(outcome.Finished.Unix()))
	m.Active.Set(float64(result.Active))

	for kind, n := range result.Counts() {
		if n > 0 {
			m.Actions.WithLabelValues(kind).Add(float64(n))
		}
	}
	for _, a := range result.Anomalies {
		m.Anomalies.WithLabelValues(string(a.Kind)).Inc()
	}
}

// SetPending records the current queue depth.
func (m *Metrics) SetPending(n int) {
	m.Pending.Set(float64(n))
}
