// Package metrics provides Prometheus metrics for the capture pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline. Each instance
// carries its own registry so multiple services can coexist in tests.
type Metrics struct {
	EventsIngested  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	BatchesFlushed  prometheus.Counter
	BatchesDropped  prometheus.Counter
	SessionsStarted prometheus.Counter
	SessionsEvicted prometheus.Counter
	PatternsPruned  prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ambientd_events_ingested_total",
				Help: "Total accepted activity events by kind.",
			},
			[]string{"kind"},
		),
		EventsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ambientd_events_rejected_total",
				Help: "Total rejected activity events by reason.",
			},
			[]string{"reason"},
		),
		BatchesFlushed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ambientd_batches_flushed_total",
				Help: "Total merged batches persisted.",
			},
		),
		BatchesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ambientd_batches_dropped_total",
				Help: "Total batches dropped after exhausting flush retries.",
			},
		),
		SessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ambientd_sessions_started_total",
				Help: "Total capture sessions opened.",
			},
		),
		SessionsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ambientd_sessions_evicted_total",
				Help: "Total completed sessions removed by capacity eviction.",
			},
		),
		PatternsPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ambientd_patterns_pruned_total",
				Help: "Total patterns deleted by the scheduled prune.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.EventsIngested)
	reg.MustRegister(m.EventsRejected)
	reg.MustRegister(m.BatchesFlushed)
	reg.MustRegister(m.BatchesDropped)
	reg.MustRegister(m.SessionsStarted)
	reg.MustRegister(m.SessionsEvicted)
	reg.MustRegister(m.PatternsPruned)

	return m
}

// Handler returns an HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
