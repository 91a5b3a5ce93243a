package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	CacheDecisions *prometheus.CounterVec

	CoalescedRequests     prometheus.Counter
	PeakConcurrentWaiters prometheus.Gauge

	UpstreamLatency *prometheus.HistogramVec
	UpstreamErrors  *prometheus.CounterVec

	EventsDropped prometheus.Counter

	AgentRunsIngested  prometheus.Counter
	AgentFlagsDetected *prometheus.CounterVec
}

// New creates and registers all gateway metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total proxied requests by endpoint and outcome",
			},
			[]string{"endpoint", "status"}, // status: success, error, timeout
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		CacheDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_decisions_total",
				Help: "Semantic cache outcomes",
			},
			[]string{"decision"}, // miss, exact, semantic
		),

		CoalescedRequests: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_coalesced_requests_total",
				Help: "Requests that attached to an existing in-flight slot",
			},
		),

		PeakConcurrentWaiters: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_peak_concurrent_waiters",
				Help: "High-water mark of waiters on a single coalesce slot",
			},
		),

		UpstreamLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_latency_seconds",
				Help:    "Latency of upstream provider calls",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		UpstreamErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_errors_total",
				Help: "Upstream provider errors by status code",
			},
			[]string{"provider", "code"},
		),

		EventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_events_dropped_total",
				Help: "Observability events dropped after queue and sink both failed",
			},
		),

		AgentRunsIngested: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_agent_runs_ingested_total",
				Help: "Agent runs accepted by the ingestion endpoint",
			},
		),

		AgentFlagsDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_agent_flags_detected_total",
				Help: "Flags raised during agent-run ingestion",
			},
			[]string{"flag"},
		),
	}
}

// EventDropped implements the emitter's drop-counter hook.
func (m *Metrics) EventDropped() { m.EventsDropped.Inc() }
