// Package metrics provides Prometheus metrics collection for TextGate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for TextGate.
type Collector struct {
	// Admission metrics
	AdmissionDecisions *prometheus.CounterVec
	SuspicionScore     prometheus.Histogram
	BlockedSources     prometheus.Counter

	// Request metrics
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Circuit metrics
	CircuitState   prometheus.Gauge // 0 = closed, 1 = open
	CircuitProbes  *prometheus.CounterVec
	RemoteFailures prometheus.Counter

	// Usage metrics
	UsageEvents        *prometheus.CounterVec
	UsageEventsDropped prometheus.Counter
	CostMicros         prometheus.Counter
}

// New creates a new metrics collector with all metrics registered.
func New() *Collector {
	return &Collector{
		AdmissionDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "textgate",
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by reason",
			},
			[]string{"reason"},
		),
		SuspicionScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "textgate",
				Name:      "suspicion_score",
				Help:      "Per-call suspicion scores",
				Buckets:   []float64{0, 1, 2, 3, 5, 7, 9, 11},
			},
		),
		BlockedSources: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "textgate",
				Name:      "blocked_sources_total",
				Help:      "Block decisions issued against sources",
			},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "textgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint", "status"},
		),
		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "textgate",
				Name:      "requests_in_flight",
				Help:      "Requests currently being handled",
			},
		),
		CircuitState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "textgate",
				Name:      "circuit_state",
				Help:      "Fallback circuit state (0 = closed, 1 = open)",
			},
		),
		CircuitProbes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "textgate",
				Name:      "circuit_probes_total",
				Help:      "Recovery probes by result",
			},
			[]string{"result"},
		),
		RemoteFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "textgate",
				Name:      "remote_failures_total",
				Help:      "Remote capability invocation failures",
			},
		),
		UsageEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "textgate",
				Name:      "usage_events_total",
				Help:      "Usage events by outcome",
			},
			[]string{"outcome"},
		),
		UsageEventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "textgate",
				Name:      "usage_events_dropped_total",
				Help:      "Usage events dropped because the sink was unavailable",
			},
		),
		CostMicros: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "textgate",
				Name:      "cost_micros_total",
				Help:      "Accumulated provider cost in micro-dollars",
			},
		),
	}
}
