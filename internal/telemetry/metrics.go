// Package telemetry exposes the switchboard's Prometheus metrics. Labels
// stay low-cardinality: channels, tiers, butler names, lifecycle states,
// and error classes only. Request ids and sender identities never become
// labels.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the switchboard core.
type Metrics struct {
	// Ingest metrics
	Accepted       *prometheus.CounterVec
	Duplicates     *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec

	// Dispatch metrics
	Dispatches       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	Retries          *prometheus.CounterVec

	// Failure metrics
	Errors  *prometheus.CounterVec
	DLQ     *prometheus.CounterVec
	Replays prometheus.Counter

	// Capacity metrics
	BufferDepth  *prometheus.GaugeVec
	Deferred     *prometheus.CounterVec
	OpenCircuits prometheus.Gauge

	// Operator metrics
	Interventions *prometheus.CounterVec
}

// NewMetrics creates and registers all switchboard metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Accepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_accepted_total",
				Help: "Envelopes accepted at the ingest boundary",
			},
			[]string{"channel", "tier"},
		),

		Duplicates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_duplicates_total",
				Help: "Envelopes suppressed by deduplication",
			},
			[]string{"channel"},
		),

		Rejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_rejected_total",
				Help: "Envelopes rejected before acceptance",
			},
			[]string{"channel", "error_class"},
		),

		IngestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_ingest_duration_seconds",
				Help:    "Time from envelope receipt to durable acceptance",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"channel"},
		),

		Dispatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_dispatches_total",
				Help: "Per-target dispatch attempts by final outcome",
			},
			[]string{"butler", "outcome"}, // outcome: success, failure
		),

		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_dispatch_duration_seconds",
				Help:    "End-to-end duration of one target dispatch including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"butler"},
		),

		Retries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_retries_total",
				Help: "Retry attempts beyond the first, per target",
			},
			[]string{"butler"},
		),

		Errors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_errors_total",
				Help: "Request-level failures by error class",
			},
			[]string{"error_class"},
		),

		DLQ: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_dead_lettered_total",
				Help: "Requests moved to the dead letter queue",
			},
			[]string{"error_class"},
		),

		Replays: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_replays_total",
				Help: "Dead letter entries replayed by an operator",
			},
		),

		BufferDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_buffer_depth",
				Help: "Requests waiting in the durable buffer per tier",
			},
			[]string{"tier"},
		),

		Deferred: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_deferred_total",
				Help: "Envelopes accepted as deferred because the buffer was past its soft limit",
			},
			[]string{"tier"},
		),

		OpenCircuits: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_open_circuits",
				Help: "Circuit breakers currently in the open state",
			},
		),

		Interventions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_operator_interventions_total",
				Help: "Operator interventions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
	}
}

// RecordAccepted records an accepted envelope and its ingest latency.
func (m *Metrics) RecordAccepted(channel, tier string, seconds float64) {
	m.Accepted.WithLabelValues(channel, tier).Inc()
	m.IngestDuration.WithLabelValues(channel).Observe(seconds)
}

// RecordDuplicate records a suppressed duplicate.
func (m *Metrics) RecordDuplicate(channel string) {
	m.Duplicates.WithLabelValues(channel).Inc()
}

// RecordRejected records a rejected envelope.
func (m *Metrics) RecordRejected(channel, errorClass string) {
	m.Rejected.WithLabelValues(channel, errorClass).Inc()
}

// RecordDispatch records one target's final dispatch outcome.
func (m *Metrics) RecordDispatch(butler string, success bool, seconds float64, attempts int) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.Dispatches.WithLabelValues(butler, outcome).Inc()
	m.DispatchDuration.WithLabelValues(butler).Observe(seconds)
	if attempts > 1 {
		m.Retries.WithLabelValues(butler).Add(float64(attempts - 1))
	}
}

// RecordError records a request-level failure.
func (m *Metrics) RecordError(errorClass string) {
	m.Errors.WithLabelValues(errorClass).Inc()
}

// RecordDeadLettered records a DLQ burial.
func (m *Metrics) RecordDeadLettered(errorClass string) {
	m.DLQ.WithLabelValues(errorClass).Inc()
	m.Errors.WithLabelValues(errorClass).Inc()
}

// RecordReplay records an operator replay.
func (m *Metrics) RecordReplay() {
	m.Replays.Inc()
}

// UpdateBufferDepth sets the per-tier buffer gauges.
func (m *Metrics) UpdateBufferDepth(depths map[string]int) {
	for tier, depth := range depths {
		m.BufferDepth.WithLabelValues(tier).Set(float64(depth))
	}
}

// RecordDeferred records a deferred acceptance.
func (m *Metrics) RecordDeferred(tier string) {
	m.Deferred.WithLabelValues(tier).Inc()
}

// UpdateOpenCircuits sets the open-breaker gauge.
func (m *Metrics) UpdateOpenCircuits(n int) {
	m.OpenCircuits.Set(float64(n))
}

// RecordIntervention records an operator action.
func (m *Metrics) RecordIntervention(action, outcome string) {
	m.Interventions.WithLabelValues(action, outcome).Inc()
}
