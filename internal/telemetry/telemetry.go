// Package telemetry holds the Prometheus instrumentation for the order
// book core.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the core emits.
type Registry struct {
	DeltasApplied *prometheus.CounterVec
	Gaps          *prometheus.CounterVec
	Resyncs       *prometheus.CounterVec
	Reconnects    *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
	SessionStates  *prometheus.GaugeVec

	AdmissionWaits  prometheus.Histogram
	AdmissionDenied prometheus.Counter

	SnapshotWrites *prometheus.CounterVec
	SnapshotBytes  prometheus.Histogram

	AnalyticsDuration *prometheus.HistogramVec
	AnomaliesEmitted  *prometheus.CounterVec
}

// NewRegistry builds and registers all metrics on reg (defaulting to the
// global registerer when nil).
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Registry{
		DeltasApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookd_deltas_applied_total",
				Help: "Depth deltas applied per symbol",
			},
			[]string{"symbol"},
		),
		Gaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookd_sequence_gaps_total",
				Help: "Sequence gaps detected per symbol",
			},
			[]string{"symbol"},
		),
		Resyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookd_resyncs_total",
				Help: "Snapshot resynchronizations per symbol",
			},
			[]string{"symbol"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookd_stream_reconnects_total",
				Help: "Websocket reconnects per symbol",
			},
			[]string{"symbol"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookd_active_sessions",
				Help: "Currently registered book sessions",
			},
		),
		SessionStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookd_session_states",
				Help: "Sessions per lifecycle state",
			},
			[]string{"state"},
		),
		AdmissionWaits: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bookd_admission_wait_seconds",
				Help:    "Time spent waiting for an admission token",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		AdmissionDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bookd_admission_denied_total",
				Help: "Admission requests denied after the queue timeout",
			},
		),
		SnapshotWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookd_snapshot_writes_total",
				Help: "Snapshot records written per symbol",
			},
			[]string{"symbol"},
		),
		SnapshotBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bookd_snapshot_bytes",
				Help:    "Encoded snapshot record size",
				Buckets: prometheus.ExponentialBuckets(64, 2, 8),
			},
		),
		AnalyticsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookd_analytics_duration_seconds",
				Help:    "Latency of analytics operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"op"},
		),
		AnomaliesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookd_anomalies_total",
				Help: "Anomalies emitted per symbol and type",
			},
			[]string{"symbol", "type"},
		),
	}

	reg.MustRegister(
		r.DeltasApplied, r.Gaps, r.Resyncs, r.Reconnects,
		r.ActiveSessions, r.SessionStates,
		r.AdmissionWaits, r.AdmissionDenied,
		r.SnapshotWrites, r.SnapshotBytes,
		r.AnalyticsDuration, r.AnomaliesEmitted,
	)
	return r
}

// ObserveAnalytics times one analytics operation.
func (r *Registry) ObserveAnalytics(op string, start time.Time) {
	if r == nil {
		return
	}
	r.AnalyticsDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
