// Package metrics groups the pipeline's Prometheus instruments. One Metrics
// value is created at startup and handed to every consumer; the ops server
// exposes the default registry on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline workers.
type Metrics struct {
	// Message outcomes per queue
	MessagesProcessed *prometheus.CounterVec
	MessagesFailed    *prometheus.CounterVec
	MessagesRequeued  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec

	// Stage timings
	StageDuration *prometheus.HistogramVec

	// Face indexing
	FacesPerPhoto   prometheus.Histogram
	ThrottleReports prometheus.Counter
	LimiterDelay    prometheus.Gauge

	// Cleanup
	CleanupActions *prometheus.CounterVec
}

// New creates and registers all pipeline metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on reg. Tests pass a fresh registry so
// repeated construction does not collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_messages_processed_total",
				Help: "Messages handled to completion, per queue",
			},
			[]string{"queue"},
		),

		MessagesFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_messages_failed_total",
				Help: "Messages that failed handling, per queue and error kind",
			},
			[]string{"queue", "kind", "name"},
		),

		MessagesRequeued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_messages_requeued_total",
				Help: "Messages re-enqueued with backoff, per queue",
			},
			[]string{"queue"},
		),

		MessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_messages_dropped_total",
				Help: "Messages dropped after exhausting retry attempts, per queue",
			},
			[]string{"queue"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"}, // stage: download, normalize, store, debit, index
		),

		FacesPerPhoto: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_faces_per_photo",
				Help:    "Number of faces indexed per photo",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
			},
		),

		ThrottleReports: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_throttle_reports_total",
				Help: "Provider throttle responses reported to the rate limiter",
			},
		),

		LimiterDelay: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_limiter_delay_seconds",
				Help: "Delay the rate limiter handed to the most recent batch",
			},
		),

		CleanupActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_cleanup_actions_total",
				Help: "Cleanup reconciler actions executed",
			},
			[]string{"action"}, // action: soft_delete, delete_collection, update_event
		),
	}
}

// ObserveStage records one stage timing. Safe on a nil receiver so callers
// can run without metrics in tests.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// MessageProcessed counts a message handled to completion. Nil-safe.
func (m *Metrics) MessageProcessed(queue string) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(queue).Inc()
}

// MessageFailed counts a failed handling attempt by error kind and name.
// Nil-safe.
func (m *Metrics) MessageFailed(queue, kind, name string) {
	if m == nil {
		return
	}
	m.MessagesFailed.WithLabelValues(queue, kind, name).Inc()
}

// MessageRequeued counts a message re-enqueued with backoff. Nil-safe.
func (m *Metrics) MessageRequeued(queue string) {
	if m == nil {
		return
	}
	m.MessagesRequeued.WithLabelValues(queue).Inc()
}

// MessageDropped counts a message abandoned after exhausting its retry
// budget. Nil-safe.
func (m *Metrics) MessageDropped(queue string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(queue).Inc()
}
