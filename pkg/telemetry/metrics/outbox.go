package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics tracks outbox delivery.
//
// Metrics:
//   - tokengate_outbox_published_total: Delivered events by type
//   - tokengate_outbox_publish_failures_total: Failed deliveries by type
//   - tokengate_outbox_pending: Unpublished entries after the last poll
type OutboxMetrics struct {
	publishedTotal *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	pending        prometheus.Gauge
}

// NewOutboxMetrics creates and registers outbox metrics.
func NewOutboxMetrics(namespace string, registry *prometheus.Registry) *OutboxMetrics {
	om := &OutboxMetrics{
		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox events delivered to the bus",
			},
			[]string{"event_type"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_publish_failures_total",
				Help:      "Outbox deliveries that failed and will be retried",
			},
			[]string{"event_type"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_pending",
				Help:      "Unpublished outbox entries",
			},
		),
	}

	registry.MustRegister(om.publishedTotal, om.failuresTotal, om.pending)
	return om
}

// RecordPublished increments the published counter.
func (om *OutboxMetrics) RecordPublished(eventType string) {
	om.publishedTotal.WithLabelValues(eventType).Inc()
}

// RecordFailure increments the failure counter.
func (om *OutboxMetrics) RecordFailure(eventType string) {
	om.failuresTotal.WithLabelValues(eventType).Inc()
}

// SetPending sets the pending gauge.
func (om *OutboxMetrics) SetPending(n int64) {
	om.pending.Set(float64(n))
}
