package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics tracks purchase saga progress.
//
// Metrics:
//   - tokengate_saga_transitions_total: Sagas entering each status
//   - tokengate_saga_recovery_total: Recovery job outcomes
type SagaMetrics struct {
	transitionsTotal *prometheus.CounterVec
	recoveryTotal    *prometheus.CounterVec
}

// NewSagaMetrics creates and registers saga metrics.
func NewSagaMetrics(namespace string, registry *prometheus.Registry) *SagaMetrics {
	sm := &SagaMetrics{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_transitions_total",
				Help:      "Purchase sagas entering each status",
			},
			[]string{"status"},
		),
		recoveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_recovery_total",
				Help:      "Stale saga recovery outcomes",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(sm.transitionsTotal, sm.recoveryTotal)
	return sm
}

// RecordTransition increments the transition counter for status.
func (sm *SagaMetrics) RecordTransition(status string) {
	sm.transitionsTotal.WithLabelValues(status).Inc()
}

// RecordRecovery increments the recovery counter for outcome.
func (sm *SagaMetrics) RecordRecovery(outcome string) {
	sm.recoveryTotal.WithLabelValues(outcome).Inc()
}
