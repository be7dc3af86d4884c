package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionMetrics tracks consume and quota lookup traffic.
//
// Metrics:
//   - tokengate_consume_total: Consume outcomes by provider
//   - tokengate_quota_lookup_total: Quota lookup outcomes by provider
type AdmissionMetrics struct {
	consumeTotal     *prometheus.CounterVec
	quotaLookupTotal *prometheus.CounterVec
}

// NewAdmissionMetrics creates and registers admission metrics.
func NewAdmissionMetrics(namespace string, registry *prometheus.Registry) *AdmissionMetrics {
	am := &AdmissionMetrics{
		consumeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consume_total",
				Help:      "Consume requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		quotaLookupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_lookup_total",
				Help:      "Quota lookups by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
	}

	registry.MustRegister(am.consumeTotal, am.quotaLookupTotal)
	return am
}

// RecordConsume increments the consume counter.
func (am *AdmissionMetrics) RecordConsume(provider, outcome string) {
	am.consumeTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordQuotaLookup increments the quota lookup counter.
func (am *AdmissionMetrics) RecordQuotaLookup(provider, outcome string) {
	am.quotaLookupTotal.WithLabelValues(provider, outcome).Inc()
}
