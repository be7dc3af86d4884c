package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BucketMetrics tracks rate limiter behaviour.
//
// Metrics:
//   - tokengate_bucket_wait_seconds: Wait reported on denial
//   - tokengate_bucket_unbounded_denials_total: Denials with no possible wait
//   - tokengate_bucket_evictions_total: Idle buckets removed by cleanup
type BucketMetrics struct {
	waitSeconds      *prometheus.HistogramVec
	unboundedDenials *prometheus.CounterVec
	evictionsTotal   prometheus.Counter
}

// NewBucketMetrics creates and registers bucket metrics.
func NewBucketMetrics(namespace string, buckets []float64, registry *prometheus.Registry) *BucketMetrics {
	bm := &BucketMetrics{
		waitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bucket_wait_seconds",
				Help:      "Seconds a rate-limited caller was told to wait",
				Buckets:   buckets,
			},
			[]string{"provider", "strategy"},
		),
		unboundedDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bucket_unbounded_denials_total",
				Help:      "Denials from buckets that can never make room",
			},
			[]string{"provider", "strategy"},
		),
		evictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bucket_evictions_total",
				Help:      "Idle buckets removed by cleanup",
			},
		),
	}

	registry.MustRegister(bm.waitSeconds, bm.unboundedDenials, bm.evictionsTotal)
	return bm
}

// RecordWait observes a denial wait.
func (bm *BucketMetrics) RecordWait(provider, strategy string, waitSeconds int64, unbounded bool) {
	if unbounded {
		bm.unboundedDenials.WithLabelValues(provider, strategy).Inc()
		return
	}
	bm.waitSeconds.WithLabelValues(provider, strategy).Observe(float64(waitSeconds))
}

// RecordEvictions adds n evicted buckets.
func (bm *BucketMetrics) RecordEvictions(n int) {
	bm.evictionsTotal.Add(float64(n))
}
