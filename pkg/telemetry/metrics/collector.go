package metrics

import (
	"sync"

	"mercator-hq/tokengate/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// OtherLabel replaces label values once the cardinality limit is reached.
const OtherLabel = "other"

// DefaultMaxProviders caps distinct provider label values.
const DefaultMaxProviders = 1000

// Collector owns every tokengate metric and the registry they live in.
//
// All methods are safe to call on a nil *Collector, which records nothing.
// Components therefore take an optional collector without nil checks at
// each call site.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	admission *AdmissionMetrics
	bucket    *BucketMetrics
	saga      *SagaMetrics
	outbox    *OutboxMetrics

	// providers bounds the provider label, which comes from callers.
	providers *CardinalityLimiter
}

// NewCollector creates a collector and registers all metrics with registry.
// If registry is nil, a fresh registry is created.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	mux.Handle("/metrics", collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = config.DefaultMetricsNamespace
	}
	waitBuckets := cfg.WaitBuckets
	if len(waitBuckets) == 0 {
		waitBuckets = config.DefaultWaitBuckets
	}

	return &Collector{
		enabled:   config.Bool(cfg.Enabled, true),
		registry:  registry,
		admission: NewAdmissionMetrics(namespace, registry),
		bucket:    NewBucketMetrics(namespace, waitBuckets, registry),
		saga:      NewSagaMetrics(namespace, registry),
		outbox:    NewOutboxMetrics(namespace, registry),
		providers: NewCardinalityLimiter(DefaultMaxProviders),
	}
}

func (c *Collector) active() bool {
	return c != nil && c.enabled
}

func (c *Collector) provider(name string) string {
	if !c.providers.Allow(name) {
		return OtherLabel
	}
	return name
}

// RecordConsume counts a consume outcome for a provider.
//
// Outcomes: "attempt", "allowed", "rate_limited", "quota_insufficient",
// "error".
func (c *Collector) RecordConsume(provider, outcome string) {
	if !c.active() {
		return
	}
	c.admission.RecordConsume(c.provider(provider), outcome)
}

// RecordQuotaLookup counts a quota lookup outcome.
//
// Outcomes: "found", "not_found", "invalid".
func (c *Collector) RecordQuotaLookup(provider, outcome string) {
	if !c.active() {
		return
	}
	c.admission.RecordQuotaLookup(c.provider(provider), outcome)
}

// RecordBucketWait observes the wait reported to a rate-limited caller.
// Unbounded waits are counted separately instead of observed.
func (c *Collector) RecordBucketWait(provider, strategy string, waitSeconds int64, unbounded bool) {
	if !c.active() {
		return
	}
	c.bucket.RecordWait(c.provider(provider), strategy, waitSeconds, unbounded)
}

// RecordBucketEvictions counts buckets removed by cleanup.
func (c *Collector) RecordBucketEvictions(n int) {
	if !c.active() || n <= 0 {
		return
	}
	c.bucket.RecordEvictions(n)
}

// RecordSagaTransition counts a saga entering status.
func (c *Collector) RecordSagaTransition(status string) {
	if !c.active() {
		return
	}
	c.saga.RecordTransition(status)
}

// RecordRecovery counts a recovery outcome.
//
// Outcomes: "completed", "failed", "skipped", "error".
func (c *Collector) RecordRecovery(outcome string) {
	if !c.active() {
		return
	}
	c.saga.RecordRecovery(outcome)
}

// RecordOutboxPublished counts a delivered outbox event.
func (c *Collector) RecordOutboxPublished(eventType string) {
	if !c.active() {
		return
	}
	c.outbox.RecordPublished(eventType)
}

// RecordOutboxFailure counts a failed delivery attempt.
func (c *Collector) RecordOutboxFailure(eventType string) {
	if !c.active() {
		return
	}
	c.outbox.RecordFailure(eventType)
}

// SetOutboxPending sets the number of unpublished outbox entries.
func (c *Collector) SetOutboxPending(n int64) {
	if !c.active() {
		return
	}
	c.outbox.SetPending(n)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether a label value may be used: it has been seen before
// or there is still room for it.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists := cl.current[labelSet]; exists {
		return true
	}

	if len(cl.current) >= cl.maxCardinality {
		return false
	}

	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
