// Package metrics provides Prometheus metrics for tokengate.
//
// # Metrics Categories
//
//   - Admission: consume outcomes and quota lookups per provider
//   - Bucket: wait times reported to rate-limited callers, cleanup evictions
//   - Saga: status transitions and recovery outcomes
//   - Outbox: delivered and failed events, pending backlog
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	collector.RecordConsume("openai", "allowed")
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// A nil *Collector is valid and records nothing, so components accept an
// optional collector.
//
// # Cardinality
//
// The provider label comes from callers. After DefaultMaxProviders
// distinct values further providers are reported as "other".
package metrics
