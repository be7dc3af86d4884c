// Package telemetry groups the observability packages used by tokengate.
//
//   - logging: slog loggers with request context fields and redaction
//   - metrics: Prometheus collectors for admission, buckets, sagas and the outbox
//   - tracing: OpenTelemetry spans exported over OTLP gRPC
//   - health: liveness and readiness checks
//
// Each component is built from the telemetry section of the configuration:
//
//	logger, err := logging.New(logging.FromConfig(cfg.Telemetry.Logging))
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, prometheus.NewRegistry())
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//
// A nil *metrics.Collector is valid and records nothing, so domain packages
// can be used without metrics in tests.
package telemetry
