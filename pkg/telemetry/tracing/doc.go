// Package tracing provides OpenTelemetry distributed tracing for tokengate.
//
// New installs a global tracer provider exporting over OTLP gRPC, with W3C
// trace context and baggage propagators. Domain packages create spans
// through otel.Tracer and tag them with the attribute keys defined here,
// so they work unchanged when tracing is disabled.
//
// # Sampling
//
// Three strategies are supported, each wrapped in a parent-based sampler:
//   - always: sample every trace
//   - never: sample nothing
//   - ratio: sample a fraction of traces by trace ID
//
// # Usage
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
// # Propagation
//
// HTTPMiddleware opens a server span per request, continuing any incoming
// traceparent header. The outbox publisher uses InjectToMap to carry the publishing span's context on bus messages.
package tracing
