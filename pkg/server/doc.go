// Package server exposes tokengate over HTTP.
//
// # Routes
//
//	POST /api/v1/tokens/consume            reserve quota and consume from the bucket
//	POST /api/v1/tokens/purchase           start a purchase saga (Idempotency-Key header)
//	GET  /api/v1/tokens/purchase/{sagaId}  saga status
//	GET  /api/v1/tokens/quota              pool lookup by userId or orgId and provider
//	GET  /api/v1/tokens/status             service status
//
// Liveness, readiness and metrics are served at the paths configured under
// telemetry.health and telemetry.metrics.
//
// # Middleware
//
// Requests pass through, outermost first: panic recovery, trace context
// extraction, request id, access logging. Consume responses carry
// X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Used and
// X-RateLimit-Reset whenever the bucket was consulted.
//
// # Tiers
//
// The caller's tier is resolved from the comma-separated roles header
// (server.roles_header, "X-User-Roles" by default). The header is trusted:
// tokengate expects to sit behind a gateway that authenticates callers.
//
// # Lifecycle
//
//	srv := server.NewServer(cfg, deps)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//
// Start blocks until ctx is cancelled and then shuts down gracefully within
// server.shutdown_timeout.
package server
