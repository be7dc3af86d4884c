// Package health provides liveness and readiness probes.
//
// Liveness answers 200 while the process serves HTTP. Readiness runs the
// registered component checks (database, Redis, message bus) concurrently,
// each bounded by the configured timeout, and answers 503 when any fails.
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("database", health.PingCheck(db))
//	checker.RegisterCheck("bus", health.PingCheck(publisherBus))
package health
