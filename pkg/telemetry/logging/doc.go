// Package logging builds the process slog.Logger.
//
// New wraps a JSON or text handler with two behaviours:
//   - credential redaction through a ReplaceAttr hook (API keys, bearer
//     tokens, passwords, emails, and any configured patterns)
//   - context enrichment: request_id, subject, provider and saga_id stored
//     with the With* helpers, plus trace_id and span_id of the active span
//
// Components receive the *slog.Logger and log with the *Context methods so
// request fields follow the call:
//
//	ctx = logging.WithSubject(ctx, "alice")
//	logger.InfoContext(ctx, "tokens consumed", "tokens", 42)
package logging
