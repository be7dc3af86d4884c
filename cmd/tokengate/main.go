// Tokengate is a multi-tenant token admission service.
//
// It decides whether a caller may spend LLM tokens against a provider by
// combining a per-caller rate limit bucket with a prepaid quota pool, sells
// tokens through an idempotent purchase saga, and streams usage and saga
// events to a message bus through a transactional outbox.
//
// Usage:
//
//	# Start the server
//	tokengate run --config /etc/tokengate/config.yaml
//
//	# Create or upgrade the database schema
//	tokengate migrate
//
//	# Check a configuration file
//	tokengate validate --config config.yaml
//
//	# Finalize stale purchases once
//	tokengate recover
//
//	# Inspect or drain the outbox
//	tokengate outbox status
//	tokengate outbox drain
package main

import "os"

func main() {
	os.Exit(Execute())
}
