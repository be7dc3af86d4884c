package database

import (
	"context"
	"strings"
)

// Timestamps are stored as unix milliseconds (UTC) so that every driver
// round-trips them identically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS token_pools (
		owner_kind       TEXT   NOT NULL,
		owner_id         TEXT   NOT NULL,
		provider         TEXT   NOT NULL,
		total_tokens     BIGINT NOT NULL,
		remaining_tokens BIGINT NOT NULL,
		reset_time       BIGINT,
		version          BIGINT NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL,
		PRIMARY KEY (owner_kind, owner_id, provider)
	)`,

	`CREATE TABLE IF NOT EXISTS purchase_sagas (
		id              TEXT   PRIMARY KEY,
		owner_id        TEXT   NOT NULL,
		org_id          TEXT,
		provider        TEXT   NOT NULL,
		tokens          BIGINT NOT NULL,
		status          TEXT   NOT NULL,
		idempotency_key TEXT   UNIQUE,
		failure_reason  TEXT,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_purchase_sagas_status_updated ON purchase_sagas(status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             TEXT   PRIMARY KEY,
		aggregate_type TEXT   NOT NULL,
		aggregate_id   TEXT,
		event_type     TEXT   NOT NULL,
		payload        TEXT   NOT NULL,
		created_at     BIGINT NOT NULL,
		published_at   BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_pending ON outbox_events(published_at, created_at)`,
}

// Migrate creates all tables and indexes if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			name := strings.Fields(stmt)
			op := "migrate"
			if len(name) > 5 {
				op = "migrate " + name[5]
			}
			return NewStorageError(db.dialect, op, err)
		}
	}
	return nil
}
