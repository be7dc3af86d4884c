package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/limits/ratelimit"
)

// SQLStore implements Store on a bucket_states table. On Postgres the row
// is locked with SELECT ... FOR UPDATE; on SQLite the single-connection
// pool already serializes transactions.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates the bucket_states table if needed and returns a store.
// The database handle is owned by the caller.
func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	s := &SQLStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bucket_states (
			subject      TEXT   NOT NULL,
			provider     TEXT   NOT NULL,
			state        TEXT   NOT NULL,
			last_touched BIGINT NOT NULL,
			PRIMARY KEY (subject, provider)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bucket_states_last_touched ON bucket_states(last_touched)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Update locks the bucket row, runs fn, and writes the result.
func (s *SQLStore) Update(ctx context.Context, key Key, fn UpdateFunc) error {
	return s.UpdateTx(ctx, key, func(_ *database.Tx, state ratelimit.State) (ratelimit.State, error) {
		return fn(state)
	})
}

// UpdateTx is Update with fn running inside the row-locking transaction.
func (s *SQLStore) UpdateTx(ctx context.Context, key Key, fn TxUpdateFunc) error {
	if err := key.Validate(); err != nil {
		return err
	}

	return s.db.InTx(ctx, func(tx *database.Tx) error {
		// Materialize the row first so FOR UPDATE has something to lock
		// when two callers touch a new bucket at once.
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO bucket_states (subject, provider, state, last_touched)
			VALUES (?, ?, '{}', 0)
			ON CONFLICT (subject, provider) DO NOTHING
		`), key.Subject, key.Provider)
		if err != nil {
			return database.NewStorageError(tx.Dialect(), "insert bucket", err)
		}

		query := `SELECT state FROM bucket_states WHERE subject = ? AND provider = ?`
		if tx.Dialect().SupportsRowLocks() {
			query += " FOR UPDATE"
		}

		var raw string
		if err := tx.QueryRowContext(ctx, tx.Rebind(query), key.Subject, key.Provider).Scan(&raw); err != nil {
			return database.NewStorageError(tx.Dialect(), "lock bucket", err)
		}

		var current ratelimit.State
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return fmt.Errorf("failed to unmarshal bucket state: %w", err)
		}

		next, err := fn(tx, current)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal bucket state: %w", err)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE bucket_states SET state = ?, last_touched = ?
			WHERE subject = ? AND provider = ?
		`), string(data), next.LastTouched().UnixMilli(), key.Subject, key.Provider)
		if err != nil {
			return database.NewStorageError(tx.Dialect(), "update bucket", err)
		}
		return nil
	})
}

// Load returns the stored state for key.
func (s *SQLStore) Load(ctx context.Context, key Key) (ratelimit.State, bool, error) {
	if err := key.Validate(); err != nil {
		return ratelimit.State{}, false, err
	}

	var raw string
	var lastTouched int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT state, last_touched FROM bucket_states WHERE subject = ? AND provider = ?
	`), key.Subject, key.Provider).Scan(&raw, &lastTouched)
	if err == sql.ErrNoRows || (err == nil && lastTouched == 0) {
		return ratelimit.State{}, false, nil
	}
	if err != nil {
		return ratelimit.State{}, false, database.NewStorageError(s.db.Dialect(), "load bucket", err)
	}

	var state ratelimit.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return ratelimit.State{}, false, fmt.Errorf("failed to unmarshal bucket state: %w", err)
	}
	return state, true, nil
}

// Cleanup deletes buckets last touched before idleBefore.
func (s *SQLStore) Cleanup(ctx context.Context, idleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM bucket_states WHERE last_touched < ?
	`), idleBefore.UnixMilli())
	if err != nil {
		return 0, database.NewStorageError(s.db.Dialect(), "cleanup buckets", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLStore) Close() error {
	return nil
}
