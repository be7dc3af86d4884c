package outbox

import (
	"context"
	"database/sql"
	"time"

	"mercator-hq/tokengate/pkg/database"
)

const entryColumns = `id, aggregate_type, aggregate_id, event_type, payload, created_at, published_at`

// Append writes e using q. Pass the caller's *database.Tx so the entry
// commits or rolls back with the state change it describes.
func Append(ctx context.Context, q database.Querier, e Entry) error {
	var aggregateID sql.NullString
	if e.AggregateID != "" {
		aggregateID = sql.NullString{String: e.AggregateID, Valid: true}
	}

	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), e.ID, e.AggregateType, aggregateID, e.EventType, string(e.Payload), e.CreatedAt.UnixMilli())
	if err != nil {
		return database.NewStorageError(q.Dialect(), "append outbox entry", err)
	}
	return nil
}

// SQLStore reads and updates the outbox_events table for the publisher.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// FetchUnpublished returns up to limit unpublished entries, oldest first.
func (s *SQLStore) FetchUnpublished(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+entryColumns+` FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, database.NewStorageError(s.db.Dialect(), "fetch unpublished", err)
	}
	return s.scan(rows, "fetch unpublished")
}

// ListByAggregate returns every entry for aggregateID, oldest first.
func (s *SQLStore) ListByAggregate(ctx context.Context, aggregateID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+entryColumns+` FROM outbox_events
		WHERE aggregate_id = ?
		ORDER BY created_at, id
	`), aggregateID)
	if err != nil {
		return nil, database.NewStorageError(s.db.Dialect(), "list by aggregate", err)
	}
	return s.scan(rows, "list by aggregate")
}

// MarkPublished stamps the entry as published. An entry that is already
// published keeps its original timestamp; the result reports whether this
// call set it.
func (s *SQLStore) MarkPublished(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE outbox_events SET published_at = ?
		WHERE id = ? AND published_at IS NULL
	`), at.UnixMilli(), id)
	if err != nil {
		return false, database.NewStorageError(s.db.Dialect(), "mark published", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, database.NewStorageError(s.db.Dialect(), "mark published", err)
	}
	return n == 1, nil
}

// PendingCount returns the number of unpublished entries.
func (s *SQLStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, database.NewStorageError(s.db.Dialect(), "count pending", err)
	}
	return n, nil
}

func (s *SQLStore) scan(rows *sql.Rows, op string) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e           Entry
			aggregateID sql.NullString
			payload     string
			createdAt   int64
			publishedAt sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &aggregateID, &e.EventType, &payload, &createdAt, &publishedAt); err != nil {
			return nil, database.NewStorageError(s.db.Dialect(), op, err)
		}

		e.AggregateID = aggregateID.String
		e.Payload = []byte(payload)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		if publishedAt.Valid {
			t := time.UnixMilli(publishedAt.Int64).UTC()
			e.PublishedAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, database.NewStorageError(s.db.Dialect(), op, err)
	}
	return entries, nil
}
