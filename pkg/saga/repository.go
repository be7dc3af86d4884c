package saga

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"mercator-hq/tokengate/pkg/database"
)

// Repository persists sagas. Every method runs on the Querier it is
// handed, so callers choose between the pool and a transaction.
type Repository interface {
	Insert(ctx context.Context, q database.Querier, s *Saga) error
	FindByID(ctx context.Context, q database.Querier, id string) (*Saga, error)
	FindByIdempotencyKey(ctx context.Context, q database.Querier, key string) (*Saga, error)
	UpdateStatus(ctx context.Context, q database.Querier, id string, from, to Status, reason string, at time.Time) error
	FindStale(ctx context.Context, q database.Querier, statuses []Status, cutoff time.Time, limit int) ([]*Saga, error)
}

// SQLRepository reads and writes the purchase_sagas table.
type SQLRepository struct{}

// NewSQLRepository returns a repository for the purchase_sagas table.
func NewSQLRepository() *SQLRepository {
	return &SQLRepository{}
}

const sagaColumns = `id, owner_id, org_id, provider, tokens, status, idempotency_key,
	failure_reason, created_at, updated_at`

// Insert stores a new saga. A duplicate idempotency key surfaces as an
// error for which database.IsUniqueViolation is true.
func (r *SQLRepository) Insert(ctx context.Context, q database.Querier, s *Saga) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO purchase_sagas (`+sagaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.OwnerID, nullable(s.OrgID), s.Provider, s.Tokens, string(s.Status),
		nullable(s.IdempotencyKey), nullable(s.FailureReason), s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli())
	if err != nil {
		return database.NewStorageError(q.Dialect(), "insert saga", err)
	}
	return nil
}

// FindByID returns the saga with id, or ErrNotFound.
func (r *SQLRepository) FindByID(ctx context.Context, q database.Querier, id string) (*Saga, error) {
	row := q.QueryRowContext(ctx, q.Rebind(`SELECT `+sagaColumns+` FROM purchase_sagas WHERE id = ?`), id)
	return r.scanOne(q, row, "find saga")
}

// FindByIdempotencyKey returns the saga created with key, or ErrNotFound.
func (r *SQLRepository) FindByIdempotencyKey(ctx context.Context, q database.Querier, key string) (*Saga, error) {
	row := q.QueryRowContext(ctx, q.Rebind(`SELECT `+sagaColumns+` FROM purchase_sagas WHERE idempotency_key = ?`), key)
	return r.scanOne(q, row, "find saga by key")
}

// UpdateStatus moves the saga from one status to another. The update only
// applies while the stored status still equals from; otherwise it returns
// errStatusChanged and nothing is written.
func (r *SQLRepository) UpdateStatus(ctx context.Context, q database.Querier, id string, from, to Status, reason string, at time.Time) error {
	result, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE purchase_sagas
		SET status = ?, failure_reason = COALESCE(?, failure_reason), updated_at = ?
		WHERE id = ? AND status = ?
	`), string(to), nullable(reason), at.UnixMilli(), id, string(from))
	if err != nil {
		return database.NewStorageError(q.Dialect(), "update saga status", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return database.NewStorageError(q.Dialect(), "update saga status", err)
	}
	if n == 0 {
		return errStatusChanged
	}
	return nil
}

// FindStale returns up to limit sagas in one of statuses that were last
// updated before cutoff, oldest first.
func (r *SQLRepository) FindStale(ctx context.Context, q database.Querier, statuses []Status, cutoff time.Time, limit int) ([]*Saga, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses)+2)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, cutoff.UnixMilli(), limit)

	rows, err := q.QueryContext(ctx, q.Rebind(`
		SELECT `+sagaColumns+` FROM purchase_sagas
		WHERE status IN (`+placeholders+`) AND updated_at < ?
		ORDER BY updated_at, id
		LIMIT ?
	`), args...)
	if err != nil {
		return nil, database.NewStorageError(q.Dialect(), "find stale sagas", err)
	}
	defer rows.Close()

	var sagas []*Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, database.NewStorageError(q.Dialect(), "find stale sagas", err)
		}
		sagas = append(sagas, s)
	}
	if err := rows.Err(); err != nil {
		return nil, database.NewStorageError(q.Dialect(), "find stale sagas", err)
	}
	return sagas, nil
}

func (r *SQLRepository) scanOne(q database.Querier, row *sql.Row, op string) (*Saga, error) {
	s, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, database.NewStorageError(q.Dialect(), op, err)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSaga(sc scanner) (*Saga, error) {
	var (
		s                    Saga
		status               string
		orgID, key, reason   sql.NullString
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&s.ID, &s.OwnerID, &orgID, &s.Provider, &s.Tokens, &status,
		&key, &reason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	s.Status = Status(status)
	s.OrgID = orgID.String
	s.IdempotencyKey = key.String
	s.FailureReason = reason.String
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &s, nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
