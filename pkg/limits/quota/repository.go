package quota

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mercator-hq/tokengate/pkg/database"
)

// SQLRepository reads and writes the token_pools table. It holds no state;
// every method runs on the Querier it is given so callers choose the
// transaction.
type SQLRepository struct{}

// NewSQLRepository returns a repository for the token_pools table.
func NewSQLRepository() *SQLRepository {
	return &SQLRepository{}
}

const poolColumns = `owner_kind, owner_id, provider, total_tokens, remaining_tokens,
	reset_time, version, created_at, updated_at`

// Find returns the pool for owner and provider, or database.ErrNotFound.
// With lock set on a dialect that supports it the row stays locked until
// the surrounding transaction ends.
func (r *SQLRepository) Find(ctx context.Context, q database.Querier, owner Owner, provider string, lock bool) (*Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM token_pools
		WHERE owner_kind = ? AND owner_id = ? AND provider = ?`
	if lock && q.Dialect().SupportsRowLocks() {
		query += " FOR UPDATE"
	}

	var (
		pool                 Pool
		kind                 string
		resetTime            sql.NullInt64
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx, q.Rebind(query), string(owner.Kind), owner.ID, provider).Scan(
		&kind, &pool.Owner.ID, &pool.Provider, &pool.TotalTokens, &pool.RemainingTokens,
		&resetTime, &pool.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, database.NewStorageError(q.Dialect(), "find pool", err)
	}

	pool.Owner.Kind = OwnerKind(kind)
	if resetTime.Valid {
		t := time.UnixMilli(resetTime.Int64).UTC()
		pool.ResetTime = &t
	}
	pool.CreatedAt = time.UnixMilli(createdAt).UTC()
	pool.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &pool, nil
}

// Create inserts an empty pool unless one already exists. It reports
// whether a row was inserted.
func (r *SQLRepository) Create(ctx context.Context, q database.Querier, pool *Pool) (bool, error) {
	result, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO token_pools (`+poolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (owner_kind, owner_id, provider) DO NOTHING
	`), string(pool.Owner.Kind), pool.Owner.ID, pool.Provider, pool.TotalTokens, pool.RemainingTokens,
		nullableMillis(pool.ResetTime), pool.CreatedAt.UnixMilli(), pool.UpdatedAt.UnixMilli())
	if err != nil {
		return false, database.NewStorageError(q.Dialect(), "create pool", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, database.NewStorageError(q.Dialect(), "create pool", err)
	}
	return n == 1, nil
}

// Update writes pool if its version still matches the stored one and
// bumps pool.Version on success. A lost race returns errStaleVersion.
func (r *SQLRepository) Update(ctx context.Context, q database.Querier, pool *Pool) error {
	result, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE token_pools
		SET total_tokens = ?, remaining_tokens = ?, reset_time = ?, version = version + 1, updated_at = ?
		WHERE owner_kind = ? AND owner_id = ? AND provider = ? AND version = ?
	`), pool.TotalTokens, pool.RemainingTokens, nullableMillis(pool.ResetTime), pool.UpdatedAt.UnixMilli(),
		string(pool.Owner.Kind), pool.Owner.ID, pool.Provider, pool.Version)
	if err != nil {
		return database.NewStorageError(q.Dialect(), "update pool", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return database.NewStorageError(q.Dialect(), "update pool", err)
	}
	if n == 0 {
		return errStaleVersion
	}
	pool.Version++
	return nil
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
