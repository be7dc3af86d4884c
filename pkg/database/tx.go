package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is satisfied by both *DB and *Tx so repositories can run either
// standalone or inside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Rebind(query string) string
	Dialect() Dialect
}

// Tx is a *sql.Tx that knows its dialect.
type Tx struct {
	*sql.Tx
	dialect Dialect
}

// Dialect returns the SQL dialect of the transaction.
func (tx *Tx) Dialect() Dialect {
	return tx.dialect
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
func (tx *Tx) Rebind(query string) string {
	return rebind(tx.dialect, query)
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise, including on panic.
//
// On SQLite the pool holds a single connection, so fn must use tx and never
// the parent DB or it will block forever.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError(db.dialect, "begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{Tx: sqlTx, dialect: db.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return NewStorageError(db.dialect, "commit", err)
	}
	return nil
}

// Ensure both handles satisfy Querier.
var (
	_ Querier = (*DB)(nil)
	_ Querier = (*Tx)(nil)
)
