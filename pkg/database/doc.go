// Package database provides the SQL handle shared by the quota, saga and
// outbox repositories.
//
// Three drivers are supported through database/sql:
//
//   - sqlite: pure-Go modernc.org/sqlite (default)
//   - sqlite3: cgo github.com/mattn/go-sqlite3
//   - postgres: github.com/jackc/pgx/v5/stdlib
//
// Repositories write queries with ? placeholders and pass them through
// Querier.Rebind. Work that must commit atomically (a saga transition and
// its outbox event, for example) runs inside DB.InTx.
//
// # Usage
//
//	db, err := database.Open(ctx, database.Config{Driver: "sqlite", DSN: "data/tokengate.db"})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
//	err = db.InTx(ctx, func(tx *database.Tx) error {
//	    _, err := tx.ExecContext(ctx, tx.Rebind("UPDATE ... WHERE id = ?"), id)
//	    return err
//	})
package database
