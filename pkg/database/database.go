package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver ("pgx")
	_ "github.com/mattn/go-sqlite3"    // cgo SQLite driver ("sqlite3")
	_ "modernc.org/sqlite"             // pure-Go SQLite driver ("sqlite")
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	// DialectSQLite uses the pure-Go modernc driver.
	DialectSQLite Dialect = "sqlite"

	// DialectSQLite3 uses the cgo mattn driver.
	DialectSQLite3 Dialect = "sqlite3"

	// DialectPostgres uses pgx through database/sql.
	DialectPostgres Dialect = "postgres"
)

// driverName maps a dialect to the database/sql driver it registers.
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return string(d)
}

// SupportsRowLocks reports whether SELECT ... FOR UPDATE is available.
func (d Dialect) SupportsRowLocks() bool {
	return d == DialectPostgres
}

// Config configures a database handle.
type Config struct {
	// Driver is one of "sqlite", "sqlite3" or "postgres".
	Driver string

	// DSN is the file path (sqlite) or connection string (postgres).
	DSN string

	// MaxOpenConns caps the pool. SQLite dialects always use 1.
	MaxOpenConns int

	// MaxIdleConns caps idle connections.
	MaxIdleConns int

	// BusyTimeout is how long SQLite waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DB is a *sql.DB that knows its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open opens the database, verifies connectivity, and applies pool settings.
// The schema is not created; call Migrate for that.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect := Dialect(cfg.Driver)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	var dsn string
	switch dialect {
	case DialectSQLite:
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
			cfg.DSN, cfg.BusyTimeout.Milliseconds())
	case DialectSQLite3:
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			cfg.DSN, cfg.BusyTimeout.Milliseconds())
	case DialectPostgres:
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, NewStorageError(dialect, "open", err)
	}

	if dialect == DialectPostgres {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	} else {
		// SQLite only supports a single writer
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, NewStorageError(dialect, "ping", err)
	}

	return &DB{DB: sqlDB, dialect: dialect}, nil
}

// Dialect returns the SQL dialect of the database.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
func (db *DB) Rebind(query string) string {
	return rebind(db.dialect, query)
}

// Health pings the database.
func (db *DB) Health(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return NewStorageError(db.dialect, "ping", err)
	}
	return nil
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}
