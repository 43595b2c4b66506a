package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registered drivers: "sqlite", "postgres" and "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrUnsupportedDSN is returned by Open for a scheme with no driver.
var ErrUnsupportedDSN = errors.New("unsupported database URL")

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// PoolConfig tunes the connection pool. Zero values keep database/sql defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to dsn, pings it and returns a Store with the schema applied.
//
// Supported schemes:
//
//	sqlite://path/to/file.db   modernc.org/sqlite
//	postgres://...             lib/pq
//	pgx://...                  jackc/pgx stdlib (rewritten to postgres://)
func Open(ctx context.Context, dsn string, pool PoolConfig) (*Store, error) {
	driver, source, dialect, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if dialect == DialectSQLite {
		// A single writer avoids SQLITE_BUSY under concurrent dispatch.
		db.SetMaxOpenConns(1)
	} else if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func parseDSN(dsn string) (driver, source string, dialect Dialect, err error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "", "", "", fmt.Errorf("%w: %q has no scheme", ErrUnsupportedDSN, dsn)
	}
	switch scheme {
	case "sqlite", "sqlite3", "file":
		if rest == "" {
			return "", "", "", fmt.Errorf("%w: empty sqlite path", ErrUnsupportedDSN)
		}
		if !strings.Contains(rest, "_pragma=") {
			sep := "?"
			if strings.Contains(rest, "?") {
				sep = "&"
			}
			rest += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		}
		return "sqlite", rest, DialectSQLite, nil
	case "postgres", "postgresql":
		return "postgres", dsn, DialectPostgres, nil
	case "pgx":
		return "pgx", "postgres://" + rest, DialectPostgres, nil
	default:
		return "", "", "", fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
	}
}
