package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// Open connects to the database for the given dialect, verifies the
// connection and returns a migrated store. SQLite is limited to a single
// connection because the worker shares one handle across goroutines.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}

	s, err := NewSQLStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
