package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SessionProvider supplies session state for snapshots and takes it back
// on restore.
type SessionProvider interface {
	Snapshot() (map[string]map[string]any, error)
	Restore(states map[string]map[string]any) error
}

// Open opens a SQLite database with the named driver: "sqlite3" for the
// cgo driver or "sqlite" for the pure-Go one.
func Open(ctx context.Context, driver, path string) (*sql.DB, error) {
	dsn := path
	switch driver {
	case "sqlite3":
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case "sqlite":
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return db, nil
}
