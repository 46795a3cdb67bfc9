package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// returns a SQLStore backed by it, with WAL mode and foreign keys enabled
// for safe concurrent reads during restore. path may be ":memory:" for
// ephemeral use in tests.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	store, err := newSQLStore(ctx, db, "INSERT OR IGNORE")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
