package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// NewMySQLStore opens a MySQL database via dsn (the go-sql-driver/mysql
// DSN format, e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true") and
// returns a SQLStore backed by it. parseTime=true is required so TIMESTAMP
// columns scan into time.Time directly.
func NewMySQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	store, err := newSQLStore(ctx, db, "INSERT IGNORE")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
