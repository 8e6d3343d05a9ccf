package internal

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteDSN returns the modernc DSN for path; an empty path opens a private
// in-memory database. Timestamps are written in SQLite's text format and
// foreign keys are enforced.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Set("_time_format", "sqlite")
	q.Add("_pragma", "foreign_keys(1)")
	if path == "" {
		return "file::memory:?" + q.Encode()
	}
	q.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLite opens and pings a SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == "" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	zap.S().Debugw("sqlite opened", "path", path)
	return db, nil
}
