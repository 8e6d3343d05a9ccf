package internal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/lychee-technology/schemamodel"
	"go.uber.org/zap"
)

// DuckDBClient wraps a database/sql DB opened with the DuckDB driver.
type DuckDBClient struct {
	DB  *sql.DB
	cfg schemamodel.DuckDBConfig
}

// ValidateDuckDBConfig performs basic sanity checks on DuckDB settings.
func ValidateDuckDBConfig(cfg schemamodel.DuckDBConfig) error {
	if cfg.MemoryLimitMB < 0 {
		return fmt.Errorf("invalid memory_limit_mb: must be >= 0")
	}
	if cfg.MaxParallelism < 0 {
		return fmt.Errorf("invalid max_parallelism: must be >= 0")
	}
	return nil
}

// NewDuckDBClient opens the database at path (":memory:" when empty), loads
// the configured extensions and applies resource pragmas. Extension and pragma
// failures are logged, not returned.
func NewDuckDBClient(ctx context.Context, path string, cfg schemamodel.DuckDBConfig) (*DuckDBClient, error) {
	if err := ValidateDuckDBConfig(cfg); err != nil {
		return nil, err
	}

	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// an in-memory database lives on its connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	for _, ext := range cfg.Extensions {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("INSTALL %s;", ext)); err != nil {
			zap.S().Warnw("duckdb: install extension failed", "extension", ext, "err", err)
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("LOAD %s;", ext)); err != nil {
			zap.S().Warnw("duckdb: load extension failed", "extension", ext, "err", err)
		}
	}

	if cfg.MemoryLimitMB > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA memory_limit='%dMB';", cfg.MemoryLimitMB)); err != nil {
			zap.S().Warnw("duckdb: set memory_limit failed", "err", err, "memoryLimitMB", cfg.MemoryLimitMB)
		}
	}
	if cfg.MaxParallelism > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA threads=%d;", cfg.MaxParallelism)); err != nil {
			zap.S().Warnw("duckdb: set threads failed", "err", err, "maxParallelism", cfg.MaxParallelism)
		}
	}

	zap.S().Debugw("duckdb opened", "path", dsn, "extensions", cfg.Extensions)
	return &DuckDBClient{DB: db, cfg: cfg}, nil
}

// Table returns a SQLTable for name on this connection.
func (c *DuckDBClient) Table(name string, opts ...TableOption) *SQLTable {
	return NewSQLTable(c.DB, DialectDuckDB, name, opts...)
}

// Close closes the underlying DuckDB DB.
func (c *DuckDBClient) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// HealthCheck runs a trivial query and, best effort, reads back the
// configured pragmas.
func (c *DuckDBClient) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return fmt.Errorf("duckdb client not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var v int
	if err := c.DB.QueryRowContext(ctx, "SELECT 1;").Scan(&v); err != nil {
		return fmt.Errorf("duckdb health query failed: %w", err)
	}
	if v != 1 {
		return fmt.Errorf("unexpected duckdb health result: %d", v)
	}

	if c.cfg.MemoryLimitMB > 0 {
		var mem string
		if err := c.DB.QueryRowContext(ctx, "SELECT current_setting('memory_limit');").Scan(&mem); err != nil {
			zap.S().Warnw("duckdb: memory_limit query failed (non-fatal)", "err", err)
		} else if mem == "" {
			zap.S().Warnw("duckdb: memory_limit returned empty (non-fatal)")
		}
	}

	if c.cfg.MaxParallelism > 0 {
		var threads int64
		if err := c.DB.QueryRowContext(ctx, "SELECT current_setting('threads');").Scan(&threads); err != nil {
			zap.S().Warnw("duckdb: threads query failed (non-fatal)", "err", err)
		} else if threads <= 0 {
			zap.S().Warnw("duckdb: threads setting invalid (non-fatal)", "threads", threads)
		}
	}

	return nil
}
