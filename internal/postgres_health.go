package internal

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/schemamodel"
)

// ValidatePostgresConfig performs basic sanity checks on Postgres-related settings.
func ValidatePostgresConfig(cfg schemamodel.DatabaseConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("database.port must be a valid TCP port")
	}
	if cfg.MaxConnections <= 0 || cfg.MaxConnections > math.MaxInt32 {
		return fmt.Errorf("database.maxConnections must be between 1 and %d", math.MaxInt32)
	}
	return nil
}

// PostgresConnString renders cfg as a postgres:// URL. password overrides
// cfg.Password when non-empty (IAM tokens).
func PostgresConnString(cfg schemamodel.DatabaseConfig, password string) string {
	if password == "" {
		password = cfg.Password
	}

	var userInfo *url.Userinfo
	if password != "" {
		userInfo = url.UserPassword(cfg.Username, password)
	} else {
		userInfo = url.User(cfg.Username)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}

	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type pgPinger interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresHealthCheck pings the pool and runs a trivial query.
// timeout may be 0 to use a default of 5s.
func PostgresHealthCheck(ctx context.Context, pool pgPinger, timeout time.Duration) error {
	if pool == nil {
		return fmt.Errorf("postgres pool not initialized")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres simple query failed: %w", err)
	}
	return nil
}
