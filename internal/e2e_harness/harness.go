package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/lychee-technology/schemamodel/internal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresOptions describes the container StartPostgres runs.
type PostgresOptions struct {
	Image    string
	User     string
	Password string
	Database string
	// Ready bounds how long StartPostgres waits for the server to accept queries.
	Ready time.Duration
}

// DefaultPostgresOptions returns the options used by the model e2e tests.
func DefaultPostgresOptions() PostgresOptions {
	return PostgresOptions{
		Image:    "postgres:16-alpine",
		User:     "schemamodel",
		Password: "schemamodel",
		Database: "schemamodel",
		Ready:    time.Minute,
	}
}

// TestHarness runs a disposable Postgres for end-to-end model tests.
type TestHarness struct {
	Options     PostgresOptions
	PGContainer testcontainers.Container
	PGDSN       string
	// PGDB is a lib/pq handle used for fixtures; models go through Pool.
	PGDB *sql.DB
	Pool *pgxpool.Pool
}

// StartPostgres starts the container, opens both handles and returns the DSN.
// A zero Options uses DefaultPostgresOptions. Call StopPostgres when done.
func (h *TestHarness) StartPostgres(ctx context.Context) (string, error) {
	if h.Options.Image == "" {
		h.Options = DefaultPostgresOptions()
	}
	opts := h.Options

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        opts.Image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     opts.User,
				"POSTGRES_PASSWORD": opts.Password,
				"POSTGRES_DB":       opts.Database,
			},
			// The entrypoint restarts the server once after init scripts run.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(opts.Ready),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("start postgres container: %w", err)
	}
	h.PGContainer = container

	endpoint, err := container.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		return "", fmt.Errorf("resolve postgres endpoint: %w", err)
	}
	h.PGDSN = (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(opts.User, opts.Password),
		Host:     endpoint,
		Path:     "/" + opts.Database,
		RawQuery: "sslmode=disable",
	}).String()

	if h.PGDB, err = sql.Open("postgres", h.PGDSN); err != nil {
		return "", fmt.Errorf("open fixture handle: %w", err)
	}
	if h.Pool, err = pgxpool.New(ctx, h.PGDSN); err != nil {
		return "", fmt.Errorf("open pool: %w", err)
	}
	if err := internal.PostgresHealthCheck(ctx, h.Pool, opts.Ready); err != nil {
		return "", err
	}
	return h.PGDSN, nil
}

// StopPostgres closes the handles and terminates the container.
func (h *TestHarness) StopPostgres(ctx context.Context) error {
	if h.Pool != nil {
		h.Pool.Close()
	}
	if h.PGDB != nil {
		_ = h.PGDB.Close()
	}
	h.Pool, h.PGDB = nil, nil

	if h.PGContainer == nil {
		return nil
	}
	err := h.PGContainer.Terminate(ctx)
	h.PGContainer = nil
	return err
}

// SeedPostgres creates the mock_models and mock_model_posts tables.
func SeedPostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mock_models (
  id SERIAL PRIMARY KEY,
  "firstName" VARCHAR(64) NOT NULL DEFAULT 'Michael',
  "lastName" VARCHAR(64) NOT NULL,
  emails JSONB,
  "int" INTEGER NOT NULL,
  date TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS mock_model_posts (
  mock_model_id INTEGER NOT NULL REFERENCES mock_models(id) ON DELETE CASCADE,
  post_id INTEGER NOT NULL CHECK (post_id < 100)
);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}
