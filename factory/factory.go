package factory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/schemamodel"
	"github.com/lychee-technology/schemamodel/internal"
	"go.uber.org/zap"
)

// Store is an open database connection that hands out tables backed by it.
//
// Usage:
//
//	cfg, err := factory.LoadConfig("", nil)
//	store, err := factory.Open(ctx, cfg)
//	defer store.Close()
//
//	users, err := store.Table("users", nil)
//	registry := store.Registry()
//	userType, err := registry.Define("user", users)
type Store struct {
	cfg *schemamodel.Config

	pool *pgxpool.Pool
	db   *sql.DB
	duck *internal.DuckDBClient

	mu     sync.Mutex
	memory map[string]*internal.MemoryTable
}

// Open connects to the database named by cfg.Database.Driver.
func Open(ctx context.Context, cfg *schemamodel.Config) (*Store, error) {
	if cfg == nil {
		cfg = schemamodel.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg}
	var err error
	switch cfg.Database.Driver {
	case "postgres":
		s.pool, err = OpenPostgres(ctx, cfg.Database)
	case "sqlite":
		s.db, err = internal.OpenSQLite(ctx, cfg.Database.Path)
	case "duckdb":
		s.duck, err = internal.NewDuckDBClient(ctx, cfg.Database.Path, cfg.Database.DuckDB)
	case "memory":
		s.memory = make(map[string]*internal.MemoryTable)
	}
	if err != nil {
		return nil, err
	}
	zap.S().Debugw("store opened", "driver", cfg.Database.Driver)
	return s, nil
}

// Driver returns the configured driver name.
func (s *Store) Driver() string { return s.cfg.Database.Driver }

// Pool returns the Postgres pool, or nil for other drivers.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the database/sql handle for SQLite and DuckDB, or nil.
func (s *Store) DB() *sql.DB {
	if s.duck != nil {
		return s.duck.DB
	}
	return s.db
}

// Table returns the table called name. A nil schema is reflected from the
// database on first use; the memory driver requires one and returns the
// same table for repeated calls.
func (s *Store) Table(name string, schema *schemamodel.TableSchema) (schemamodel.Table, error) {
	opts := []internal.TableOption{internal.WithInsertBatchSize(s.cfg.Model.InsertBatchSize)}
	if schema != nil {
		opts = append(opts, internal.WithSchema(schema))
	}

	switch {
	case s.pool != nil:
		return internal.NewPostgresTable(s.pool, name, opts...), nil
	case s.duck != nil:
		return s.duck.Table(name, opts...), nil
	case s.db != nil:
		return internal.NewSQLTable(s.db, internal.DialectSQLite, name, opts...), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.memory[name]; ok {
		return t, nil
	}
	if schema == nil {
		return nil, fmt.Errorf("memory table %s needs a schema", name)
	}
	if schema.Name == "" {
		copied := *schema
		copied.Name = name
		schema = &copied
	}
	t := internal.NewMemoryTable(schema)
	s.memory[name] = t
	return t, nil
}

// Registry returns a model registry whose types default to the model settings
// of the store's config.
func (s *Store) Registry() *schemamodel.Registry {
	return schemamodel.NewRegistry(schemamodel.OptionsFromConfig(s.cfg.Model)...)
}

// HealthCheck verifies the connection is usable.
func (s *Store) HealthCheck(ctx context.Context) error {
	switch {
	case s.pool != nil:
		return internal.PostgresHealthCheck(ctx, s.pool, s.cfg.Database.Timeout)
	case s.duck != nil:
		return s.duck.HealthCheck(ctx)
	case s.db != nil:
		return s.db.PingContext(ctx)
	}
	return nil
}

// Close releases the connection.
func (s *Store) Close() error {
	switch {
	case s.pool != nil:
		s.pool.Close()
	case s.duck != nil:
		return s.duck.Close()
	case s.db != nil:
		return s.db.Close()
	}
	return nil
}

// OpenPostgres creates a pgx pool for cfg and pings it. With IAM enabled every
// new connection authenticates with a freshly generated DSQL token.
func OpenPostgres(ctx context.Context, cfg schemamodel.DatabaseConfig) (*pgxpool.Pool, error) {
	if err := internal.ValidatePostgresConfig(cfg); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(internal.PostgresConnString(cfg, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = cfg.Timeout

	if cfg.IAM.Enabled {
		tokens, err := newTokenSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		poolConfig.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
			token, err := tokens(ctx)
			if err != nil {
				return fmt.Errorf("generate IAM auth token: %w", err)
			}
			cc.Password = token
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := internal.PostgresHealthCheck(ctx, pool, cfg.Timeout); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type tokenSource func(ctx context.Context) (string, error)

func newTokenSource(ctx context.Context, cfg schemamodel.DatabaseConfig) (tokenSource, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.IAM.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.IAM.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.IAM.AccessKeyID, cfg.IAM.SecretAccessKey, "")
	}
	return dsqlTokenSource(cfg.Host, awsCfg.Region, awsCfg.Credentials, cfg.IAM.Admin), nil
}

func dsqlTokenSource(endpoint, region string, creds aws.CredentialsProvider, admin bool) tokenSource {
	return func(ctx context.Context) (string, error) {
		if admin {
			return auth.GenerateDBConnectAdminAuthToken(ctx, endpoint, region, creds)
		}
		return auth.GenerateDbConnectAuthToken(ctx, endpoint, region, creds)
	}
}
