package schemamodel

import (
	"math"
	"time"
)

// Config holds settings for connections, model behavior and logging.
type Config struct {
	Database DatabaseConfig `json:"database" koanf:"database"`
	Model    ModelConfig    `json:"model" koanf:"model"`
	Logging  LoggingConfig  `json:"logging" koanf:"logging"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	// Driver is one of "postgres", "sqlite", "duckdb" or "memory".
	Driver          string        `json:"driver" koanf:"driver"`
	Host            string        `json:"host" koanf:"host"`
	Port            int           `json:"port" koanf:"port"`
	Database        string        `json:"database" koanf:"database"`
	Username        string        `json:"username" koanf:"username"`
	Password        string        `json:"password" koanf:"password"`
	SSLMode         string        `json:"sslMode" koanf:"sslmode"`
	Path            string        `json:"path" koanf:"path"` // file path for sqlite/duckdb, empty for in-memory
	MaxConnections  int           `json:"maxConnections" koanf:"max_connections"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"connMaxIdleTime" koanf:"conn_max_idle_time"`
	Timeout         time.Duration `json:"timeout" koanf:"timeout"`
	IAM             IAMConfig     `json:"iam" koanf:"iam"`
	DuckDB          DuckDBConfig  `json:"duckdb" koanf:"duckdb"`
}

// DuckDBConfig holds DuckDB runtime settings applied when the connection opens.
type DuckDBConfig struct {
	Extensions     []string `json:"extensions" koanf:"extensions"`
	MemoryLimitMB  int      `json:"memoryLimitMB" koanf:"memory_limit_mb"`
	MaxParallelism int      `json:"maxParallelism" koanf:"max_parallelism"`
}

// IAMConfig enables IAM token authentication (Aurora DSQL) instead of a static password.
type IAMConfig struct {
	Enabled bool   `json:"enabled" koanf:"enabled"`
	Region  string `json:"region" koanf:"region"`
	Admin   bool   `json:"admin" koanf:"admin"`
	// AccessKeyID and SecretAccessKey override the default AWS credential chain.
	AccessKeyID     string `json:"accessKeyId" koanf:"access_key_id"`
	SecretAccessKey string `json:"secretAccessKey" koanf:"secret_access_key"`
}

// ModelConfig contains defaults applied to model types created through a Registry.
type ModelConfig struct {
	// BuildMode is "ignore" or "reject" for unknown keys passed to FromData.
	BuildMode string `json:"buildMode" koanf:"build_mode"`
	// AtomicSave wraps save/delete in a transaction when the table supports it.
	AtomicSave bool `json:"atomicSave" koanf:"atomic_save"`
	// InsertBatchSize caps rows per INSERT statement in join-table writes.
	InsertBatchSize int `json:"insertBatchSize" koanf:"insert_batch_size"`
	// ResolveConcurrency bounds parallel lazy reference resolution.
	ResolveConcurrency int `json:"resolveConcurrency" koanf:"resolve_concurrency"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level       string `json:"level" koanf:"level"`
	Format      string `json:"format" koanf:"format"` // json or console
	Development bool   `json:"development" koanf:"development"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxConnections:  25,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Timeout:         30 * time.Second,
		},
		Model: ModelConfig{
			BuildMode:          "ignore",
			AtomicSave:         false,
			InsertBatchSize:    500,
			ResolveConcurrency: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "duckdb", "memory":
	default:
		return &ConfigError{Field: "database.driver", Message: "must be one of postgres, sqlite, duckdb, memory"}
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			return &ConfigError{Field: "database.host", Message: "must not be empty"}
		}
		if c.Database.Port <= 0 {
			return &ConfigError{Field: "database.port", Message: "must be greater than 0"}
		}
		if c.Database.MaxConnections <= 0 {
			return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
		}
		if c.Database.MaxConnections > math.MaxInt32 {
			return &ConfigError{Field: "database.maxConnections", Message: "must not exceed 2147483647"}
		}
		if c.Database.IAM.Enabled && c.Database.IAM.Region == "" {
			return &ConfigError{Field: "database.iam.region", Message: "is required when IAM auth is enabled"}
		}
		if (c.Database.IAM.AccessKeyID == "") != (c.Database.IAM.SecretAccessKey == "") {
			return &ConfigError{Field: "database.iam.secretAccessKey", Message: "access key and secret must be set together"}
		}
	}

	if c.Database.DuckDB.MemoryLimitMB < 0 {
		return &ConfigError{Field: "database.duckdb.memoryLimitMB", Message: "must be >= 0"}
	}
	if c.Database.DuckDB.MaxParallelism < 0 {
		return &ConfigError{Field: "database.duckdb.maxParallelism", Message: "must be >= 0"}
	}

	if _, ok := ParseBuildMode(c.Model.BuildMode); !ok {
		return &ConfigError{Field: "model.buildMode", Message: "must be ignore or reject"}
	}

	if c.Model.InsertBatchSize <= 0 {
		return &ConfigError{Field: "model.insertBatchSize", Message: "must be greater than 0"}
	}

	if c.Model.ResolveConcurrency <= 0 {
		return &ConfigError{Field: "model.resolveConcurrency", Message: "must be greater than 0"}
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return &ConfigError{Field: "logging.format", Message: "must be json or console"}
	}

	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
