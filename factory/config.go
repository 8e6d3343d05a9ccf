package factory

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/lychee-technology/schemamodel"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "SCHEMAMODEL_"

// DefaultConfigFiles are tried in order when no config path is given.
var DefaultConfigFiles = []string{"schemamodel.yaml", "schemamodel.yml"}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"driver":      "database.driver",
	"host":        "database.host",
	"port":        "database.port",
	"database":    "database.database",
	"user":        "database.username",
	"password":    "database.password",
	"sslmode":     "database.sslmode",
	"path":        "database.path",
	"iam":         "database.iam.enabled",
	"region":      "database.iam.region",
	"build-mode":  "model.build_mode",
	"atomic-save": "model.atomic_save",
	"batch-size":  "model.insert_batch_size",
	"log-level":   "logging.level",
	"log-format":  "logging.format",
}

// nested sections whose keys contain underscores of their own
var envSections = []string{"database_iam_", "database_duckdb_", "database_", "model_", "logging_"}

// envKey turns SCHEMAMODEL_DATABASE_MAX_CONNECTIONS into database.max_connections.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range envSections {
		if rest, ok := strings.CutPrefix(key, section); ok {
			return strings.ReplaceAll(strings.TrimSuffix(section, "_"), "_", ".") + "." + rest
		}
	}
	return key
}

func defaultValues() map[string]any {
	d := schemamodel.DefaultConfig()
	return map[string]any{
		"database.driver":             d.Database.Driver,
		"database.host":               d.Database.Host,
		"database.port":               d.Database.Port,
		"database.sslmode":            d.Database.SSLMode,
		"database.max_connections":    d.Database.MaxConnections,
		"database.conn_max_lifetime":  d.Database.ConnMaxLifetime.String(),
		"database.conn_max_idle_time": d.Database.ConnMaxIdleTime.String(),
		"database.timeout":            d.Database.Timeout.String(),
		"model.build_mode":            d.Model.BuildMode,
		"model.atomic_save":           d.Model.AtomicSave,
		"model.insert_batch_size":     d.Model.InsertBatchSize,
		"model.resolve_concurrency":   d.Model.ResolveConcurrency,
		"logging.level":               d.Logging.Level,
		"logging.format":              d.Logging.Format,
	}
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range DefaultConfigFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// LoadConfig layers defaults, the YAML file at path (or a schemamodel.yaml in
// the working directory), SCHEMAMODEL_* environment variables and explicitly
// set flags, then validates the result. flags may be nil.
func LoadConfig(path string, flags *pflag.FlagSet) (*schemamodel.Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultValues(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if used := findConfigFile(path); used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", used, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg schemamodel.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RegisterFlags adds the flags LoadConfig understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("driver", "", "database driver: postgres, sqlite, duckdb or memory")
	fs.String("host", "", "postgres host")
	fs.Int("port", 0, "postgres port")
	fs.String("database", "", "postgres database name")
	fs.String("user", "", "postgres user")
	fs.String("password", "", "postgres password")
	fs.String("sslmode", "", "postgres sslmode")
	fs.String("path", "", "sqlite or duckdb file (empty for in-memory)")
	fs.Bool("iam", false, "authenticate to postgres with an IAM (DSQL) token")
	fs.String("region", "", "AWS region for IAM tokens")
	fs.String("build-mode", "", "unknown keys in model data: ignore or reject")
	fs.Bool("atomic-save", false, "wrap save and delete in a transaction")
	fs.Int("batch-size", 0, "rows per join-table INSERT")
	fs.String("log-level", "", "log level")
	fs.String("log-format", "", "log format: json or console")
}
