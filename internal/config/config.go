// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override, LOREVAULT_ prefix)
//  2. Config file (~/.lorevault/config.yaml or ./config.yaml)
//  3. Default values
//
// Error Handling:
//   - Sentinel errors for Go-idiomatic checks with errors.Is()
//   - Wrapped with context via fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidBackend indicates an unknown index backend name.
	ErrInvalidBackend = errors.New("invalid index backend")

	// ErrInvalidVaultRoot indicates the vault root path is empty.
	ErrInvalidVaultRoot = errors.New("invalid vault root")

	// ErrInvalidEmbeddingDim indicates the embedding dimension is out of range.
	ErrInvalidEmbeddingDim = errors.New("invalid embedding dimension")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// Index backend identifiers used in Config.Backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DefaultEmbeddingDim is the vector dimension both backends are
// provisioned for. The Postgres schema declares vector(768); changing
// this requires a DDL migration.
const DefaultEmbeddingDim = 768

// Config stores application configuration.
type Config struct {
	// Backend selects the index backend: "sqlite" (default) or "postgres".
	Backend string `mapstructure:"backend"`

	// VaultRoot is the directory holding the authoritative document files,
	// one subdirectory per collection.
	VaultRoot string `mapstructure:"vault_root"`

	// SchemaFile is the YAML file defining per-type schemas. Empty means
	// no schemas are configured and every document type is untyped.
	SchemaFile string `mapstructure:"schema_file"`

	// SQLitePath is the embedded backend's database file.
	SQLitePath string `mapstructure:"sqlite_path"`

	// EmbeddingDim is the fixed embedding vector dimension.
	EmbeddingDim int `mapstructure:"embedding_dim"`

	// PostgreSQL connection settings (see storage.go).
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".lorevault")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v, configDir)
	v.SetEnvPrefix("LOREVAULT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error, defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Without an explicit schema file, pick up the conventional one only
	// when it exists. A fresh install has none and runs schemaless; an
	// explicitly configured path that is missing stays a hard error at
	// load time in the caller.
	if cfg.SchemaFile == "" {
		conventional := filepath.Join(configDir, "schemas.yaml")
		if _, err := os.Stat(conventional); err == nil {
			cfg.SchemaFile = conventional
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("backend", BackendSQLite)
	v.SetDefault("vault_root", filepath.Join(configDir, "vault"))
	// schema_file has no default path: Load discovers the conventional
	// <configDir>/schemas.yaml only if the file exists.
	v.SetDefault("schema_file", "")
	v.SetDefault("sqlite_path", filepath.Join(configDir, "index.db"))
	v.SetDefault("embedding_dim", DefaultEmbeddingDim)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "lorevault")
	v.SetDefault("postgres_password", "lorevault_dev_password")
	v.SetDefault("postgres_db_name", "lorevault")
	v.SetDefault("postgres_ssl_mode", "disable")
}
