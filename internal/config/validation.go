package config

import (
	"fmt"
	"log/slog"
	"slices"
)

// validSSLModes are the libpq-compatible sslmode values accepted by pgx.
var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.Backend != BackendSQLite && c.Backend != BackendPostgres {
		return fmt.Errorf("%w: must be %q or %q, got %q",
			ErrInvalidBackend, BackendSQLite, BackendPostgres, c.Backend)
	}

	if c.VaultRoot == "" {
		return fmt.Errorf("%w: vault_root cannot be empty", ErrInvalidVaultRoot)
	}

	// Embedding vectors are optional, but when configured the dimension
	// must match what the backend schemas were provisioned for.
	if c.EmbeddingDim < 1 || c.EmbeddingDim > 4096 {
		return fmt.Errorf("%w: must be between 1 and 4096, got %d",
			ErrInvalidEmbeddingDim, c.EmbeddingDim)
	}

	// PostgreSQL settings only matter for the postgres backend.
	if c.Backend == BackendPostgres {
		if c.PostgresHost == "" {
			return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
		}

		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: must be between 1 and 65535, got %d",
				ErrInvalidPostgresPort, c.PostgresPort)
		}

		if c.PostgresDBName == "" {
			return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
		}

		if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
			return fmt.Errorf("%w: must be one of %v, got %q",
				ErrInvalidPostgresSSLMode, validSSLModes, c.PostgresSSLMode)
		}

		if c.PostgresPassword == "lorevault_dev_password" {
			slog.Warn("using default development password for PostgreSQL",
				"hint", "change postgres_password in config.yaml for production deployments")
		}
	}

	return nil
}
