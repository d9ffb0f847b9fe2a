// Package cmd wires the lorevault CLI. Following the pattern used by
// kubectl, hugo and other standard Go CLI tools, all application logic
// lives here and main.go stays a minimal entry point.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lorevault/lorevault/internal/config"
	"github.com/lorevault/lorevault/internal/index"
	"github.com/lorevault/lorevault/internal/index/postgres"
	"github.com/lorevault/lorevault/internal/index/sqlite"
	"github.com/lorevault/lorevault/internal/log"
	"github.com/lorevault/lorevault/internal/migration"
	"github.com/lorevault/lorevault/internal/schema"
	"github.com/lorevault/lorevault/internal/vault"
)

// NewRootCmd builds the command tree. A factory keeps tests free to
// build isolated instances.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lorevault",
		Short: "Typed, versioned knowledge documents with a queryable index",
		Long: `lorevault stores knowledge as plain files with YAML frontmatter and a
markdown body, and derives a queryable index from them: full text,
vector similarity, typed references and block anchors. The files are the
single source of truth; the index can always be rebuilt from them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.PersistentFlags().Bool("json-logs", false, "emit logs as JSON")

	root.AddCommand(
		newNewCmd(),
		newSearchCmd(),
		newListCmd(),
		newBacklinksCmd(),
		newMigrateCmd(),
		newRebuildCmd(),
		newHealthCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI. Designed to be called from main().
func Execute() error {
	return NewRootCmd().Execute()
}

// app bundles the collaborators every data-touching command needs.
type app struct {
	cfg    *config.Config
	logger log.Logger
	vault  *vault.Vault
	close  func()
}

// bootstrap loads configuration, opens the configured index backend and
// builds the vault. Callers must invoke close when done.
func bootstrap(cmd *cobra.Command) (*app, error) {
	debug, _ := cmd.Flags().GetBool("debug")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")

	level := slog.LevelInfo
	if debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: jsonLogs})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracker, err := loadTracker(cfg)
	if err != nil {
		return nil, err
	}

	// First run: the default vault root does not exist yet.
	if err := os.MkdirAll(cfg.VaultRoot, 0o750); err != nil {
		return nil, fmt.Errorf("creating vault root: %w", err)
	}

	backend, closeBackend, err := openBackend(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}

	// The CLI carries no compiled-in migrations; embedding applications
	// register theirs through vault construction in their own binaries.
	v, err := vault.New(cfg.VaultRoot, tracker, migration.NewRegistry(), backend,
		vault.WithLogger(logger))
	if err != nil {
		closeBackend()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, vault: v, close: closeBackend}, nil
}

func loadTracker(cfg *config.Config) (*schema.Tracker, error) {
	if cfg.SchemaFile == "" {
		return schema.NewTracker()
	}
	schemas, err := schema.LoadFile(cfg.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("loading schemas: %w", err)
	}
	return schema.NewTracker(schemas...)
}

func openBackend(ctx context.Context, cfg *config.Config, logger log.Logger) (index.Backend, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.Backend {
	case config.BackendSQLite:
		b, err := sqlite.New(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil

	case config.BackendPostgres:
		// The Postgres schema is provisioned at a fixed vector dimension;
		// a mismatched setting would corrupt nothing but fail every
		// insert, so refuse it up front.
		if cfg.EmbeddingDim != postgres.EmbeddingDim {
			return nil, nil, fmt.Errorf("%w: postgres backend requires embedding_dim %d, got %d",
				config.ErrInvalidEmbeddingDim, postgres.EmbeddingDim, cfg.EmbeddingDim)
		}
		b, err := postgres.New(ctx, cfg.PostgresURL(), logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.Backend)
	}
}
