package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorevault/lorevault/internal/config"
	"github.com/lorevault/lorevault/internal/index/postgres"
	"github.com/lorevault/lorevault/internal/log"
)

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "lorevault", root.Use)

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"new", "search", "list", "backlinks", "migrate", "rebuild", "health", "version"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "lorevault")
	assert.Contains(t, buf.String(), "Build Time:")
}

func TestLoadTracker_NoSchemaFileRunsSchemaless(t *testing.T) {
	tracker, err := loadTracker(&config.Config{})
	require.NoError(t, err, "a fresh install has no schema file and must still bootstrap")
	require.NotNil(t, tracker)
	assert.Zero(t, tracker.CurrentVersion("anything"))
}

func TestLoadTracker_ExplicitMissingFileFails(t *testing.T) {
	_, err := loadTracker(&config.Config{
		SchemaFile: filepath.Join(t.TempDir(), "absent.yaml"),
	})
	require.Error(t, err)
}

func TestLoadTracker_LoadsSchemas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schemas:\n  - type: note\n    version: 3\n"), 0o644))

	tracker, err := loadTracker(&config.Config{SchemaFile: path})
	require.NoError(t, err)
	assert.Equal(t, 3, tracker.CurrentVersion("note"))
}

func TestOpenBackendRejectsMismatchedPostgresDimension(t *testing.T) {
	_, _, err := openBackend(context.Background(), &config.Config{
		Backend:      config.BackendPostgres,
		EmbeddingDim: 128,
	}, log.NewNop())

	require.ErrorIs(t, err, config.ErrInvalidEmbeddingDim)
	assert.Contains(t, err.Error(), "768")
}

func TestOpenBackendAcceptsProvisionedPostgresDimension(t *testing.T) {
	// The config default and the index DDL must agree.
	assert.Equal(t, postgres.EmbeddingDim, config.DefaultEmbeddingDim)
}

func TestSearchRejectsBadFieldFlag(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"search", "kb", "dragon", "--field", "no-equals-sign"})

	err := root.Execute()
	require.Error(t, err)
}
