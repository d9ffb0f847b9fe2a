package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lorevault/lorevault/internal/document"
	"github.com/lorevault/lorevault/internal/index"
	"github.com/lorevault/lorevault/internal/log"
	"github.com/lorevault/lorevault/internal/migration"
	"github.com/lorevault/lorevault/internal/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBackend records calls and serves canned results, so vault tests
// exercise orchestration without a real index.
type fakeBackend struct {
	upserts    []index.Record
	deletes    []string
	rebuilt    map[string][]index.Record
	textCalls  int
	hybridCall int
	results    []index.Result
	failUpsert error
}

var _ index.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rebuilt: make(map[string][]index.Record)}
}

func (f *fakeBackend) Upsert(ctx context.Context, rec index.Record) error {
	if f.failUpsert != nil {
		return f.failUpsert
	}
	f.upserts = append(f.upserts, rec)
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, id, collection string) error {
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeBackend) SearchText(ctx context.Context, query, collection string, fl index.Filters, limit int) ([]index.Result, error) {
	f.textCalls++
	return f.results, nil
}

func (f *fakeBackend) SearchVector(ctx context.Context, embedding []float32, collection string, fl index.Filters, limit int) ([]index.Result, error) {
	return f.results, nil
}

func (f *fakeBackend) SearchHybrid(ctx context.Context, query string, embedding []float32, collection string, fl index.Filters, limit int) ([]index.Result, error) {
	f.hybridCall++
	return f.results, nil
}

func (f *fakeBackend) ReferencesTo(ctx context.Context, id string) ([]index.RefEdge, error) {
	return nil, nil
}

func (f *fakeBackend) Blocks(ctx context.Context, id, collection string) ([]document.Block, error) {
	return nil, nil
}

func (f *fakeBackend) Rebuild(ctx context.Context, collection string, records []index.Record) error {
	f.rebuilt[collection] = records
	return nil
}

func (f *fakeBackend) Health(ctx context.Context) error { return nil }

type fakeEmbedder struct {
	calls int
	err   error
	dim   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	dim := f.dim
	if dim == 0 {
		dim = 3
	}
	vec := make([]float32, dim)
	vec[0] = 1
	return vec, nil
}

// findingSchema is at live version 2; confidence became required in v2.
func findingSchema(t *testing.T) *schema.Tracker {
	t.Helper()
	tracker, err := schema.NewTracker(&schema.Schema{
		Type:    "finding",
		Version: 2,
		Fields: []schema.FieldDef{
			{Name: "title", Kind: schema.KindText, Required: true, Since: 1},
			{Name: "status", Kind: schema.KindEnum, Enum: []string{"open", "closed"}, Since: 1},
			{Name: "confidence", Kind: schema.KindNumber, Required: true, Since: 2},
		},
	})
	require.NoError(t, err)
	return tracker
}

// confidenceMigration fills the v2 default for documents written at v1.
func confidenceMigration(t *testing.T) *migration.Registry {
	t.Helper()
	reg := migration.NewRegistry()
	require.NoError(t, reg.Register("finding", 1, 2, func(fields map[string]any) (map[string]any, error) {
		if _, ok := fields["confidence"]; !ok {
			fields["confidence"] = 0.5
		}
		return fields, nil
	}))
	return reg
}

func newTestVault(t *testing.T, backend index.Backend, opts ...Option) *Vault {
	t.Helper()
	opts = append([]Option{WithLogger(log.NewNop())}, opts...)
	v, err := New(t.TempDir(), findingSchema(t), confidenceMigration(t), backend, opts...)
	require.NoError(t, err)
	return v
}

func writeDoc(t *testing.T, v *Vault, collection, id, content string) {
	t.Helper()
	dir := filepath.Join(v.root, collection)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".md"), []byte(content), 0o644))
}

const currentDoc = `---
id: f-current
type: finding
_schema_version: 2
title: Current finding
status: open
confidence: 0.9
---
Already at the live version.
`

const oldDoc = `---
id: f-old
type: finding
_schema_version: 1
title: Old finding
status: open
---
Written before confidence existed.
`

func TestSaveAndLoadRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	v := newTestVault(t, backend)
	ctx := context.Background()

	doc := document.New("f-1", "kb", "finding")
	doc.Fields["title"] = "Dragon sighting"
	doc.Fields["status"] = "open"
	doc.Fields["confidence"] = 0.8
	doc.Body = "# Sighting\n\nSeen near the coast.\n"
	doc.Refs = []document.Reference{{Field: "parent", Target: "f-0"}}

	require.NoError(t, v.Save(ctx, doc))
	assert.Equal(t, 2, doc.Version, "save stamps the live schema version")

	loaded, err := v.Load(ctx, "kb", "f-1")
	require.NoError(t, err)
	assert.Equal(t, "f-1", loaded.ID)
	assert.Equal(t, "finding", loaded.Type)
	assert.Equal(t, 2, loaded.Version)
	assert.Equal(t, "Dragon sighting", loaded.Fields["title"])
	assert.Equal(t, doc.Body, loaded.Body)
	assert.Equal(t, doc.Refs, loaded.Refs)
	assert.False(t, loaded.Dirty)

	// The save indexed title, body, refs and segmented blocks together.
	require.Len(t, backend.upserts, 1)
	rec := backend.upserts[0]
	assert.Equal(t, "Dragon sighting", rec.Title)
	assert.Equal(t, doc.Refs, rec.Refs)
	require.NotEmpty(t, rec.Blocks)
	assert.Equal(t, "Sighting", rec.Blocks[0].Heading)
}

func TestLoadMissing(t *testing.T) {
	v := newTestVault(t, newFakeBackend())
	_, err := v.Load(context.Background(), "kb", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadMigratesOutdatedDocument(t *testing.T) {
	v := newTestVault(t, newFakeBackend())
	ctx := context.Background()
	writeDoc(t, v, "kb", "f-old", oldDoc)

	doc, err := v.Load(ctx, "kb", "f-old")
	require.NoError(t, err)
	assert.True(t, doc.Dirty, "in-memory migration marks the document dirty")
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, 0.5, doc.Fields["confidence"], "migration filled the default")

	// The file on disk is untouched until a save.
	raw, err := os.ReadFile(filepath.Join(v.root, "kb", "f-old.md"))
	require.NoError(t, err)
	assert.Equal(t, oldDoc, string(raw))
}

func TestLoadCurrentDocumentStaysClean(t *testing.T) {
	v := newTestVault(t, newFakeBackend())
	writeDoc(t, v, "kb", "f-current", currentDoc)

	doc, err := v.Load(context.Background(), "kb", "f-current")
	require.NoError(t, err)
	assert.False(t, doc.Dirty)
	assert.Equal(t, 0.9, doc.Fields["confidence"])
}

func TestLoadRejectsIDMismatch(t *testing.T) {
	v := newTestVault(t, newFakeBackend())
	writeDoc(t, v, "kb", "wrong-name", currentDoc)

	_, err := v.Load(context.Background(), "kb", "wrong-name")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match filename")
}

func TestSaveValidationBlocksWrite(t *testing.T) {
	backend := newFakeBackend()
	v := newTestVault(t, backend)

	doc := document.New("f-bad", "kb", "finding")
	doc.Fields["title"] = "Bad status"
	doc.Fields["status"] = "wontfix"
	doc.Fields["confidence"] = 0.3

	err := v.Save(context.Background(), doc)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "f-bad", verr.ID)

	_, statErr := os.Stat(filepath.Join(v.root, "kb", "f-bad.md"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "validation failure must not write the file")
	assert.Empty(t, backend.upserts, "validation failure must not index")
}

func TestSavePreservesUntouchedFormatting(t *testing.T) {
	v := newTestVault(t, newFakeBackend())
	ctx := context.Background()

	commented := `---
id: f-note
type: finding
_schema_version: 2
title: Keep my comment # reviewed by aria
status: open
confidence: 0.7
---
Body text.
`
	writeDoc(t, v, "kb", "f-note", commented)

	doc, err := v.Load(ctx, "kb", "f-note")
	require.NoError(t, err)
	doc.Fields["confidence"] = 0.8
	require.NoError(t, v.Save(ctx, doc))

	raw, err := os.ReadFile(filepath.Join(v.root, "kb", "f-note.md"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# reviewed by aria")
	assert.Contains(t, string(raw), "confidence: 0.8")
}

func TestDeleteIdempotent(t *testing.T) {
	backend := newFakeBackend()
	v := newTestVault(t, backend)
	ctx := context.Background()
	writeDoc(t, v, "kb", "f-current", currentDoc)

	require.NoError(t, v.Delete(ctx, "kb", "f-current"))
	require.NoError(t, v.Delete(ctx, "kb", "f-current"))
	require.NoError(t, v.Delete(ctx, "kb", "never-existed"))
	assert.Equal(t, []string{"f-current", "f-current", "never-existed"}, backend.deletes)
}

func TestListSorted(t *testing.T) {
	v := newTestVault(t, newFakeBackend())
	writeDoc(t, v, "kb", "zeta", currentDoc)
	writeDoc(t, v, "kb", "alpha", currentDoc)
	writeDoc(t, v, "kb", "mid", currentDoc)
	// Non-document files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(v.root, "kb", "notes.txt"), []byte("x"), 0o644))

	ids, err := v.List("kb")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
	assert.True(t, sort.StringsAreSorted(ids))

	empty, err := v.List("no-such-collection")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMigrateAllDryRun(t *testing.T) {
	backend := newFakeBackend()
	v := newTestVault(t, backend)
	ctx := context.Background()

	writeDoc(t, v, "kb", "f-current", currentDoc)
	writeDoc(t, v, "kb", "f-old", oldDoc)

	report, err := v.MigrateAll(ctx, "kb", true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.WouldMigrate)
	assert.Zero(t, report.Migrated)
	assert.Empty(t, report.Errors)

	// Dry run touches neither files nor index.
	raw, err := os.ReadFile(filepath.Join(v.root, "kb", "f-old.md"))
	require.NoError(t, err)
	assert.Equal(t, oldDoc, string(raw))
	assert.Empty(t, backend.upserts)
}

func TestMigrateAllRewritesOutdated(t *testing.T) {
	backend := newFakeBackend()
	v := newTestVault(t, backend)
	ctx := context.Background()

	writeDoc(t, v, "kb", "f-current", currentDoc)
	writeDoc(t, v, "kb", "f-old", oldDoc)

	report, err := v.MigrateAll(ctx, "kb", false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Migrated)
	assert.Empty(t, report.Errors)

	// The rewritten file is now at the live version and loads clean.
	doc, err := v.Load(ctx, "kb", "f-old")
	require.NoError(t, err)
	assert.False(t, doc.Dirty)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, 0.5, doc.Fields["confidence"])
}

func TestMigrateAllCollectsErrors(t *testing.T) {
	backend := newFakeBackend()
	v := newTestVault(t, backend)
	ctx := context.Background()

	writeDoc(t, v, "kb", "f-old", oldDoc)
	writeDoc(t, v, "kb", "broken", "---\nid: broken\n---\nno type field\n")

	report, err := v.MigrateAll(ctx, "kb", false)
	require.NoError(t, err, "per-document failures are collected, not fatal")
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Migrated)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "broken", report.Errors[0].ID)
}

func TestRebuildSkipsUnreadable(t *testing.T) {
	backend := newFakeBackend()
	v := newTestVault(t, backend)
	ctx := context.Background()

	writeDoc(t, v, "kb", "f-current", currentDoc)
	writeDoc(t, v, "kb", "broken", "---\nid: broken\n---\nno type\n")

	n, err := v.Rebuild(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, backend.rebuilt["kb"], 1)
	assert.Equal(t, "f-current", backend.rebuilt["kb"][0].ID)
}

func TestSearchWithoutEmbedderIsTextOnly(t *testing.T) {
	backend := newFakeBackend()
	backend.results = []index.Result{{ID: "hit"}}
	v := newTestVault(t, backend)

	results, err := v.Search(context.Background(), "kb", "dragon")
	require.NoError(t, err)
	assert.Equal(t, "hit", results[0].ID)
	assert.Equal(t, 1, backend.textCalls)
	assert.Zero(t, backend.hybridCall)
}

func TestSearchWithEmbedderIsHybrid(t *testing.T) {
	backend := newFakeBackend()
	emb := &fakeEmbedder{}
	v := newTestVault(t, backend, WithEmbedder(emb, 3))

	_, err := v.Search(context.Background(), "kb", "dragon")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.hybridCall)
	assert.Equal(t, 1, emb.calls)

	// An explicit TextOnly overrides the embedder.
	_, err = v.Search(context.Background(), "kb", "dragon", TextOnly())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.textCalls)
}

func TestSearchFallsBackWhenEmbeddingFails(t *testing.T) {
	backend := newFakeBackend()
	emb := &fakeEmbedder{err: errors.New("model offline")}
	v := newTestVault(t, backend, WithEmbedder(emb, 3))

	_, err := v.Search(context.Background(), "kb", "dragon")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.textCalls)
	assert.Zero(t, backend.hybridCall)

	// VectorOnly has no fallback.
	_, err = v.Search(context.Background(), "kb", "dragon", VectorOnly())
	require.Error(t, err)
}

func TestSaveEmbedsDocument(t *testing.T) {
	backend := newFakeBackend()
	emb := &fakeEmbedder{}
	v := newTestVault(t, backend, WithEmbedder(emb, 3))

	doc := document.New("f-1", "kb", "finding")
	doc.Fields["title"] = "Embedded"
	doc.Fields["confidence"] = 0.5
	doc.Body = "Some body.\n"
	require.NoError(t, v.Save(context.Background(), doc))

	require.Len(t, backend.upserts, 1)
	assert.Equal(t, []float32{1, 0, 0}, backend.upserts[0].Vector)
}

func TestSaveSurvivesEmbeddingFailure(t *testing.T) {
	backend := newFakeBackend()
	emb := &fakeEmbedder{err: errors.New("model offline")}
	v := newTestVault(t, backend, WithEmbedder(emb, 3))

	doc := document.New("f-1", "kb", "finding")
	doc.Fields["title"] = "No vector"
	doc.Fields["confidence"] = 0.5
	require.NoError(t, v.Save(context.Background(), doc))

	require.Len(t, backend.upserts, 1)
	assert.Nil(t, backend.upserts[0].Vector)
}

func TestSaveDropsWrongDimensionVector(t *testing.T) {
	backend := newFakeBackend()
	emb := &fakeEmbedder{dim: 5}
	v := newTestVault(t, backend, WithEmbedder(emb, 3))

	doc := document.New("f-1", "kb", "finding")
	doc.Fields["title"] = "Wrong width"
	doc.Fields["confidence"] = 0.5
	doc.Body = "Some body.\n"
	require.NoError(t, v.Save(context.Background(), doc))

	// The document is still saved and indexed, just without a vector.
	require.Len(t, backend.upserts, 1)
	assert.Nil(t, backend.upserts[0].Vector)
}

func TestSearchRejectsWrongDimensionQueryVector(t *testing.T) {
	backend := newFakeBackend()
	emb := &fakeEmbedder{dim: 5}
	v := newTestVault(t, backend, WithEmbedder(emb, 3))

	// VectorOnly surfaces the mismatch.
	_, err := v.Search(context.Background(), "kb", "dragon", VectorOnly())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")

	// Hybrid degrades to text search instead of querying with a vector
	// the backends cannot compare.
	_, err = v.Search(context.Background(), "kb", "dragon")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.textCalls)
	assert.Zero(t, backend.hybridCall)
}
