// Package indextest is a conformance battery run against every index
// backend. Both backends must pass the same assertions, so any ordering
// or atomicity divergence between them fails here first.
package indextest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorevault/lorevault/internal/document"
	"github.com/lorevault/lorevault/internal/index"
)

// Factory builds a fresh, empty backend for one subtest. Cleanup is the
// factory's responsibility (t.Cleanup).
type Factory func(t *testing.T) index.Backend

// Run executes the full conformance battery. dim is the embedding
// dimension the backend was provisioned with; all test vectors are
// padded to it.
func Run(t *testing.T, dim int, factory Factory) {
	t.Helper()

	t.Run("TextSearch", func(t *testing.T) { testTextSearch(t, dim, factory) })
	t.Run("VectorSearch", func(t *testing.T) { testVectorSearch(t, dim, factory) })
	t.Run("HybridSearch", func(t *testing.T) { testHybridSearch(t, dim, factory) })
	t.Run("Filters", func(t *testing.T) { testFilters(t, dim, factory) })
	t.Run("UpsertReplaces", func(t *testing.T) { testUpsertReplaces(t, dim, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, dim, factory) })
	t.Run("References", func(t *testing.T) { testReferences(t, dim, factory) })
	t.Run("Blocks", func(t *testing.T) { testBlocks(t, dim, factory) })
	t.Run("Rebuild", func(t *testing.T) { testRebuild(t, dim, factory) })
	t.Run("Health", func(t *testing.T) { testHealth(t, factory) })
}

// vec builds a dim-length embedding whose leading components are the
// given values. Cosine similarity between two such vectors depends only
// on the leading components.
func vec(dim int, lead ...float32) []float32 {
	v := make([]float32, dim)
	copy(v, lead)
	return v
}

func rec(id, typ, title, content string) index.Record {
	return index.Record{
		ID:         id,
		Collection: "kb",
		Type:       typ,
		Title:      title,
		Content:    content,
	}
}

func resultIDs(results []index.Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}

func testTextSearch(t *testing.T, dim int, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	require.NoError(t, b.Upsert(ctx, rec("alpha", "note", "Dragon sightings", "Reports of dragon activity near the coast.")))
	require.NoError(t, b.Upsert(ctx, rec("beta", "note", "Harbor logs", "Shipping manifests and tide tables.")))
	require.NoError(t, b.Upsert(ctx, rec("gamma", "note", "Coastal survey", "The survey mentions a dragon once.")))

	results, err := b.SearchText(ctx, "dragon", "kb", index.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Ordering is part of the contract: the title hit outranks the
	// single body mention, and the sequence must be identical on every
	// backend.
	assert.Equal(t, []string{"alpha", "gamma"}, resultIDs(results))

	// Scores are non-increasing and the returned rows carry metadata.
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	for _, r := range results {
		assert.Equal(t, "kb", r.Collection)
		assert.Equal(t, "note", r.Type)
		assert.NotEmpty(t, r.Title)
	}

	// Unknown terms and empty queries return nothing.
	results, err = b.SearchText(ctx, "basilisk", "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = b.SearchText(ctx, "   ", "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Other collections are invisible.
	results, err = b.SearchText(ctx, "dragon", "other", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Limit is respected.
	results, err = b.SearchText(ctx, "dragon", "kb", index.Filters{}, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func testVectorSearch(t *testing.T, dim int, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	near := rec("near", "note", "Near", "close to the query")
	near.Vector = vec(dim, 1, 0.1)
	far := rec("far", "note", "Far", "orthogonal to the query")
	far.Vector = vec(dim, 0, 1)
	mid := rec("mid", "note", "Mid", "between the two")
	mid.Vector = vec(dim, 1, 1)
	none := rec("none", "note", "None", "no embedding at all")

	for _, r := range []index.Record{near, far, mid, none} {
		require.NoError(t, b.Upsert(ctx, r))
	}

	results, err := b.SearchVector(ctx, vec(dim, 1, 0), "kb", index.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3, "records without embeddings never match")
	assert.Equal(t, []string{"near", "mid", "far"}, resultIDs(results))
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	// Identical embeddings tie-break on ascending id.
	twinA := rec("twin-a", "note", "Twin A", "")
	twinA.Vector = vec(dim, 0.5, 0.5)
	twinB := rec("twin-b", "note", "Twin B", "")
	twinB.Vector = vec(dim, 0.5, 0.5)
	require.NoError(t, b.Upsert(ctx, twinB))
	require.NoError(t, b.Upsert(ctx, twinA))

	results, err = b.SearchVector(ctx, vec(dim, 0.5, 0.5), "kb", index.Filters{}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"twin-a", "twin-b"}, resultIDs(results))

	// Nil embedding means no vector results.
	results, err = b.SearchVector(ctx, nil, "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func testHybridSearch(t *testing.T, dim int, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	both := rec("both", "note", "Dragon atlas", "dragon habitats by region")
	both.Vector = vec(dim, 1, 0)
	textOnly := rec("text-only", "note", "Dragon myths", "dragon stories")
	textOnly.Vector = vec(dim, 0, 1)
	vecOnly := rec("vec-only", "note", "Wyvern atlas", "wyvern habitats")
	vecOnly.Vector = vec(dim, 1, 0.05)

	for _, r := range []index.Record{both, textOnly, vecOnly} {
		require.NoError(t, b.Upsert(ctx, r))
	}

	results, err := b.SearchHybrid(ctx, "dragon", vec(dim, 1, 0), "kb", index.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// A document ranked in both lists outranks documents ranked in one.
	assert.Equal(t, "both", results[0].ID)

	// Fusion is deterministic: a second identical query returns the
	// identical ordering.
	again, err := b.SearchHybrid(ctx, "dragon", vec(dim, 1, 0), "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, resultIDs(results), resultIDs(again))

	// With no embedding the hybrid degrades to pure text ranking.
	textOnlyResults, err := b.SearchHybrid(ctx, "dragon", nil, "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"both", "text-only"}, resultIDs(textOnlyResults))
}

func testFilters(t *testing.T, dim int, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	open := rec("finding-open", "finding", "Open dragon finding", "dragon")
	open.Fields = map[string]any{"status": "open", "severity": "high"}
	closed := rec("finding-closed", "finding", "Closed dragon finding", "dragon")
	closed.Fields = map[string]any{"status": "closed", "severity": "high"}
	note := rec("plain-note", "note", "Dragon note", "dragon")

	for _, r := range []index.Record{open, closed, note} {
		require.NoError(t, b.Upsert(ctx, r))
	}

	results, err := b.SearchText(ctx, "dragon", "kb", index.Filters{Type: "finding"}, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"finding-open", "finding-closed"}, resultIDs(results))

	results, err = b.SearchText(ctx, "dragon", "kb",
		index.Filters{Type: "finding", Fields: map[string]string{"status": "open"}}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "finding-open", results[0].ID)

	// Multiple field filters are conjunctive.
	results, err = b.SearchText(ctx, "dragon", "kb",
		index.Filters{Fields: map[string]string{"status": "open", "severity": "high"}}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "finding-open", results[0].ID)

	// A non-matching filter excludes everything.
	results, err = b.SearchText(ctx, "dragon", "kb",
		index.Filters{Fields: map[string]string{"status": "wontfix"}}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func testUpsertReplaces(t *testing.T, dim int, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	first := rec("doc", "note", "Original title", "about dragons")
	first.Refs = []document.Reference{{Field: "parent", Target: "old-parent"}}
	first.Blocks = []document.Block{{ID: "intro", Content: "old intro", Position: 0, Type: document.BlockParagraph}}
	require.NoError(t, b.Upsert(ctx, first))

	second := rec("doc", "note", "Rewritten title", "about harbors")
	second.Refs = []document.Reference{{Field: "parent", Target: "new-parent"}}
	second.Blocks = []document.Block{
		{ID: "overview", Heading: "Overview", Content: "new overview", Position: 0, Type: document.BlockHeading},
		{ID: "detail", Content: "new detail", Position: 1, Type: document.BlockParagraph},
	}
	require.NoError(t, b.Upsert(ctx, second))

	// Old full-text state is gone, new state is searchable.
	results, err := b.SearchText(ctx, "dragons", "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
	results, err = b.SearchText(ctx, "harbors", "kb", index.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Rewritten title", results[0].Title)

	// Old edges and blocks are replaced, not accumulated.
	edges, err := b.ReferencesTo(ctx, "old-parent")
	require.NoError(t, err)
	assert.Empty(t, edges)
	edges, err = b.ReferencesTo(ctx, "new-parent")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, index.RefEdge{SourceID: "doc", Field: "parent"}, edges[0])

	blocks, err := b.Blocks(ctx, "doc", "kb")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "overview", blocks[0].ID)
	assert.Equal(t, "detail", blocks[1].ID)
}

func testDelete(t *testing.T, dim int, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	doc := rec("doomed", "note", "Doomed", "ephemeral dragon content")
	doc.Vector = vec(dim, 1)
	doc.Refs = []document.Reference{{Field: "parent", Target: "keeper"}}
	doc.Blocks = []document.Block{{ID: "b", Content: "x", Position: 0, Type: document.BlockParagraph}}
	require.NoError(t, b.Upsert(ctx, doc))

	require.NoError(t, b.Delete(ctx, "doomed", "kb"))

	results, err := b.SearchText(ctx, "dragon", "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = b.SearchVector(ctx, vec(dim, 1), "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	edges, err := b.ReferencesTo(ctx, "keeper")
	require.NoError(t, err)
	assert.Empty(t, edges)

	blocks, err := b.Blocks(ctx, "doomed", "kb")
	require.NoError(t, err)
	assert.Empty(t, blocks)

	// Deleting an unknown id is not an error, and deleting twice is fine.
	require.NoError(t, b.Delete(ctx, "doomed", "kb"))
	require.NoError(t, b.Delete(ctx, "never-existed", "kb"))
}

func testReferences(t *testing.T, dim int, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	a := rec("a", "note", "A", "")
	a.Refs = []document.Reference{
		{Field: "parent", Target: "hub", TargetType: "note"},
		{Field: "related", Target: "hub"},
	}
	z := rec("z", "note", "Z", "")
	z.Refs = []document.Reference{{Field: "parent", Target: "hub"}}
	m := rec("m", "note", "M", "")
	m.Refs = []document.Reference{{Field: "parent", Target: "elsewhere"}}

	for _, r := range []index.Record{z, m, a} {
		require.NoError(t, b.Upsert(ctx, r))
	}

	// Ordered by source id, then field name.
	edges, err := b.ReferencesTo(ctx, "hub")
	require.NoError(t, err)
	assert.Equal(t, []index.RefEdge{
		{SourceID: "a", Field: "parent"},
		{SourceID: "a", Field: "related"},
		{SourceID: "z", Field: "parent"},
	}, edges)

	edges, err = b.ReferencesTo(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func testBlocks(t *testing.T, dim int, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	doc := rec("structured", "note", "Structured", "")
	doc.Blocks = []document.Block{
		{ID: "conclusion", Heading: "Conclusion", Content: "the end", Position: 2, Type: document.BlockHeading},
		{ID: "intro", Heading: "Intro", Content: "the start", Position: 0, Type: document.BlockHeading},
		{ID: "middle", Content: "the middle", Position: 1, Type: document.BlockParagraph},
	}
	require.NoError(t, b.Upsert(ctx, doc))

	blocks, err := b.Blocks(ctx, "structured", "kb")
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, "intro", blocks[0].ID)
	assert.Equal(t, "middle", blocks[1].ID)
	assert.Equal(t, "conclusion", blocks[2].ID)
	assert.Equal(t, "Intro", blocks[0].Heading)
	assert.Equal(t, "", blocks[1].Heading)

	blocks, err = b.Blocks(ctx, "absent", "kb")
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func testRebuild(t *testing.T, dim int, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	stale := rec("stale", "note", "Stale", "left over from before the rebuild")
	require.NoError(t, b.Upsert(ctx, stale))
	other := rec("survivor", "note", "Survivor", "lives in another collection")
	other.Collection = "archive"
	require.NoError(t, b.Upsert(ctx, other))

	fresh1 := rec("fresh-1", "note", "Fresh one", "rebuilt dragon content")
	fresh1.Vector = vec(dim, 1)
	fresh2 := rec("fresh-2", "note", "Fresh two", "rebuilt harbor content")
	fresh2.Refs = []document.Reference{{Field: "parent", Target: "fresh-1"}}

	require.NoError(t, b.Rebuild(ctx, "kb", []index.Record{fresh1, fresh2}))

	// Stale state in the rebuilt collection is gone.
	results, err := b.SearchText(ctx, "stale", "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// The rebuilt state matches what sequential upserts would produce.
	results, err = b.SearchText(ctx, "rebuilt", "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh-1", "fresh-2"}, resultIDs(results))

	results, err = b.SearchVector(ctx, vec(dim, 1), "kb", index.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fresh-1", results[0].ID)

	edges, err := b.ReferencesTo(ctx, "fresh-1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "fresh-2", edges[0].SourceID)

	// Other collections are untouched.
	results, err = b.SearchText(ctx, "survivor", "archive", index.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// A canceled rebuild leaves the previous index intact.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = b.Rebuild(canceled, "kb", []index.Record{rec("ghost", "note", "Ghost", "never committed")})
	require.Error(t, err)

	results, err = b.SearchText(ctx, "rebuilt", "kb", index.Filters{}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 2, "failed rebuild must not destroy the old index")
}

func testHealth(t *testing.T, factory Factory) {
	b := factory(t)
	require.NoError(t, b.Health(context.Background()))
}
