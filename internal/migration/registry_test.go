package migration

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addField returns a migration that sets key to value.
func addField(key string, value any) Func {
	return func(fields map[string]any) (map[string]any, error) {
		fields[key] = value
		return fields, nil
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("finding", 1, 2, addField("a", 1)))

	err := r.Register("finding", 1, 2, addField("b", 2))
	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "finding", dup.Type)

	// Same versions on a different type are fine.
	require.NoError(t, r.Register("note", 1, 2, addField("a", 1)))
}

func TestRegister_Invalid(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("finding", 2, 2, addField("a", 1)))
	assert.Error(t, r.Register("finding", 3, 1, addField("a", 1)))
	assert.Error(t, r.Register("finding", 1, 2, nil))
}

func TestResolveChain_InOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("finding", 2, 3, addField("b", 2)))
	require.NoError(t, r.Register("finding", 1, 2, addField("a", 1)))

	chain, err := r.ResolveChain("finding", 1, 3)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, 1, chain[0].From)
	assert.Equal(t, 2, chain[0].To)
	assert.Equal(t, 2, chain[1].From)
	assert.Equal(t, 3, chain[1].To)
}

func TestResolveChain_NoOp(t *testing.T) {
	r := NewRegistry()
	chain, err := r.ResolveChain("finding", 3, 3)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestResolveChain_Broken(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("finding", 1, 2, addField("a", 1)))
	require.NoError(t, r.Register("finding", 3, 4, addField("c", 3)))

	_, err := r.ResolveChain("finding", 1, 4)
	var noPath *NoPathError
	require.True(t, errors.As(err, &noPath))
	assert.Equal(t, 1, noPath.From)
	assert.Equal(t, 4, noPath.To)
}

func TestResolveChain_PrefersShortestPath(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("finding", 1, 2, addField("a", 1)))
	require.NoError(t, r.Register("finding", 2, 3, addField("b", 2)))
	// A consolidated jump that skips the intermediate version.
	require.NoError(t, r.Register("finding", 1, 3, addField("jump", true)))

	chain, err := r.ResolveChain("finding", 1, 3)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, 1, chain[0].From)
	assert.Equal(t, 3, chain[0].To)
}

func TestApply_RunsChainInOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("finding", 1, 2, func(f map[string]any) (map[string]any, error) {
		f["order"] = "first"
		f["confidence"] = 0.5
		return f, nil
	}))
	require.NoError(t, r.Register("finding", 2, 3, func(f map[string]any) (map[string]any, error) {
		f["order"] = fmt.Sprintf("%v,second", f["order"])
		return f, nil
	}))

	in := map[string]any{"title": "t"}
	out, err := r.Apply("finding", in, 1, 3)
	require.NoError(t, err)

	assert.Equal(t, "first,second", out["order"])
	assert.Equal(t, 0.5, out["confidence"])
	assert.Equal(t, "t", out["title"])

	// Input map is never mutated.
	assert.Equal(t, map[string]any{"title": "t"}, in)
}

func TestApply_Idempotence(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("finding", 0, 1, addField("a", 1)))
	require.NoError(t, r.Register("finding", 1, 2, addField("b", 2)))

	in := map[string]any{"title": "t"}

	// (from=N, to=N) is a no-op.
	same, err := r.Apply("finding", in, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, in, same)

	// (0, 2) directly equals (0, 1) then (1, 2).
	direct, err := r.Apply("finding", in, 0, 2)
	require.NoError(t, err)

	middle, err := r.Apply("finding", in, 0, 1)
	require.NoError(t, err)
	stepped, err := r.Apply("finding", middle, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, direct, stepped)
}

func TestApply_MidChainFailureDiscardsChanges(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("finding", 1, 2, addField("a", 1)))
	require.NoError(t, r.Register("finding", 2, 3, func(map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}))

	in := map[string]any{"title": "t"}
	_, err := r.Apply("finding", in, 1, 3)

	var applyErr *ApplyError
	require.True(t, errors.As(err, &applyErr))
	assert.Equal(t, 2, applyErr.From)
	assert.Equal(t, 3, applyErr.To)

	// Partial transforms never leak back into the caller's map.
	assert.Equal(t, map[string]any{"title": "t"}, in)
}

func TestApply_NestedValuesAreCloned(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("finding", 1, 2, func(f map[string]any) (map[string]any, error) {
		f["tags"].([]any)[0] = "mutated"
		return f, nil
	}))

	in := map[string]any{"tags": []any{"original"}}
	out, err := r.Apply("finding", in, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, "mutated", out["tags"].([]any)[0])
	assert.Equal(t, "original", in["tags"].([]any)[0])
}
