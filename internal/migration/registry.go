// Package migration holds versioned transform functions for document
// types and resolves (from, to) version pairs into ordered chains.
//
// Migrations are pure functions over raw field maps, not over typed
// documents. They stay correct even after the live schema evolves
// further, because they never see the current in-memory representation.
//
// The registry is an explicit instance owned by the vault; plugin-style
// extensions register into it during application bootstrap via Register,
// not via package-level side effects. Chains are resolved lazily per
// load, so a migration registered at runtime is usable immediately.
package migration

import (
	"fmt"
	"sort"
	"sync"
)

// Func transforms a document's raw fields from one schema version to the
// next. It receives and returns the full field map (not a diff), which
// permits additive, renaming and defaulting transforms. Implementations
// must not mutate the input map; the registry hands each step a copy.
type Func func(fields map[string]any) (map[string]any, error)

// Step is one resolved migration hop.
type Step struct {
	From int
	To   int
	Fn   Func
}

// DuplicateError is returned when a transform is already registered for
// a (type, from, to) triple. Fatal at registration time.
type DuplicateError struct {
	Type string
	From int
	To   int
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("migration for type %q from v%d to v%d already registered",
		e.Type, e.From, e.To)
}

// NoPathError is returned when registered steps cannot connect the
// requested versions.
type NoPathError struct {
	Type string
	From int
	To   int
}

func (e *NoPathError) Error() string {
	return fmt.Sprintf("no migration path for type %q from v%d to v%d",
		e.Type, e.From, e.To)
}

// ApplyError wraps a failure inside an individual migration function.
// The document's in-memory changes up to that point are discarded.
type ApplyError struct {
	Type string
	From int
	To   int
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("migration for type %q step v%d->v%d failed: %v",
		e.Type, e.From, e.To, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

type edgeKey struct {
	typ  string
	from int
	to   int
}

// Registry holds registered migration steps. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	edges map[edgeKey]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{edges: make(map[edgeKey]Func)}
}

// Register adds a transform for (typ, from, to). Returns DuplicateError
// if one exists, and rejects non-forward version pairs outright.
func (r *Registry) Register(typ string, from, to int, fn Func) error {
	if fn == nil {
		return fmt.Errorf("migration for type %q v%d->v%d: nil function", typ, from, to)
	}
	if to <= from || from < 0 {
		return fmt.Errorf("migration for type %q v%d->v%d: versions must advance", typ, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := edgeKey{typ, from, to}
	if _, dup := r.edges[key]; dup {
		return &DuplicateError{Type: typ, From: from, To: to}
	}
	r.edges[key] = fn
	return nil
}

// ResolveChain finds the shortest ordered list of registered steps
// taking typ from one version to another. from == to resolves to an
// empty chain. A broken version sequence yields NoPathError.
func (r *Registry) ResolveChain(typ string, from, to int) ([]Step, error) {
	if from == to {
		return nil, nil
	}
	if from > to {
		return nil, &NoPathError{Type: typ, From: from, To: to}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Adjacency over this type's registered steps, sorted for
	// deterministic tie-breaks between equal-length paths.
	next := make(map[int][]int)
	for key := range r.edges {
		if key.typ == typ {
			next[key.from] = append(next[key.from], key.to)
		}
	}
	for _, tos := range next {
		sort.Ints(tos)
	}

	// BFS shortest path from -> to.
	prev := map[int]int{from: from}
	queue := []int{from}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if v == to {
			break
		}
		for _, w := range next[v] {
			if _, visited := prev[w]; !visited {
				prev[w] = v
				queue = append(queue, w)
			}
		}
	}

	if _, reached := prev[to]; !reached {
		return nil, &NoPathError{Type: typ, From: from, To: to}
	}

	var chain []Step
	for v := to; v != from; v = prev[v] {
		p := prev[v]
		chain = append(chain, Step{From: p, To: v, Fn: r.edges[edgeKey{typ, p, v}]})
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Apply resolves the chain for (typ, from, to) and runs it in order over
// a copy of the raw fields. On a mid-chain failure the original map is
// untouched and an ApplyError identifies the failing step.
func (r *Registry) Apply(typ string, fields map[string]any, from, to int) (map[string]any, error) {
	chain, err := r.ResolveChain(typ, from, to)
	if err != nil {
		return nil, err
	}

	current := cloneFields(fields)
	for _, step := range chain {
		next, err := step.Fn(cloneFields(current))
		if err != nil {
			return nil, &ApplyError{Type: typ, From: step.From, To: step.To, Err: err}
		}
		current = next
	}
	return current, nil
}

// cloneFields deep-copies the map/slice/scalar structure YAML decoding
// produces, so migration steps can never alias the caller's data.
func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneFields(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
