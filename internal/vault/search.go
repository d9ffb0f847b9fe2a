package vault

import (
	"context"
	"fmt"

	"github.com/lorevault/lorevault/internal/index"
)

// searchConfig collects the functional search options.
type searchConfig struct {
	mode    searchMode
	filters index.Filters
	limit   int
}

type searchMode int

const (
	modeAuto searchMode = iota
	modeText
	modeVector
)

const defaultSearchLimit = 20

// SearchOption narrows or reshapes a search.
type SearchOption func(*searchConfig)

// WithType restricts results to one document type.
func WithType(typ string) SearchOption {
	return func(c *searchConfig) { c.filters.Type = typ }
}

// WithField requires a structured field to match exactly. Repeatable;
// multiple filters are conjunctive.
func WithField(key, value string) SearchOption {
	return func(c *searchConfig) {
		if c.filters.Fields == nil {
			c.filters.Fields = make(map[string]string)
		}
		c.filters.Fields[key] = value
	}
}

// WithLimit caps the number of results.
func WithLimit(n int) SearchOption {
	return func(c *searchConfig) { c.limit = n }
}

// TextOnly forces pure full-text ranking even when an embedder is
// configured.
func TextOnly() SearchOption {
	return func(c *searchConfig) { c.mode = modeText }
}

// VectorOnly forces pure similarity ranking. Requires an embedder.
func VectorOnly() SearchOption {
	return func(c *searchConfig) { c.mode = modeVector }
}

// Search queries a collection. With an embedder configured the default
// is hybrid ranking (text and vector fused); without one it is pure
// full-text. Results are deterministically ordered for identical inputs.
func (v *Vault) Search(ctx context.Context, collection, query string, opts ...SearchOption) ([]index.Result, error) {
	cfg := searchConfig{limit: defaultSearchLimit}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch cfg.mode {
	case modeText:
		return v.backend.SearchText(ctx, query, collection, cfg.filters, cfg.limit)

	case modeVector:
		if v.embedder == nil {
			return nil, fmt.Errorf("vector search requires an embedder")
		}
		vec, err := v.embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		return v.backend.SearchVector(ctx, vec, collection, cfg.filters, cfg.limit)

	default:
		if v.embedder == nil {
			return v.backend.SearchText(ctx, query, collection, cfg.filters, cfg.limit)
		}
		vec, err := v.embed(ctx, query)
		if err != nil {
			v.logger.Warn("query embedding failed, falling back to text search", "error", err)
			return v.backend.SearchText(ctx, query, collection, cfg.filters, cfg.limit)
		}
		return v.backend.SearchHybrid(ctx, query, vec, collection, cfg.filters, cfg.limit)
	}
}
