// Package index defines the contract every index backend satisfies.
//
// The index is a derived, queryable view over the authoritative document
// files: full text, vector similarity, and relational edges (typed
// references, block anchors). Every record is fully derivable from its
// source document, so any backend can be dropped and rebuilt from the
// file store with no data loss.
//
// Backends are free-standing types satisfying Backend — structural
// polymorphism with no shared base implementation. The concrete backend
// is selected at startup by configuration.
package index

import (
	"context"
	"errors"

	"github.com/lorevault/lorevault/internal/document"
)

// ErrUnavailable indicates a connectivity or resource failure in the
// backend. It is surfaced to the caller, never retried inside the core;
// retry policy belongs to the calling service layer.
var ErrUnavailable = errors.New("index backend unavailable")

// Record is a backend's materialized view of one document.
type Record struct {
	ID         string
	Collection string
	Type       string

	// Title is indexed with a higher full-text weight than Content.
	Title   string
	Content string

	// Fields are the structured metadata values used for filtering.
	Fields map[string]any

	// Vector is the optional embedding; nil disables vector search for
	// this record.
	Vector []float32

	Refs   []document.Reference
	Blocks []document.Block
}

// Result is one ranked search hit.
type Result struct {
	ID         string
	Collection string
	Type       string
	Title      string
	Score      float64
}

// Filters restricts a search. Zero value matches everything in the
// collection.
type Filters struct {
	// Type restricts results to one document type.
	Type string

	// Fields requires structured field values to match exactly.
	Fields map[string]string
}

// RefEdge is one inbound reference, as returned by ReferencesTo.
type RefEdge struct {
	SourceID string
	Field    string
}

// Backend is the structural interface every index backend implements.
//
// Upsert and Delete are idempotent and atomic across the text, vector
// and relational sub-indexes: a reader never observes a document whose
// full text is updated but whose vector or edges are stale. Writers
// serialize per document id; last-write-wins at document granularity.
type Backend interface {
	// Upsert inserts or replaces all derived state for a document.
	Upsert(ctx context.Context, rec Record) error

	// Delete removes all derived state. Deleting an unknown id is not
	// an error.
	Delete(ctx context.Context, id, collection string) error

	// SearchText ranks documents by full-text relevance.
	SearchText(ctx context.Context, query, collection string, f Filters, limit int) ([]Result, error)

	// SearchVector ranks documents by embedding similarity.
	SearchVector(ctx context.Context, embedding []float32, collection string, f Filters, limit int) ([]Result, error)

	// SearchHybrid fuses text and vector rankings. Ordering is
	// deterministic for identical inputs on every backend.
	SearchHybrid(ctx context.Context, query string, embedding []float32, collection string, f Filters, limit int) ([]Result, error)

	// ReferencesTo is the reverse lookup for typed references.
	ReferencesTo(ctx context.Context, id string) ([]RefEdge, error)

	// Blocks returns a document's blocks ordered by position.
	Blocks(ctx context.Context, id, collection string) ([]document.Block, error)

	// Rebuild drops and repopulates all derived state for a collection
	// from an authoritative record stream. Readers see either the old or
	// the fully rebuilt data, never a partial index.
	Rebuild(ctx context.Context, collection string, records []Record) error

	// Health is a cheap liveness probe.
	Health(ctx context.Context) error
}
