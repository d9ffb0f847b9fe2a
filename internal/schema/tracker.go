package schema

import (
	"fmt"

	"github.com/lorevault/lorevault/internal/document"
)

// Tracker answers version questions for a set of live schema
// definitions. It is an explicit instance passed to the vault at
// construction time, never a process-wide global, so tests can build
// isolated trackers.
type Tracker struct {
	schemas map[string]*Schema
}

// NewTracker builds a tracker over the given schemas.
func NewTracker(schemas ...*Schema) (*Tracker, error) {
	m := make(map[string]*Schema, len(schemas))
	for _, s := range schemas {
		if _, dup := m[s.Type]; dup {
			return nil, fmt.Errorf("duplicate schema for type %q", s.Type)
		}
		m[s.Type] = s
	}
	return &Tracker{schemas: m}, nil
}

// Schema returns the live schema for a document type.
func (t *Tracker) Schema(typ string) (*Schema, bool) {
	s, ok := t.schemas[typ]
	return s, ok
}

// CurrentVersion returns the live schema version for a type, or 0 for
// unknown types (which never need migration).
func (t *Tracker) CurrentVersion(typ string) int {
	if s, ok := t.schemas[typ]; ok {
		return s.Version
	}
	return 0
}

// StoredVersion returns the version stamp a document was written at.
// Documents saved before versioning existed default to 0.
func (t *Tracker) StoredVersion(doc *document.Document) int {
	return doc.Version
}

// NeedsMigration reports whether a document's stored version is behind
// the live schema for its type.
func (t *Tracker) NeedsMigration(doc *document.Document) bool {
	return t.StoredVersion(doc) < t.CurrentVersion(doc.Type)
}
