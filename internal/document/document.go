package document

import (
	"fmt"

	"github.com/google/uuid"
)

// Reference is a typed outbound link to another document. TargetType is
// optional; when set, the schema layer enforces that the target document
// is of that type.
type Reference struct {
	Field      string `yaml:"field"`
	Target     string `yaml:"target"`
	TargetType string `yaml:"type,omitempty"`
}

// Document is a typed, versioned unit of stored knowledge. The vault
// owns the in-memory representation during a load/save cycle; no other
// component retains a live reference.
type Document struct {
	ID         string
	Collection string
	Type       string

	// Version is the schema version the document was stored at.
	// Zero for documents saved before versioning existed.
	Version int

	// Fields holds the non-reserved header fields as raw decoded values.
	Fields map[string]any

	Body string
	Refs []Reference

	// Dirty is set when the document was migrated in memory on load but
	// the result has not been written back yet.
	Dirty bool

	file *File
}

// FromFile builds a Document from a decoded file. The file stays
// attached so a later save can re-encode it format-preservingly.
func FromFile(f *File, collection string) (*Document, error) {
	doc := &Document{
		Collection: collection,
		Fields:     f.Fields(),
		Body:       f.Body,
		file:       f,
	}

	if v, ok := f.Field(KeyID); ok {
		if s, ok := v.(string); ok {
			doc.ID = s
		}
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("document has no id field")
	}

	if v, ok := f.Field(KeyType); ok {
		if s, ok := v.(string); ok {
			doc.Type = s
		}
	}
	if doc.Type == "" {
		return nil, fmt.Errorf("document %q has no type field", doc.ID)
	}

	if v, ok := f.Field(KeyVersion); ok {
		switch n := v.(type) {
		case int:
			doc.Version = n
		case float64:
			doc.Version = int(n)
		default:
			return nil, fmt.Errorf("document %q: %s is not an integer", doc.ID, KeyVersion)
		}
	}

	if _, vn := f.lookup(KeyRefs); vn != nil {
		var refs []Reference
		if err := vn.Decode(&refs); err != nil {
			return nil, fmt.Errorf("document %q: decoding refs: %w", doc.ID, err)
		}
		doc.Refs = refs
	}

	return doc, nil
}

// NewID generates a random document id for callers that do not assign
// their own naming scheme.
func NewID() string {
	return uuid.NewString()
}

// New creates a fresh in-memory document with no backing file yet.
func New(id, collection, typ string) *Document {
	return &Document{
		ID:         id,
		Collection: collection,
		Type:       typ,
		Fields:     make(map[string]any),
		file:       &File{header: emptyMapping()},
	}
}

// Sync writes the in-memory state back into the attached file and
// returns it, ready for encoding. Reserved keys are stamped explicitly;
// everything else goes through ApplyFields to keep untouched formatting.
func (d *Document) Sync() (*File, error) {
	if d.file == nil {
		d.file = &File{header: emptyMapping()}
	}

	if err := d.file.SetField(KeyID, d.ID); err != nil {
		return nil, err
	}
	if err := d.file.SetField(KeyType, d.Type); err != nil {
		return nil, err
	}
	if err := d.file.SetField(KeyVersion, d.Version); err != nil {
		return nil, err
	}
	if len(d.Refs) > 0 {
		if err := d.file.SetField(KeyRefs, d.Refs); err != nil {
			return nil, err
		}
	} else {
		d.file.DeleteField(KeyRefs)
	}

	if err := d.file.ApplyFields(d.Fields); err != nil {
		return nil, err
	}

	d.file.Body = d.Body
	return d.file, nil
}
