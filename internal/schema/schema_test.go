package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorevault/lorevault/internal/document"
)

func floatPtr(f float64) *float64 { return &f }

// findingSchema mirrors the evolution scenario: confidence became
// required at version 2.
func findingSchema() *Schema {
	return &Schema{
		Type:    "finding",
		Version: 2,
		Fields: []FieldDef{
			{Name: "title", Kind: KindText, Required: true, Since: 1},
			{Name: "confidence", Kind: KindNumber, Required: true, Since: 2,
				Min: floatPtr(0), Max: floatPtr(1), Default: 0.5},
			{Name: "status", Kind: KindEnum, Enum: []string{"draft", "reviewed"}},
			{Name: "relates_to", Kind: KindRef, RefType: "finding"},
			{Name: "tags", Kind: KindList},
			{Name: "published", Kind: KindBool},
			{Name: "observed_at", Kind: KindDate},
		},
	}
}

func testDoc(fields map[string]any) *document.Document {
	doc := document.New("finding-1", "research", "finding")
	doc.Fields = fields
	return doc
}

func TestValidate_Valid(t *testing.T) {
	doc := testDoc(map[string]any{
		"title":       "Budget analysis",
		"confidence":  0.8,
		"status":      "draft",
		"tags":        []any{"finance"},
		"published":   false,
		"observed_at": "2024-06-01",
	})
	require.NoError(t, findingSchema().Validate(doc, 2))
}

func TestValidate_SinceVersionExemption(t *testing.T) {
	s := findingSchema()
	doc := testDoc(map[string]any{"title": "Old finding"})

	// Stored at version 1: confidence (since 2) is exempt.
	require.NoError(t, s.Validate(doc, 1))

	// Once the document reaches version 2, confidence is required.
	err := s.Validate(doc, 2)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Issues, 1)
	assert.Equal(t, "confidence", verr.Issues[0].Field)
}

func TestValidate_MissingRequired(t *testing.T) {
	err := findingSchema().Validate(testDoc(map[string]any{"confidence": 0.5}), 2)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "title", verr.Issues[0].Field)
}

func TestValidate_WrongTypes(t *testing.T) {
	doc := testDoc(map[string]any{
		"title":      42,
		"confidence": "high",
		"published":  "yes",
		"tags":       "finance",
	})
	err := findingSchema().Validate(doc, 2)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Issues, 4)
}

func TestValidate_NumberBounds(t *testing.T) {
	doc := testDoc(map[string]any{"title": "t", "confidence": 1.5})
	err := findingSchema().Validate(doc, 2)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Issues[0].Reason, "above maximum")
}

func TestValidate_EnumValue(t *testing.T) {
	doc := testDoc(map[string]any{"title": "t", "confidence": 0.5, "status": "published"})
	err := findingSchema().Validate(doc, 2)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Issues[0].Reason, "not in")
}

func TestValidate_UnknownFieldsAllowed(t *testing.T) {
	doc := testDoc(map[string]any{"title": "t", "confidence": 0.5, "extra": "anything"})
	require.NoError(t, findingSchema().Validate(doc, 2))
}

func TestValidate_RefTargetType(t *testing.T) {
	doc := testDoc(map[string]any{"title": "t", "confidence": 0.5})
	doc.Refs = []document.Reference{
		{Field: "relates_to", Target: "note-1", TargetType: "note"},
	}
	err := findingSchema().Validate(doc, 2)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Issues[0].Reason, `requires "finding"`)
}

func TestValidate_DateFormats(t *testing.T) {
	for _, v := range []any{"2024-06-01", "2024-06-01T10:00:00Z"} {
		doc := testDoc(map[string]any{"title": "t", "confidence": 0.5, "observed_at": v})
		assert.NoError(t, findingSchema().Validate(doc, 2), "value %v", v)
	}

	doc := testDoc(map[string]any{"title": "t", "confidence": 0.5, "observed_at": "yesterday"})
	assert.Error(t, findingSchema().Validate(doc, 2))
}

func TestTracker(t *testing.T) {
	tracker, err := NewTracker(findingSchema())
	require.NoError(t, err)

	assert.Equal(t, 2, tracker.CurrentVersion("finding"))
	assert.Equal(t, 0, tracker.CurrentVersion("unknown"))

	doc := testDoc(nil)
	doc.Version = 1
	assert.Equal(t, 1, tracker.StoredVersion(doc))
	assert.True(t, tracker.NeedsMigration(doc))

	doc.Version = 2
	assert.False(t, tracker.NeedsMigration(doc))

	// Unknown types never need migration.
	other := document.New("n1", "notes", "unknown")
	assert.False(t, tracker.NeedsMigration(other))
}

func TestNewTracker_DuplicateType(t *testing.T) {
	_, err := NewTracker(findingSchema(), findingSchema())
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	content := `schemas:
  - type: finding
    version: 2
    fields:
      - name: title
        kind: text
        required: true
        since: 1
      - name: confidence
        kind: number
        required: true
        since: 2
        default: 0.5
        min: 0
        max: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	schemas, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, schemas, 1)

	s := schemas[0]
	assert.Equal(t, "finding", s.Type)
	assert.Equal(t, 2, s.Version)

	def, ok := s.Field("confidence")
	require.True(t, ok)
	assert.True(t, def.Required)
	assert.Equal(t, 2, def.Since)
	require.NotNil(t, def.Max)
	assert.Equal(t, 1.0, *def.Max)
}

func TestLoadFile_BadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schemas:\n  - type: x\n    version: 0\n"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}
