package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFile(t *testing.T) {
	f, err := Decode([]byte(sampleFile))
	require.NoError(t, err)

	doc, err := FromFile(f, "research")
	require.NoError(t, err)

	assert.Equal(t, "finding-2024-003", doc.ID)
	assert.Equal(t, "research", doc.Collection)
	assert.Equal(t, "finding", doc.Type)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, 0.5, doc.Fields["confidence"])
	require.Len(t, doc.Refs, 1)
	assert.Equal(t, Reference{
		Field:      "relates_to",
		Target:     "finding-2024-001",
		TargetType: "finding",
	}, doc.Refs[0])
	assert.False(t, doc.Dirty)
}

func TestFromFile_MissingID(t *testing.T) {
	f, err := Decode([]byte("---\ntype: note\n---\nbody\n"))
	require.NoError(t, err)

	_, err = FromFile(f, "notes")
	require.Error(t, err)
}

func TestFromFile_MissingType(t *testing.T) {
	f, err := Decode([]byte("---\nid: n1\n---\nbody\n"))
	require.NoError(t, err)

	_, err = FromFile(f, "notes")
	require.Error(t, err)
}

func TestFromFile_VersionDefaultsToZero(t *testing.T) {
	f, err := Decode([]byte("---\nid: n1\ntype: note\n---\nbody\n"))
	require.NoError(t, err)

	doc, err := FromFile(f, "notes")
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Version)
}

func TestSync_StampsReservedFieldsAndBody(t *testing.T) {
	doc := New("n1", "notes", "note")
	doc.Version = 3
	doc.Fields["status"] = "draft"
	doc.Body = "hello\n"
	doc.Refs = []Reference{{Field: "parent", Target: "n0"}}

	f, err := doc.Sync()
	require.NoError(t, err)

	out, err := f.Encode()
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "id: n1")
	assert.Contains(t, text, "type: note")
	assert.Contains(t, text, "_schema_version: 3")
	assert.Contains(t, text, "status: draft")
	assert.Contains(t, text, "target: n0")
	assert.Contains(t, text, "hello")
}

func TestSync_RoundTripEquality(t *testing.T) {
	f, err := Decode([]byte(sampleFile))
	require.NoError(t, err)
	doc, err := FromFile(f, "research")
	require.NoError(t, err)

	synced, err := doc.Sync()
	require.NoError(t, err)
	out, err := synced.Encode()
	require.NoError(t, err)

	f2, err := Decode(out)
	require.NoError(t, err)
	doc2, err := FromFile(f2, "research")
	require.NoError(t, err)

	assert.Equal(t, doc.ID, doc2.ID)
	assert.Equal(t, doc.Type, doc2.Type)
	assert.Equal(t, doc.Version, doc2.Version)
	assert.Equal(t, doc.Fields, doc2.Fields)
	assert.Equal(t, doc.Refs, doc2.Refs)
	assert.Equal(t, doc.Body, doc2.Body)
}
