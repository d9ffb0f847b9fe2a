// Package schema defines per-type document schemas and validates raw
// field maps against them.
//
// Each field definition carries the schema version at which its
// requirement began applying (since). A document stored at an older
// version is exempt from newer requirements until it is migrated; this
// is what lets the live schema evolve without invalidating existing
// files.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind enumerates the supported field types.
type Kind string

const (
	KindText   Kind = "text"
	KindNumber Kind = "number"
	KindDate   Kind = "date"
	KindBool   Kind = "bool"
	KindEnum   Kind = "enum"
	KindRef    Kind = "ref"
	KindList   Kind = "list"
)

// FieldDef describes one metadata field of a document type.
type FieldDef struct {
	Name     string `yaml:"name"`
	Kind     Kind   `yaml:"kind"`
	Required bool   `yaml:"required"`

	// Since is the schema version at which this field's requirement
	// began applying. Documents stored at an older version are exempt.
	Since int `yaml:"since"`

	// Default is filled in by migrations, not by validation; it is kept
	// here so migration transforms and tooling share one source.
	Default any `yaml:"default,omitempty"`

	// Enum lists the allowed values for KindEnum fields.
	Enum []string `yaml:"enum,omitempty"`

	// Numeric bounds for KindNumber fields.
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`

	// Length bounds for KindText fields.
	MinLen *int `yaml:"min_len,omitempty"`
	MaxLen *int `yaml:"max_len,omitempty"`

	// RefType constrains the target document type for KindRef fields.
	// Empty means any type.
	RefType string `yaml:"ref_type,omitempty"`
}

// Schema is the definition of one document type.
type Schema struct {
	Type    string     `yaml:"type"`
	Version int        `yaml:"version"`
	Fields  []FieldDef `yaml:"fields"`
}

// Field returns the definition of the named field, if any.
func (s *Schema) Field(name string) (*FieldDef, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

type schemaFile struct {
	Schemas []*Schema `yaml:"schemas"`
}

// LoadFile reads schema definitions from a YAML file.
func LoadFile(path string) ([]*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}

	var f schemaFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing schema file %s: %w", path, err)
	}

	for _, s := range f.Schemas {
		if s.Type == "" {
			return nil, fmt.Errorf("schema file %s: schema with empty type", path)
		}
		if s.Version < 1 {
			return nil, fmt.Errorf("schema file %s: type %q has version %d, must be >= 1",
				path, s.Type, s.Version)
		}
	}

	return f.Schemas, nil
}
