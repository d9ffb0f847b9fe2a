package schema

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lorevault/lorevault/internal/document"
)

// Issue is a single validation failure.
type Issue struct {
	Field  string
	Reason string
}

// ValidationError reports every schema violation found in one document.
// It always blocks a save; values are never silently coerced.
type ValidationError struct {
	ID     string
	Type   string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", iss.Field, iss.Reason)
	}
	return fmt.Sprintf("document %q (type %s) failed validation: %s",
		e.ID, e.Type, strings.Join(parts, "; "))
}

// Validate checks a document's raw fields and references against the
// schema, honoring since-version exemptions for the given stored
// version. A nil return means the document is valid.
//
// Unknown fields are allowed: the file format permits arbitrary
// type-specific metadata beyond what the schema names.
func (s *Schema) Validate(doc *document.Document, storedVersion int) error {
	var issues []Issue

	for i := range s.Fields {
		def := &s.Fields[i]
		value, present := doc.Fields[def.Name]

		if !present {
			if def.Required && storedVersion >= def.Since {
				issues = append(issues, Issue{
					Field:  def.Name,
					Reason: fmt.Sprintf("required (since version %d)", def.Since),
				})
			}
			continue
		}

		if iss := checkValue(def, value); iss != nil {
			issues = append(issues, *iss)
		}
	}

	issues = append(issues, checkRefs(s, doc.Refs)...)

	if len(issues) > 0 {
		return &ValidationError{ID: doc.ID, Type: s.Type, Issues: issues}
	}
	return nil
}

func checkValue(def *FieldDef, value any) *Issue {
	switch def.Kind {
	case KindText:
		str, ok := value.(string)
		if !ok {
			return &Issue{def.Name, fmt.Sprintf("expected text, got %T", value)}
		}
		if def.MinLen != nil && len(str) < *def.MinLen {
			return &Issue{def.Name, fmt.Sprintf("shorter than %d characters", *def.MinLen)}
		}
		if def.MaxLen != nil && len(str) > *def.MaxLen {
			return &Issue{def.Name, fmt.Sprintf("longer than %d characters", *def.MaxLen)}
		}

	case KindNumber:
		num, ok := asFloat(value)
		if !ok {
			return &Issue{def.Name, fmt.Sprintf("expected number, got %T", value)}
		}
		if def.Min != nil && num < *def.Min {
			return &Issue{def.Name, fmt.Sprintf("below minimum %v", *def.Min)}
		}
		if def.Max != nil && num > *def.Max {
			return &Issue{def.Name, fmt.Sprintf("above maximum %v", *def.Max)}
		}

	case KindDate:
		switch v := value.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				if _, err := time.Parse("2006-01-02", v); err != nil {
					return &Issue{def.Name, fmt.Sprintf("not a date: %q", v)}
				}
			}
		default:
			return &Issue{def.Name, fmt.Sprintf("expected date, got %T", value)}
		}

	case KindBool:
		if _, ok := value.(bool); !ok {
			return &Issue{def.Name, fmt.Sprintf("expected bool, got %T", value)}
		}

	case KindEnum:
		str, ok := value.(string)
		if !ok {
			return &Issue{def.Name, fmt.Sprintf("expected enum value, got %T", value)}
		}
		if !slices.Contains(def.Enum, str) {
			return &Issue{def.Name, fmt.Sprintf("value %q not in %v", str, def.Enum)}
		}

	case KindRef:
		if _, ok := value.(string); !ok {
			return &Issue{def.Name, fmt.Sprintf("expected reference id, got %T", value)}
		}

	case KindList:
		if _, ok := value.([]any); !ok {
			return &Issue{def.Name, fmt.Sprintf("expected list, got %T", value)}
		}

	default:
		return &Issue{def.Name, fmt.Sprintf("unknown field kind %q", def.Kind)}
	}

	return nil
}

// checkRefs enforces target-type constraints declared on ref fields.
func checkRefs(s *Schema, refs []document.Reference) []Issue {
	var issues []Issue
	for _, ref := range refs {
		def, ok := s.Field(ref.Field)
		if !ok || def.Kind != KindRef || def.RefType == "" {
			continue
		}
		if ref.TargetType != "" && ref.TargetType != def.RefType {
			issues = append(issues, Issue{
				Field: ref.Field,
				Reason: fmt.Sprintf("reference to type %q, schema requires %q",
					ref.TargetType, def.RefType),
			})
		}
	}
	return issues
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
