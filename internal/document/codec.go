package document

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reserved header keys managed by the vault rather than by schemas.
const (
	KeyID      = "id"
	KeyType    = "type"
	KeyVersion = "_schema_version"
	KeyRefs    = "refs"
)

const fence = "---"

// MalformedDocumentError reports an unparseable frontmatter header.
// Offset and Length identify the offending byte range in the raw file;
// the body is still recoverable via BodyOnly.
type MalformedDocumentError struct {
	Offset int
	Length int
	Err    error
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("malformed document header at bytes [%d:%d]: %v",
		e.Offset, e.Offset+e.Length, e.Err)
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

// File is the decoded form of a document file. The header is kept as a
// yaml.v3 node tree so that comments and key order of untouched fields
// are preserved when the file is re-encoded.
type File struct {
	header *yaml.Node // mapping node, never nil
	Body   string
}

// Decode parses raw file bytes into a File.
//
// A file without a frontmatter fence decodes to an empty header and the
// whole input as body; required-field enforcement happens at the schema
// layer, not here. A fence that opens but never closes, or a header that
// is not valid YAML, yields a MalformedDocumentError.
func Decode(raw []byte) (*File, error) {
	if !hasFence(raw) {
		return &File{header: emptyMapping(), Body: string(raw)}, nil
	}

	headerStart := len(fence) + 1
	if bytes.HasPrefix(raw, []byte(fence+"\r\n")) {
		headerStart = len(fence) + 2
	}
	rest := raw[headerStart:]

	end := findClosingFence(rest)
	if end < 0 {
		return nil, &MalformedDocumentError{
			Offset: 0,
			Length: len(raw),
			Err:    fmt.Errorf("unterminated frontmatter fence"),
		}
	}

	headerBytes := rest[:end]
	body := bodyAfterFence(rest[end:])

	var doc yaml.Node
	if err := yaml.Unmarshal(headerBytes, &doc); err != nil {
		return nil, &MalformedDocumentError{
			Offset: headerStart,
			Length: len(headerBytes),
			Err:    err,
		}
	}

	header := emptyMapping()
	if len(doc.Content) > 0 {
		header = doc.Content[0]
		if header.Kind != yaml.MappingNode {
			return nil, &MalformedDocumentError{
				Offset: headerStart,
				Length: len(headerBytes),
				Err:    fmt.Errorf("frontmatter is not a mapping"),
			}
		}
	}

	return &File{header: header, Body: body}, nil
}

// BodyOnly extracts the body from raw file bytes without parsing the
// header. It is the recovery path for files whose header is corrupt.
func BodyOnly(raw []byte) string {
	if !hasFence(raw) {
		return string(raw)
	}
	rest := raw[len(fence)+1:]
	end := findClosingFence(rest)
	if end < 0 {
		return ""
	}
	return bodyAfterFence(rest[end:])
}

// Encode serializes the File back to raw bytes. Untouched header fields
// keep their ordering and comments.
func (f *File) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fence + "\n")

	if len(f.header.Content) > 0 {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(f.header); err != nil {
			return nil, fmt.Errorf("encoding frontmatter: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("closing frontmatter encoder: %w", err)
		}
	}

	buf.WriteString(fence + "\n")
	buf.WriteString(f.Body)
	return buf.Bytes(), nil
}

// Field returns the decoded value of a header field.
func (f *File) Field(key string) (any, bool) {
	_, vn := f.lookup(key)
	if vn == nil {
		return nil, false
	}
	var v any
	if err := vn.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// SetField sets a header field, replacing the value node in place so the
// key's comments and position are retained. Missing keys are appended.
func (f *File) SetField(key string, value any) error {
	var vn yaml.Node
	if err := vn.Encode(value); err != nil {
		return fmt.Errorf("encoding field %q: %w", key, err)
	}

	if _, existing := f.lookup(key); existing != nil {
		// Preserve any trailing comment on the old value.
		vn.LineComment = existing.LineComment
		*existing = vn
		return nil
	}

	kn := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
	f.header.Content = append(f.header.Content, kn, &vn)
	return nil
}

// DeleteField removes a header field. Deleting a missing field is a no-op.
func (f *File) DeleteField(key string) {
	c := f.header.Content
	for i := 0; i+1 < len(c); i += 2 {
		if c[i].Value == key {
			f.header.Content = append(c[:i], c[i+2:]...)
			return
		}
	}
}

// Fields returns the non-reserved header fields as a raw map. This is
// the representation migration functions operate on.
func (f *File) Fields() map[string]any {
	out := make(map[string]any)
	c := f.header.Content
	for i := 0; i+1 < len(c); i += 2 {
		key := c[i].Value
		if isReserved(key) {
			continue
		}
		var v any
		if err := c[i+1].Decode(&v); err != nil {
			continue
		}
		out[key] = v
	}
	return out
}

// ApplyFields syncs the non-reserved header fields to the given raw map:
// changed values are rewritten in place, new keys appended in sorted
// order, and keys absent from the map removed. Fields whose value is
// unchanged keep their exact node, comments included.
func (f *File) ApplyFields(fields map[string]any) error {
	current := f.Fields()

	for key, cur := range current {
		want, ok := fields[key]
		if !ok {
			f.DeleteField(key)
			continue
		}
		if !reflect.DeepEqual(cur, want) {
			if err := f.SetField(key, want); err != nil {
				return err
			}
		}
	}

	added := make([]string, 0, len(fields))
	for key := range fields {
		if _, ok := current[key]; !ok {
			added = append(added, key)
		}
	}
	sort.Strings(added)
	for _, key := range added {
		if err := f.SetField(key, fields[key]); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) lookup(key string) (keyNode, valueNode *yaml.Node) {
	c := f.header.Content
	for i := 0; i+1 < len(c); i += 2 {
		if c[i].Value == key {
			return c[i], c[i+1]
		}
	}
	return nil, nil
}

func isReserved(key string) bool {
	return key == KeyID || key == KeyType || key == KeyVersion || key == KeyRefs
}

func emptyMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func hasFence(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte(fence+"\n")) || bytes.HasPrefix(raw, []byte(fence+"\r\n"))
}

// findClosingFence returns the index in rest where the closing fence
// line starts, or -1 if none exists.
func findClosingFence(rest []byte) int {
	if bytes.HasPrefix(rest, []byte(fence+"\n")) || string(rest) == fence {
		return 0
	}
	for _, marker := range []string{"\n" + fence + "\n", "\n" + fence + "\r\n"} {
		if i := bytes.Index(rest, []byte(marker)); i >= 0 {
			return i + 1
		}
	}
	if bytes.HasSuffix(rest, []byte("\n"+fence)) {
		return len(rest) - len(fence)
	}
	return -1
}

// bodyAfterFence strips the closing fence line and returns the body.
func bodyAfterFence(fromFence []byte) string {
	s := string(fromFence)
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return ""
}
