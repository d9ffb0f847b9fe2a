// Package vault is the facade over the document store: plain files under
// a root directory remain the single source of truth, while an index
// backend carries the derived, queryable view. Every mutation goes file
// first, index second; the index can always be rebuilt from the files.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lorevault/lorevault/internal/document"
	"github.com/lorevault/lorevault/internal/index"
	"github.com/lorevault/lorevault/internal/migration"
	"github.com/lorevault/lorevault/internal/schema"
)

// ErrNotFound is returned when a requested document file does not exist.
var ErrNotFound = errors.New("document not found")

// Vault coordinates the file store, schema layer, migration registry and
// index backend. All collaborators are explicit constructor arguments;
// nothing is process-global.
type Vault struct {
	root     string
	tracker  *schema.Tracker
	registry *migration.Registry
	backend  index.Backend
	embedder Embedder
	embedDim int
	logger   *slog.Logger
}

// Option configures optional vault collaborators.
type Option func(*Vault)

// WithEmbedder enables vector indexing and vector/hybrid search. dim is
// the dimension the index backend is provisioned for; embedder output
// of any other length is rejected rather than stored.
func WithEmbedder(e Embedder, dim int) Option {
	return func(v *Vault) {
		v.embedder = e
		v.embedDim = dim
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// New builds a vault rooted at dir. The directory must exist; documents
// live at <root>/<collection>/<id>.md.
func New(root string, tracker *schema.Tracker, registry *migration.Registry, backend index.Backend, opts ...Option) (*Vault, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("vault root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %q is not a directory", root)
	}

	v := &Vault{
		root:     root,
		tracker:  tracker,
		registry: registry,
		backend:  backend,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Vault) path(collection, id string) string {
	return filepath.Join(v.root, collection, id+".md")
}

// Load reads a document, migrating it in memory if its stored schema
// version is behind the live one. A migrated document comes back with
// Dirty set; the file on disk is untouched until the next Save.
func (v *Vault) Load(ctx context.Context, collection, id string) (*document.Document, error) {
	raw, err := os.ReadFile(v.path(collection, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
		}
		return nil, fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}

	file, err := document.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", collection, id, err)
	}

	doc, err := document.FromFile(file, collection)
	if err != nil {
		return nil, err
	}
	if doc.ID != id {
		return nil, fmt.Errorf("document %s/%s: id field %q does not match filename", collection, id, doc.ID)
	}

	stored := doc.Version
	if v.tracker.NeedsMigration(doc) {
		target := v.tracker.CurrentVersion(doc.Type)
		migrated, err := v.registry.Apply(doc.Type, doc.Fields, stored, target)
		if err != nil {
			return nil, fmt.Errorf("loading %s/%s: %w", collection, id, err)
		}
		doc.Fields = migrated
		doc.Version = target
		doc.Dirty = true
		v.logger.Debug("migrated document in memory",
			"id", doc.ID, "type", doc.Type, "from", stored, "to", target)
	}

	// Validation on load keeps the since-version exemption of the version
	// the file was actually written at, so old documents that predate a
	// required field still load.
	if s, ok := v.tracker.Schema(doc.Type); ok {
		if err := s.Validate(doc, stored); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// Save validates against the live schema, stamps the live version,
// writes the file atomically and then reindexes. Validation failures
// block the write; nothing is coerced.
func (v *Vault) Save(ctx context.Context, doc *document.Document) error {
	if doc.ID == "" || doc.Collection == "" {
		return fmt.Errorf("document needs id and collection before save")
	}

	current := v.tracker.CurrentVersion(doc.Type)
	if s, ok := v.tracker.Schema(doc.Type); ok {
		if err := s.Validate(doc, current); err != nil {
			return err
		}
	}
	doc.Version = current

	file, err := doc.Sync()
	if err != nil {
		return fmt.Errorf("syncing %s/%s: %w", doc.Collection, doc.ID, err)
	}
	raw, err := file.Encode()
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", doc.Collection, doc.ID, err)
	}

	if err := v.writeAtomic(v.path(doc.Collection, doc.ID), raw); err != nil {
		return fmt.Errorf("writing %s/%s: %w", doc.Collection, doc.ID, err)
	}
	doc.Dirty = false

	if err := v.backend.Upsert(ctx, v.toRecord(ctx, doc)); err != nil {
		return fmt.Errorf("indexing %s/%s: %w", doc.Collection, doc.ID, err)
	}
	return nil
}

// writeAtomic writes via a temp file in the target directory plus
// rename, so a crash never leaves a half-written document.
func (v *Vault) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".lorevault-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// toRecord derives the full index record for a document. Embedding
// failures degrade to a text-only record rather than blocking the save.
func (v *Vault) toRecord(ctx context.Context, doc *document.Document) index.Record {
	rec := index.Record{
		ID:         doc.ID,
		Collection: doc.Collection,
		Type:       doc.Type,
		Title:      docTitle(doc),
		Content:    doc.Body,
		Fields:     doc.Fields,
		Refs:       doc.Refs,
		Blocks:     document.Segment(doc.Body),
	}

	if v.embedder != nil {
		text := strings.TrimSpace(rec.Title + "\n\n" + doc.Body)
		if text != "" {
			vec, err := v.embed(ctx, text)
			if err != nil {
				v.logger.Warn("embedding failed, indexing without vector",
					"id", doc.ID, "error", err)
			} else {
				rec.Vector = vec
			}
		}
	}
	return rec
}

// embed runs the embedder and enforces the provisioned dimension. A
// wrong-length vector would fail the server backend's insert and
// silently never match on the embedded one, so it is an error here.
func (v *Vault) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if v.embedDim > 0 && len(vec) != v.embedDim {
		return nil, fmt.Errorf("embedder returned %d dimensions, index expects %d", len(vec), v.embedDim)
	}
	return vec, nil
}

func docTitle(doc *document.Document) string {
	if t, ok := doc.Fields["title"].(string); ok {
		return t
	}
	return doc.ID
}

// Delete removes the file and all derived index state. Deleting a
// document that does not exist is not an error.
func (v *Vault) Delete(ctx context.Context, collection, id string) error {
	if err := os.Remove(v.path(collection, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	if err := v.backend.Delete(ctx, id, collection); err != nil {
		return fmt.Errorf("deindexing %s/%s: %w", collection, id, err)
	}
	return nil
}

// List returns the ids of all documents in a collection, sorted. A
// collection with no directory yet is simply empty.
func (v *Vault) List(collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(v.root, collection))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing collection %q: %w", collection, err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".md"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Rebuild re-derives the whole index for a collection from the files.
// Documents that fail to load are skipped and reported; the rebuild
// itself is atomic at the backend.
func (v *Vault) Rebuild(ctx context.Context, collection string) (int, error) {
	ids, err := v.List(collection)
	if err != nil {
		return 0, err
	}

	records := make([]index.Record, 0, len(ids))
	for _, id := range ids {
		doc, err := v.Load(ctx, collection, id)
		if err != nil {
			v.logger.Warn("skipping unreadable document during rebuild",
				"collection", collection, "id", id, "error", err)
			continue
		}
		records = append(records, v.toRecord(ctx, doc))
	}

	if err := v.backend.Rebuild(ctx, collection, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Backlinks returns every (document, field) pair referencing the given
// id, ordered by source id then field name.
func (v *Vault) Backlinks(ctx context.Context, id string) ([]index.RefEdge, error) {
	return v.backend.ReferencesTo(ctx, id)
}

// Blocks returns a document's addressable blocks in body order.
func (v *Vault) Blocks(ctx context.Context, collection, id string) ([]document.Block, error) {
	return v.backend.Blocks(ctx, id, collection)
}

// Health probes the index backend.
func (v *Vault) Health(ctx context.Context) error {
	return v.backend.Health(ctx)
}
