// Package sqlite implements the embedded single-writer index backend.
//
// Full text comes from an FTS5 external-content table kept in sync with
// the base table by triggers; vector similarity is a cosine scan over
// little-endian float32 blobs computed in-process. All derived state for
// a document is written in one transaction on the backend's single
// physical connection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/lorevault/lorevault/internal/document"
	"github.com/lorevault/lorevault/internal/index"
)

// Backend is the embedded index backend. Safe for concurrent use; the
// single connection serializes physical writes while WAL-mode readers
// observe the last committed state.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ index.Backend = (*Backend)(nil)

// New opens (and if necessary creates) the index database at dbPath.
func New(dbPath string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}

	return &Backend{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Upsert inserts or replaces all derived state for a document in one
// transaction. The FTS triggers fire inside the same transaction, so
// text, vector and relational state become visible together.
func (b *Backend) Upsert(ctx context.Context, rec index.Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning upsert: %v", index.ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertInTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert of %q: %w", rec.ID, err)
	}

	b.logger.Debug("upserted document", "id", rec.ID, "collection", rec.Collection,
		"blocks", len(rec.Blocks), "refs", len(rec.Refs))
	return nil
}

func upsertInTx(ctx context.Context, tx *sql.Tx, rec index.Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshalling fields for %q: %w", rec.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, collection, doc_type, title, content, fields, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id, collection) DO UPDATE SET
			doc_type = excluded.doc_type,
			title = excluded.title,
			content = excluded.content,
			fields = excluded.fields,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Collection, rec.Type, rec.Title, rec.Content,
		string(fieldsJSON), float32SliceToBytes(rec.Vector))
	if err != nil {
		return fmt.Errorf("upserting document %q: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM refs WHERE source_id = ? AND collection = ?",
		rec.ID, rec.Collection); err != nil {
		return fmt.Errorf("clearing refs of %q: %w", rec.ID, err)
	}
	for _, ref := range rec.Refs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO refs (source_id, collection, field_name, target_id, target_type)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (source_id, collection, field_name, target_id) DO UPDATE SET
				target_type = excluded.target_type
		`, rec.ID, rec.Collection, ref.Field, ref.Target, nullString(ref.TargetType)); err != nil {
			return fmt.Errorf("inserting ref of %q: %w", rec.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM blocks WHERE document_id = ? AND collection = ?",
		rec.ID, rec.Collection); err != nil {
		return fmt.Errorf("clearing blocks of %q: %w", rec.ID, err)
	}
	for _, blk := range rec.Blocks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (document_id, collection, block_id, heading, content, position, block_type)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.Collection, blk.ID, nullString(blk.Heading),
			blk.Content, blk.Position, blk.Type); err != nil {
			return fmt.Errorf("inserting block of %q: %w", rec.ID, err)
		}
	}

	return nil
}

// Delete removes all derived state for a document. Deleting an unknown
// id is a no-op.
func (b *Backend) Delete(ctx context.Context, id, collection string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning delete: %v", index.ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := deleteInTx(ctx, tx, id, collection); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete of %q: %w", id, err)
	}
	return nil
}

func deleteInTx(ctx context.Context, tx *sql.Tx, id, collection string) error {
	// The FTS delete trigger fires on the base-table delete.
	for _, q := range []string{
		"DELETE FROM documents WHERE id = ? AND collection = ?",
		"DELETE FROM refs WHERE source_id = ? AND collection = ?",
		"DELETE FROM blocks WHERE document_id = ? AND collection = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id, collection); err != nil {
			return fmt.Errorf("deleting %q: %w", id, err)
		}
	}
	return nil
}

// SearchText ranks documents by FTS5 bm25 relevance. Scores are negated
// bm25 values so that, as everywhere else, higher means more relevant.
func (b *Backend) SearchText(ctx context.Context, query, collection string, f index.Filters, limit int) ([]index.Result, error) {
	match := buildMatchQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	where, args := filterClause(f)
	args = append([]any{match, collection}, args...)
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, `
		SELECT d.id, d.collection, d.doc_type, d.title, bm25(documents_fts) AS rank
		FROM documents_fts
		JOIN documents d ON d.rowid = documents_fts.rowid
		WHERE documents_fts MATCH ? AND d.collection = ?`+where+`
		ORDER BY rank ASC, d.id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()

	var results []index.Result
	for rows.Next() {
		var r index.Result
		var rank float64
		if err := rows.Scan(&r.ID, &r.Collection, &r.Type, &r.Title, &rank); err != nil {
			return nil, fmt.Errorf("scanning text result: %w", err)
		}
		r.Score = -rank
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating text results: %w", err)
	}
	return results, nil
}

// SearchVector ranks documents by cosine similarity, computed in-process
// over the stored embedding blobs.
func (b *Backend) SearchVector(ctx context.Context, embedding []float32, collection string, f index.Filters, limit int) ([]index.Result, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}

	where, args := filterClause(f)
	args = append([]any{collection}, args...)

	rows, err := b.db.QueryContext(ctx, `
		SELECT d.id, d.collection, d.doc_type, d.title, d.embedding
		FROM documents d
		WHERE d.collection = ? AND d.embedding IS NOT NULL`+where,
		args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []index.Result
	for rows.Next() {
		var r index.Result
		var blob []byte
		if err := rows.Scan(&r.ID, &r.Collection, &r.Type, &r.Title, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector result: %w", err)
		}
		vec := bytesToFloat32Slice(blob)
		if len(vec) != len(embedding) {
			continue
		}
		r.Score = cosineSimilarity(embedding, vec)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector results: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchHybrid fuses text and vector rankings with the shared
// rank-fusion step, never inside a native query, so ordering semantics
// match the server-grade backend exactly.
func (b *Backend) SearchHybrid(ctx context.Context, query string, embedding []float32, collection string, f index.Filters, limit int) ([]index.Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	depth := index.HybridCandidates(limit)

	text, err := b.SearchText(ctx, query, collection, f, depth)
	if err != nil {
		return nil, err
	}
	vector, err := b.SearchVector(ctx, embedding, collection, f, depth)
	if err != nil {
		return nil, err
	}
	return index.FuseRanked(text, vector, limit), nil
}

// ReferencesTo is the reverse lookup over the refs table.
func (b *Backend) ReferencesTo(ctx context.Context, id string) ([]index.RefEdge, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT source_id, field_name FROM refs
		WHERE target_id = ?
		ORDER BY source_id, field_name
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying references to %q: %w", id, err)
	}
	defer rows.Close()

	var edges []index.RefEdge
	for rows.Next() {
		var e index.RefEdge
		if err := rows.Scan(&e.SourceID, &e.Field); err != nil {
			return nil, fmt.Errorf("scanning reference: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating references: %w", err)
	}
	return edges, nil
}

// Blocks returns a document's blocks ordered by position.
func (b *Backend) Blocks(ctx context.Context, id, collection string) ([]document.Block, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT block_id, heading, content, position, block_type
		FROM blocks
		WHERE document_id = ? AND collection = ?
		ORDER BY position
	`, id, collection)
	if err != nil {
		return nil, fmt.Errorf("querying blocks of %q: %w", id, err)
	}
	defer rows.Close()

	var blocks []document.Block
	for rows.Next() {
		var blk document.Block
		var heading sql.NullString
		if err := rows.Scan(&blk.ID, &heading, &blk.Content, &blk.Position, &blk.Type); err != nil {
			return nil, fmt.Errorf("scanning block: %w", err)
		}
		blk.Heading = heading.String
		blocks = append(blocks, blk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocks: %w", err)
	}
	return blocks, nil
}

// Rebuild drops and repopulates all derived state for a collection in a
// single transaction: readers see the old index until commit, then the
// fully rebuilt one, never a partial state.
func (b *Backend) Rebuild(ctx context.Context, collection string, records []index.Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning rebuild: %v", index.ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		"DELETE FROM documents WHERE collection = ?",
		"DELETE FROM refs WHERE collection = ?",
		"DELETE FROM blocks WHERE collection = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, collection); err != nil {
			return fmt.Errorf("clearing collection %q: %w", collection, err)
		}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			// Cancellation rolls the transaction back; the old index
			// stays intact.
			return fmt.Errorf("rebuild of %q canceled: %w", collection, err)
		}
		if err := upsertInTx(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rebuild of %q: %w", collection, err)
	}

	b.logger.Info("rebuilt collection index", "collection", collection, "documents", len(records))
	return nil
}

// Health pings the database.
func (b *Backend) Health(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}
	var one int
	if err := b.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}
	return nil
}

// buildMatchQuery quotes each whitespace-separated term so user input
// cannot inject FTS5 query syntax.
func buildMatchQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

// filterClause renders Filters into additional WHERE conditions.
// Field values compare as text against the JSON column.
func filterClause(f index.Filters) (string, []any) {
	var sb strings.Builder
	var args []any

	if f.Type != "" {
		sb.WriteString(" AND d.doc_type = ?")
		args = append(args, f.Type)
	}

	// Sorted keys keep the generated SQL deterministic.
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" AND CAST(json_extract(d.fields, ?) AS TEXT) = ?")
		args = append(args, "$."+k, f.Fields[k])
	}

	return sb.String(), args
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// float32SliceToBytes encodes an embedding as little-endian float32 for
// blob storage. Nil in, nil out.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice decodes a stored embedding blob.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}

// cosineSimilarity returns the cosine of the angle between two equal-
// length vectors, in [-1, 1].
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
