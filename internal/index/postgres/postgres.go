// Package postgres implements the server-grade concurrent index backend.
//
// Full text uses a weighted generated tsvector column (title weight A,
// body weight B) with a GIN index and ts_rank ranking; vector similarity
// uses a pgvector column behind an HNSW cosine index. Hybrid search
// fuses the two rankings in application code with the shared rank-fusion
// step, not in a native query, so its ordering matches the embedded
// backend exactly.
//
// Unlike the embedded backend, many writers may run concurrently; the
// atomicity guarantee is per document, carried by one transaction per
// upsert.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/lorevault/lorevault/internal/document"
	"github.com/lorevault/lorevault/internal/index"
)

// EmbeddingDim is the vector dimension the index schema is provisioned
// with. The documents table declares vector(768); changing the
// dimension requires a DDL migration.
const EmbeddingDim = 768

// Backend is the PostgreSQL index backend. Safe for concurrent use.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ index.Backend = (*Backend)(nil)

// New connects to PostgreSQL, runs pending schema migrations and returns
// the backend. connURL must be a postgres:// URL; the same URL is used
// for golang-migrate and the pgx pool.
func New(ctx context.Context, connURL string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := Migrate(connURL, logger); err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}

	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parsing connection URL: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}

	return &Backend{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (b *Backend) Close() {
	b.pool.Close()
}

// Upsert inserts or replaces all derived state for a document in one
// transaction. The generated tsvector column updates with the base row,
// so text, vector and relational state commit together.
func (b *Backend) Upsert(ctx context.Context, rec index.Record) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: beginning upsert: %v", index.ErrUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := upsertInTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing upsert of %q: %w", rec.ID, err)
	}

	b.logger.Debug("upserted document", "id", rec.ID, "collection", rec.Collection,
		"blocks", len(rec.Blocks), "refs", len(rec.Refs))
	return nil
}

func upsertInTx(ctx context.Context, tx pgx.Tx, rec index.Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshalling fields for %q: %w", rec.ID, err)
	}

	var embedding *pgvector.Vector
	if len(rec.Vector) > 0 {
		v := pgvector.NewVector(rec.Vector)
		embedding = &v
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, collection, doc_type, title, content, fields, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id, collection) DO UPDATE SET
			doc_type = excluded.doc_type,
			title = excluded.title,
			content = excluded.content,
			fields = excluded.fields,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Collection, rec.Type, rec.Title, rec.Content, fieldsJSON, embedding)
	if err != nil {
		return fmt.Errorf("upserting document %q: %w", rec.ID, err)
	}

	if _, err := tx.Exec(ctx,
		"DELETE FROM refs WHERE source_id = $1 AND collection = $2",
		rec.ID, rec.Collection); err != nil {
		return fmt.Errorf("clearing refs of %q: %w", rec.ID, err)
	}
	for _, ref := range rec.Refs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO refs (source_id, collection, field_name, target_id, target_type)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			ON CONFLICT (source_id, collection, field_name, target_id) DO UPDATE SET
				target_type = excluded.target_type
		`, rec.ID, rec.Collection, ref.Field, ref.Target, ref.TargetType); err != nil {
			return fmt.Errorf("inserting ref of %q: %w", rec.ID, err)
		}
	}

	if _, err := tx.Exec(ctx,
		"DELETE FROM blocks WHERE document_id = $1 AND collection = $2",
		rec.ID, rec.Collection); err != nil {
		return fmt.Errorf("clearing blocks of %q: %w", rec.ID, err)
	}
	for _, blk := range rec.Blocks {
		if _, err := tx.Exec(ctx, `
			INSERT INTO blocks (document_id, collection, block_id, heading, content, position, block_type)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		`, rec.ID, rec.Collection, blk.ID, blk.Heading, blk.Content, blk.Position, blk.Type); err != nil {
			return fmt.Errorf("inserting block of %q: %w", rec.ID, err)
		}
	}

	return nil
}

// Delete removes all derived state for a document. Deleting an unknown
// id is a no-op.
func (b *Backend) Delete(ctx context.Context, id, collection string) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: beginning delete: %v", index.ErrUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, q := range []string{
		"DELETE FROM documents WHERE id = $1 AND collection = $2",
		"DELETE FROM refs WHERE source_id = $1 AND collection = $2",
		"DELETE FROM blocks WHERE document_id = $1 AND collection = $2",
	} {
		if _, err := tx.Exec(ctx, q, id, collection); err != nil {
			return fmt.Errorf("deleting %q: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing delete of %q: %w", id, err)
	}
	return nil
}

// SearchText ranks documents with ts_rank over the weighted tsvector.
func (b *Backend) SearchText(ctx context.Context, query, collection string, f index.Filters, limit int) ([]index.Result, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	where, args := filterClause(f, 3)
	args = append([]any{query, collection}, args...)
	args = append(args, limit)

	rows, err := b.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, collection, doc_type, title,
		       ts_rank(search, websearch_to_tsquery('english', $1)) AS rank
		FROM documents
		WHERE collection = $2
		  AND search @@ websearch_to_tsquery('english', $1)%s
		ORDER BY rank DESC, id ASC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// SearchVector ranks documents by cosine similarity via the HNSW index.
func (b *Backend) SearchVector(ctx context.Context, embedding []float32, collection string, f index.Filters, limit int) ([]index.Result, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}

	vec := pgvector.NewVector(embedding)
	where, args := filterClause(f, 3)
	args = append([]any{vec, collection}, args...)
	args = append(args, limit)

	rows, err := b.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, collection, doc_type, title,
		       1 - (embedding <=> $1) AS similarity
		FROM documents
		WHERE collection = $2 AND embedding IS NOT NULL%s
		ORDER BY embedding <=> $1 ASC, id ASC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// SearchHybrid runs both rankings and fuses them at application level.
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
	rows, err := b.pool.Query(ctx, `
		SELECT source_id, field_name FROM refs
		WHERE target_id = $1
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
	rows, err := b.pool.Query(ctx, `
		SELECT block_id, coalesce(heading, ''), content, position, block_type
		FROM blocks
		WHERE document_id = $1 AND collection = $2
		ORDER BY position
	`, id, collection)
	if err != nil {
		return nil, fmt.Errorf("querying blocks of %q: %w", id, err)
	}
	defer rows.Close()

	var blocks []document.Block
	for rows.Next() {
		var blk document.Block
		if err := rows.Scan(&blk.ID, &blk.Heading, &blk.Content, &blk.Position, &blk.Type); err != nil {
			return nil, fmt.Errorf("scanning block: %w", err)
		}
		blocks = append(blocks, blk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocks: %w", err)
	}
	return blocks, nil
}

// Rebuild drops and repopulates all derived state for a collection in a
// single transaction, so readers see either the old or the fully rebuilt
// index, never a partial one. Cancellation rolls everything back.
func (b *Backend) Rebuild(ctx context.Context, collection string, records []index.Record) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: beginning rebuild: %v", index.ErrUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, q := range []string{
		"DELETE FROM documents WHERE collection = $1",
		"DELETE FROM refs WHERE collection = $1",
		"DELETE FROM blocks WHERE collection = $1",
	} {
		if _, err := tx.Exec(ctx, q, collection); err != nil {
			return fmt.Errorf("clearing collection %q: %w", collection, err)
		}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rebuild of %q canceled: %w", collection, err)
		}
		if err := upsertInTx(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing rebuild of %q: %w", collection, err)
	}

	b.logger.Info("rebuilt collection index", "collection", collection, "documents", len(records))
	return nil
}

// Health pings the pool.
func (b *Backend) Health(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}
	return nil
}

func scanResults(rows pgx.Rows) ([]index.Result, error) {
	var results []index.Result
	for rows.Next() {
		var r index.Result
		if err := rows.Scan(&r.ID, &r.Collection, &r.Type, &r.Title, &r.Score); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}
	return results, nil
}

// filterClause renders Filters into additional WHERE conditions using
// numbered parameters starting at next. Field values compare as text.
func filterClause(f index.Filters, next int) (string, []any) {
	var sb strings.Builder
	var args []any

	if f.Type != "" {
		fmt.Fprintf(&sb, " AND doc_type = $%d", next)
		args = append(args, f.Type)
		next++
	}

	// Sorted keys keep the generated SQL deterministic.
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " AND fields->>$%d = $%d", next, next+1)
		args = append(args, k, f.Fields[k])
		next += 2
	}

	return sb.String(), args
}
