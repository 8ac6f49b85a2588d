package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"planrag/model"
	"planrag/types"
)

// ErrLengthMismatch signals unequal texts/metadatas/ids inputs. It is a
// caller contract violation and is raised before any embedding work.
var ErrLengthMismatch = errors.New("texts, metadatas and ids must have the same length")

// VectorStorer owns the named context collections.
type VectorStorer interface {
	AddDocuments(ctx context.Context, collection string, texts []string, metadatas []map[string]any, ids []string) error
	RetrieveSimilar(ctx context.Context, collection, queryText string, topK int, filter map[string]string) ([]types.SearchResult, error)
	CollectionStats(ctx context.Context, collection string) (types.CollectionStats, error)
	AllStats(ctx context.Context) (types.StoreStats, error)
	ClearCollection(ctx context.Context, collection string) error
	ClearAll(ctx context.Context) error
}

// PostgresStore keeps documents and their embeddings in Postgres with the
// pgvector extension. Collections are rows in a registry table and are
// materialized lazily on first write.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder model.Embedder
	logger   *zap.Logger
}

func NewPostgresStore(ctx context.Context, connStr string, embedder model.Embedder, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool:     pool,
		embedder: embedder,
		logger:   logger,
	}, nil
}

// AddDocuments embeds texts and upserts them into a collection. Writing
// the same id twice overwrites the stored document. An empty input is a
// logged no-op.
func (p *PostgresStore) AddDocuments(ctx context.Context, collection string, texts []string, metadatas []map[string]any, ids []string) error {
	if len(texts) != len(metadatas) || len(texts) != len(ids) {
		return ErrLengthMismatch
	}
	if len(texts) == 0 {
		p.logger.Warn("no documents to add", zap.String("collection", collection))
		return nil
	}

	embeddings := p.embedder.EmbedTexts(ctx, texts)

	if err := p.ensureCollection(ctx, collection); err != nil {
		return fmt.Errorf("ensure collection %s: %w", collection, err)
	}

	batch := &pgx.Batch{}
	for i := range texts {
		meta, err := json.Marshal(metadatas[i])
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", ids[i], err)
		}
		batch.Queue(`
			INSERT INTO context_documents (collection, id, content, metadata, embedding, indexed_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (collection, id) DO UPDATE SET
				content = EXCLUDED.content,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding,
				indexed_at = EXCLUDED.indexed_at
		`, collection, ids[i], texts[i], meta, pgvector.NewVector(embeddings[i]))
	}

	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert documents into %s: %w", collection, err)
	}

	p.logger.Info("documents added",
		zap.String("collection", collection),
		zap.Int("count", len(texts)))
	return nil
}

// RetrieveSimilar embeds the query and returns up to topK documents
// ascending by cosine distance. When filter is non-empty, only rows whose
// metadata exactly matches every filter pair are considered. An absent or
// empty collection yields an empty slice, not an error.
func (p *PostgresStore) RetrieveSimilar(ctx context.Context, collection, queryText string, topK int, filter map[string]string) ([]types.SearchResult, error) {
	queryVec := p.embedder.EmbedSingle(ctx, queryText)
	vector := pgvector.NewVector(queryVec)

	query := `
		SELECT id, content, metadata, embedding <=> $1 AS distance
		FROM context_documents
		WHERE collection = $2
	`
	args := []any{vector, collection}

	if len(filter) > 0 {
		filterJSON, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata filter: %w", err)
		}
		query += fmt.Sprintf(" AND metadata @> $%d", len(args)+1)
		args = append(args, filterJSON)
	}

	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args)+1)
	args = append(args, topK)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	results := []types.SearchResult{}
	for rows.Next() {
		var r types.SearchResult
		var meta []byte
		if err := rows.Scan(&r.ID, &r.Content, &meta, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan result from %s: %w", collection, err)
		}
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of %s: %w", r.ID, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	p.logger.Debug("similarity query done",
		zap.String("collection", collection),
		zap.Int("results", len(results)))
	return results, nil
}

// CollectionStats returns the document count of one collection. A
// collection that was never written to reports count 0 and Exists false.
func (p *PostgresStore) CollectionStats(ctx context.Context, collection string) (types.CollectionStats, error) {
	stats := types.CollectionStats{Name: collection}

	err := p.pool.QueryRow(ctx,
		`SELECT count(*), EXISTS (SELECT 1 FROM collections WHERE name = $1)
		 FROM context_documents WHERE collection = $1`,
		collection,
	).Scan(&stats.Count, &stats.Exists)
	if err != nil {
		return stats, fmt.Errorf("stats for %s: %w", collection, err)
	}
	return stats, nil
}

// AllStats aggregates stats over the four fixed collections.
func (p *PostgresStore) AllStats(ctx context.Context) (types.StoreStats, error) {
	all := types.StoreStats{Collections: make(map[string]types.CollectionStats)}
	for _, name := range types.AllCollections() {
		stats, err := p.CollectionStats(ctx, name)
		if err != nil {
			return all, err
		}
		all.Collections[name] = stats
		all.TotalDocuments += stats.Count
	}
	return all, nil
}

// ClearCollection removes every document of a collection. Maintenance only.
func (p *PostgresStore) ClearCollection(ctx context.Context, collection string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM context_documents WHERE collection = $1`, collection); err != nil {
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	p.logger.Info("collection cleared", zap.String("collection", collection))
	return nil
}

// ClearAll clears the four fixed collections.
func (p *PostgresStore) ClearAll(ctx context.Context) error {
	for _, name := range types.AllCollections() {
		if err := p.ClearCollection(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) ensureCollection(ctx context.Context, collection string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO collections (name, metric) VALUES ($1, 'cosine') ON CONFLICT (name) DO NOTHING`,
		collection)
	return err
}

func (p *PostgresStore) createContextTables(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		metric TEXT NOT NULL DEFAULT 'cosine',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS context_documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		embedding vector(%d),
		indexed_at TIMESTAMP WITH TIME ZONE DEFAULT now(),
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_context_documents_embedding
		ON context_documents USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100);

	CREATE INDEX IF NOT EXISTS idx_context_documents_metadata
		ON context_documents USING gin (metadata);
	`, p.embedder.Dimensions())

	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PostgresStore) Init(ctx context.Context) error {
	return p.createContextTables(ctx)
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("postgres connection pool closed")
	}
	return nil
}
