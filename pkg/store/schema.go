package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xhad/ctxrag/internal/models"
)

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (vs *VectorStore) schema() []string {
	sources := ident(vs.config.SourcesTable)
	chunks := ident(vs.config.ChunksTable)
	settings := ident(vs.config.SettingsTable)

	var embeddingIndex string
	switch vs.config.IndexType {
	case IndexIVFFlat:
		embeddingIndex = fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d)`,
			ident(vs.config.ChunksTable+"_embedding_idx"), chunks, vs.config.IndexLists)
	default:
		embeddingIndex = fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING hnsw (embedding vector_cosine_ops)`,
			ident(vs.config.ChunksTable+"_embedding_idx"), chunks)
	}

	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`, settings),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL CHECK (source_type IN ('file', 'url', 'text')),
			title TEXT NOT NULL,
			file_name TEXT,
			file_size BIGINT,
			mime_type TEXT,
			url TEXT,
			category TEXT,
			tags TEXT[] NOT NULL DEFAULT '{}',
			description TEXT,
			tenant_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
			error_message TEXT,
			chunk_count INTEGER NOT NULL DEFAULT 0 CHECK (chunk_count >= 0),
			content_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (
				(source_type = 'file' AND file_name IS NOT NULL AND url IS NULL) OR
				(source_type = 'url' AND url IS NOT NULL AND file_name IS NULL AND file_size IS NULL AND mime_type IS NULL) OR
				(source_type = 'text' AND url IS NULL AND file_name IS NULL AND file_size IS NULL AND mime_type IS NULL)
			)
		)`, sources),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			context TEXT,
			content_for_search TEXT NOT NULL,
			chunk_index INTEGER NOT NULL CHECK (chunk_index >= 0),
			embedding vector(%d) NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			search_vector tsvector GENERATED ALWAYS AS (to_tsvector('%s'::regconfig, content_for_search)) STORED,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (source_id, chunk_index)
		)`, chunks, sources, vs.config.VectorDim, vs.config.SearchLanguage),

		embeddingIndex,

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gin (search_vector)`,
			ident(vs.config.ChunksTable+"_search_idx"), chunks),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (source_id)`,
			ident(vs.config.ChunksTable+"_source_idx"), chunks),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status)`,
			ident(vs.config.SourcesTable+"_status_idx"), sources),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (category)`,
			ident(vs.config.SourcesTable+"_category_idx"), sources),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (source_type)`,
			ident(vs.config.SourcesTable+"_type_idx"), sources),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at)`,
			ident(vs.config.SourcesTable+"_created_idx"), sources),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (content_hash)`,
			ident(vs.config.SourcesTable+"_hash_idx"), sources),
	}
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	for _, stmt := range vs.schema() {
		if _, err := vs.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: failed to initialize schema: %w", models.ErrPersistence, err)
		}
	}
	return vs.checkSettings(ctx)
}

// checkSettings records the index-defining settings on first start and
// refuses to open a database created with different ones.
func (vs *VectorStore) checkSettings(ctx context.Context) error {
	settings := ident(vs.config.SettingsTable)
	expected := []struct{ key, value string }{
		{"search_language", vs.config.SearchLanguage},
		{"vector_dim", fmt.Sprint(vs.config.VectorDim)},
		{"embedding_model", vs.config.EmbeddingModel},
	}

	for _, s := range expected {
		if s.value == "" {
			continue
		}
		_, err := vs.pool.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, settings),
			s.key, s.value)
		if err != nil {
			return fmt.Errorf("%w: failed to record setting %s: %w", models.ErrPersistence, s.key, err)
		}

		var stored string
		err = vs.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, settings), s.key).Scan(&stored)
		if err != nil {
			return fmt.Errorf("%w: failed to read setting %s: %w", models.ErrPersistence, s.key, err)
		}
		if stored != s.value {
			return fmt.Errorf("%w: %s is %q but the database was built with %q",
				models.ErrConfigMismatch, s.key, s.value, stored)
		}
	}
	return nil
}
