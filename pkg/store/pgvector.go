package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/lexical"
	"github.com/xhad/ctxrag/pkg/ranking"
)

const (
	IndexHNSW    = "hnsw"
	IndexIVFFlat = "ivfflat"
)

type VectorStoreConfig struct {
	ConnString     string
	SourcesTable   string
	ChunksTable    string
	SettingsTable  string
	VectorDim      int
	SearchLanguage string
	EmbeddingModel string
	IndexType      string
	IndexLists     int
}

// VectorStore is the Postgres + pgvector store. The lexical column is
// generated by the database from content_for_search, so it always follows
// the text it indexes.
type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*VectorStore, error) {
	if config.SourcesTable == "" {
		config.SourcesTable = "kb_sources"
	}
	if config.ChunksTable == "" {
		config.ChunksTable = "kb_chunks"
	}
	if config.SettingsTable == "" {
		config.SettingsTable = "kb_settings"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768 // Default for nomic-embed-text
	}
	if config.SearchLanguage == "" {
		config.SearchLanguage = DefaultSearchLanguage
	}
	if config.IndexType == "" {
		config.IndexType = IndexHNSW
	}
	if config.IndexLists == 0 {
		config.IndexLists = 100
	}

	if config.VectorDim < 0 {
		return nil, fmt.Errorf("%w: vector dimension must be positive", models.ErrValidation)
	}
	if !lexical.IsSupported(config.SearchLanguage) {
		return nil, fmt.Errorf("%w: unsupported search language %q", models.ErrValidation, config.SearchLanguage)
	}
	if config.IndexType != IndexHNSW && config.IndexType != IndexIVFFlat {
		return nil, fmt.Errorf("%w: unsupported index type %q", models.ErrValidation, config.IndexType)
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %w", models.ErrPersistence, err)
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
		logger: slog.Default().With("component", "store"),
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) SearchLanguage() string { return vs.config.SearchLanguage }

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

const sourceColumns = `id, source_type, title, file_name, file_size, mime_type, url,
	category, tags, description, tenant_id, status, error_message, chunk_count,
	content_hash, created_at, updated_at`

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanSource(row pgx.Row) (*models.Source, error) {
	var (
		src                models.Source
		sourceType, status string
		fileSize           *int64

		fileName, mimeType, url, category, desc, tenant, hash *string
	)
	err := row.Scan(&src.ID, &sourceType, &src.Title, &fileName, &fileSize, &mimeType, &url,
		&category, &src.Tags, &desc, &tenant, &status, &src.ErrorMessage, &src.ChunkCount,
		&hash, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}

	src.Type = models.SourceType(sourceType)
	src.Status = models.Status(status)
	src.FileName = deref(fileName)
	src.MimeType = deref(mimeType)
	src.URL = deref(url)
	src.Category = deref(category)
	src.Description = deref(desc)
	src.TenantID = deref(tenant)
	src.ContentHash = deref(hash)
	if fileSize != nil {
		src.FileSize = *fileSize
	}
	return &src, nil
}

func (vs *VectorStore) CreateSource(ctx context.Context, src *models.Source) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if src.ID == "" {
		src.ID = newID()
	}
	if src.Tags == nil {
		src.Tags = []string{}
	}

	var fileSize *int64
	if src.Type == models.SourceTypeFile {
		fileSize = &src.FileSize
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, source_type, title, file_name, file_size, mime_type, url,
			category, tags, description, tenant_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending')
		RETURNING created_at, updated_at`,
		ident(vs.config.SourcesTable))

	err := vs.pool.QueryRow(ctx, query,
		src.ID,
		string(src.Type),
		sanitizeUTF8(src.Title),
		nullable(src.FileName),
		fileSize,
		nullable(src.MimeType),
		nullable(src.URL),
		nullable(src.Category),
		src.Tags,
		nullable(src.Description),
		nullable(src.TenantID),
	).Scan(&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to insert source: %w", models.ErrPersistence, err)
	}

	src.Status = models.StatusPending
	src.ErrorMessage = nil
	src.ChunkCount = 0
	src.ContentHash = ""
	return nil
}

func (vs *VectorStore) GetSource(ctx context.Context, id string) (*models.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, sourceColumns, ident(vs.config.SourcesTable))
	src, err := scanSource(vs.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get source: %w", models.ErrPersistence, err)
	}
	return src, nil
}

func (vs *VectorStore) ListSources(ctx context.Context, filter models.SourceFilter) ([]models.Source, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("status", string(filter.Status))
	add("category", filter.Category)
	add("source_type", string(filter.Type))
	add("tenant_id", filter.TenantID)

	query := fmt.Sprintf(`SELECT %s FROM %s`, sourceColumns, ident(vs.config.SourcesTable))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list sources: %w", models.ErrPersistence, err)
	}
	defer rows.Close()

	out := []models.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan source: %w", models.ErrPersistence, err)
		}
		out = append(out, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list sources: %w", models.ErrPersistence, err)
	}
	return out, nil
}

func (vs *VectorStore) FindSourceByHash(ctx context.Context, contentHash string) (*models.Source, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE content_hash = $1 AND status = 'completed'
		ORDER BY created_at
		LIMIT 1`, sourceColumns, ident(vs.config.SourcesTable))

	src, err := scanSource(vs.pool.QueryRow(ctx, query, contentHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no completed source with hash %s", models.ErrNotFound, contentHash)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find source: %w", models.ErrPersistence, err)
	}
	return src, nil
}

// UpdateSourceStatus applies the transition only if the current status
// allows it, in a single conditional update.
func (vs *VectorStore) UpdateSourceStatus(ctx context.Context, id string, update models.StatusUpdate) error {
	if err := checkStatusUpdate(update); err != nil {
		return err
	}

	from := make([]string, 0, 2)
	for _, s := range models.AllowedFrom(update.Status) {
		from = append(from, string(s))
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1 AND status = ANY($4)`,
		ident(vs.config.SourcesTable))

	tag, err := vs.pool.Exec(ctx, query, id, string(update.Status), errorMessage(update), from)
	if err != nil {
		return fmt.Errorf("%w: failed to update source status: %w", models.ErrPersistence, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := vs.GetSource(ctx, id)
	if err != nil {
		return err
	}
	return invalidTransition(id, current.Status, update.Status)
}

// lockSource reads the status of a source inside tx, holding its row lock
// until the transaction ends.
func (vs *VectorStore) lockSource(ctx context.Context, tx pgx.Tx, id string) (models.Status, error) {
	var status string
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT status FROM %s WHERE id = $1 FOR UPDATE`, ident(vs.config.SourcesTable)),
		id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound(id)
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to lock source: %w", models.ErrPersistence, err)
	}
	return models.Status(status), nil
}

// CommitChunks writes every chunk and completes the source in one
// transaction. Readers see either none of the chunks or all of them
// together with status completed.
func (vs *VectorStore) CommitChunks(ctx context.Context, sourceID string, chunks []models.Chunk, contentHash string) error {
	prepared, err := prepareChunks(sourceID, chunks, vs.config.VectorDim)
	if err != nil {
		return err
	}

	// Begin transaction
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", models.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	status, err := vs.lockSource(ctx, tx, sourceID)
	if err != nil {
		return err
	}
	if !status.CanTransitionTo(models.StatusCompleted) {
		return invalidTransition(sourceID, status, models.StatusCompleted)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, content, context, content_for_search, chunk_index,
			embedding, token_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ident(vs.config.ChunksTable))

	batch := &pgx.Batch{}
	for _, c := range prepared {
		metadata := c.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		batch.Queue(stmt,
			c.ID,
			c.SourceID,
			c.Content,
			c.Context,
			c.ContentForSearch,
			c.ChunkIndex,
			pgvector.NewVector(c.Embedding),
			c.TokenCount,
			metadata,
			c.CreatedAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for _, c := range prepared {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("%w: failed to insert chunk %d: %w", models.ErrPersistence, c.ChunkIndex, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("%w: failed to insert chunks: %w", models.ErrPersistence, err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed', chunk_count = $2, content_hash = $3,
			error_message = NULL, updated_at = now()
		WHERE id = $1`, ident(vs.config.SourcesTable)),
		sourceID, len(prepared), nullable(contentHash))
	if err != nil {
		return fmt.Errorf("%w: failed to complete source: %w", models.ErrPersistence, err)
	}

	// Commit transaction
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %w", models.ErrPersistence, err)
	}

	vs.logger.Debug("committed chunks", "source", sourceID, "chunks", len(prepared))
	return nil
}

func (vs *VectorStore) DeleteSource(ctx context.Context, id string) error {
	tag, err := vs.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ident(vs.config.SourcesTable)), id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete source: %w", models.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (vs *VectorStore) ResetSource(ctx context.Context, id string) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", models.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	status, err := vs.lockSource(ctx, tx, id)
	if err != nil {
		return err
	}
	if !resettable(status) {
		return invalidTransition(id, status, models.StatusPending)
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE source_id = $1`, ident(vs.config.ChunksTable)), id); err != nil {
		return fmt.Errorf("%w: failed to delete chunks: %w", models.ErrPersistence, err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', chunk_count = 0, error_message = NULL,
			content_hash = NULL, updated_at = now()
		WHERE id = $1`, ident(vs.config.SourcesTable)), id)
	if err != nil {
		return fmt.Errorf("%w: failed to reset source: %w", models.ErrPersistence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %w", models.ErrPersistence, err)
	}
	return nil
}

func limitArg(max int) interface{} {
	if max <= 0 {
		return nil
	}
	return max
}

// HybridSearch selects chunks of completed sources that are either close
// enough to the query embedding or match any query term, then ranks them by
// the fused score.
func (vs *VectorStore) HybridSearch(ctx context.Context, params models.SearchParams) ([]models.SearchResult, error) {
	if err := vs.checkSearch(params); err != nil {
		return nil, err
	}
	weights := ranking.Weights{Vector: params.VectorWeight, BM25: params.BM25Weight}
	if err := weights.Validate(); err != nil {
		return nil, err
	}

	// plainto_tsquery joins terms with AND; rewriting to OR lets a chunk
	// match on any query term.
	query := fmt.Sprintf(`
		WITH q AS (
			SELECT NULLIF(replace(plainto_tsquery($2::regconfig, $3)::text, '&', '|'), '')::tsquery AS tsq
		),
		scored AS (
			SELECT c.id, c.source_id, s.title, s.source_type, c.content, c.context,
				c.chunk_index, c.metadata, s.created_at AS source_created_at,
				1 - (c.embedding <=> $1) AS vector_similarity,
				CASE WHEN q.tsq IS NOT NULL AND c.search_vector @@ q.tsq
					THEN ts_rank(c.search_vector, q.tsq)::float8 ELSE 0 END AS text_rank,
				(q.tsq IS NOT NULL AND c.search_vector @@ q.tsq) AS lexical_match
			FROM %s c
			JOIN %s s ON s.id = c.source_id
			CROSS JOIN q
			WHERE s.status = 'completed'
				AND ($4::text = '' OR s.category = $4)
				AND ($5::text = '' OR s.source_type = $5)
				AND ($6::text = '' OR s.tenant_id = $6)
		)
		SELECT id, source_id, title, source_type, content, context, chunk_index, metadata,
			source_created_at, vector_similarity, text_rank
		FROM scored
		WHERE vector_similarity > $7 OR lexical_match
		ORDER BY $8::float8 * vector_similarity + $9::float8 * text_rank DESC,
			chunk_index, source_created_at, id
		LIMIT $10`,
		ident(vs.config.ChunksTable), ident(vs.config.SourcesTable))

	rows, err := vs.pool.Query(ctx, query,
		pgvector.NewVector(params.QueryEmbedding),
		vs.config.SearchLanguage,
		params.QueryText,
		params.Filters.Category,
		string(params.Filters.SourceType),
		params.Filters.TenantID,
		params.SimilarityFloor,
		weights.Vector,
		weights.BM25,
		limitArg(params.MaxResults),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: hybrid search failed: %w", models.ErrPersistence, err)
	}

	results, err := scanResults(rows, func(r *models.SearchResult) {
		r.CombinedScore = ranking.Fuse(r.VectorSimilarity, r.TextRank, weights)
	})
	if err != nil {
		return nil, err
	}

	ranking.Sort(results)
	return ranking.Truncate(results, params.MaxResults), nil
}

// VectorSearch ranks chunks of completed sources by similarity alone.
func (vs *VectorStore) VectorSearch(ctx context.Context, params models.SearchParams) ([]models.SearchResult, error) {
	if err := vs.checkSearch(params); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT * FROM (
			SELECT c.id, c.source_id, s.title, s.source_type, c.content, c.context,
				c.chunk_index, c.metadata, s.created_at AS source_created_at,
				1 - (c.embedding <=> $1) AS vector_similarity,
				0::float8 AS text_rank
			FROM %s c
			JOIN %s s ON s.id = c.source_id
			WHERE s.status = 'completed'
				AND ($2::text = '' OR s.category = $2)
				AND ($3::text = '' OR s.source_type = $3)
				AND ($4::text = '' OR s.tenant_id = $4)
		) scored
		WHERE vector_similarity > $5
		ORDER BY vector_similarity DESC, chunk_index, source_created_at, id
		LIMIT $6`,
		ident(vs.config.ChunksTable), ident(vs.config.SourcesTable))

	rows, err := vs.pool.Query(ctx, query,
		pgvector.NewVector(params.QueryEmbedding),
		params.Filters.Category,
		string(params.Filters.SourceType),
		params.Filters.TenantID,
		params.SimilarityFloor,
		limitArg(params.MaxResults),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search failed: %w", models.ErrPersistence, err)
	}

	results, err := scanResults(rows, func(r *models.SearchResult) {
		r.CombinedScore = r.VectorSimilarity
	})
	if err != nil {
		return nil, err
	}

	ranking.Sort(results)
	return ranking.Truncate(results, params.MaxResults), nil
}

func (vs *VectorStore) checkSearch(params models.SearchParams) error {
	if params.SearchLanguage != "" && params.SearchLanguage != vs.config.SearchLanguage {
		return languageMismatch(params.SearchLanguage, vs.config.SearchLanguage)
	}
	if len(params.QueryEmbedding) == 0 {
		return fmt.Errorf("%w: query embedding is required", models.ErrValidation)
	}
	if len(params.QueryEmbedding) != vs.config.VectorDim {
		return fmt.Errorf("%w: query embedding has %d dimensions, store expects %d",
			models.ErrConfigMismatch, len(params.QueryEmbedding), vs.config.VectorDim)
	}
	return nil
}

func scanResults(rows pgx.Rows, score func(*models.SearchResult)) ([]models.SearchResult, error) {
	defer rows.Close()

	results := []models.SearchResult{}
	for rows.Next() {
		var (
			r          models.SearchResult
			sourceType string
		)
		err := rows.Scan(
			&r.ChunkID,
			&r.SourceID,
			&r.SourceTitle,
			&sourceType,
			&r.Content,
			&r.Context,
			&r.ChunkIndex,
			&r.Metadata,
			&r.SourceCreatedAt,
			&r.VectorSimilarity,
			&r.TextRank,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", models.ErrPersistence, err)
		}
		r.SourceType = models.SourceType(sourceType)
		score(&r)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read results: %w", models.ErrPersistence, err)
	}
	return results, nil
}
