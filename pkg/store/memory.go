package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/lexical"
	"github.com/xhad/ctxrag/pkg/ranking"
)

type MemoryStoreConfig struct {
	SearchLanguage string
	VectorDim      int // 0 accepts any dimension
}

type memoryChunk struct {
	chunk models.Chunk
	doc   lexical.Document
}

// MemoryStore keeps sources and chunks in process. It applies the same
// lifecycle rules and ranking as VectorStore; every write happens under one
// lock so readers never observe a partially committed source.
type MemoryStore struct {
	config   MemoryStoreConfig
	analyzer *lexical.Analyzer

	mu      sync.RWMutex
	sources map[string]*models.Source
	chunks  map[string][]memoryChunk
}

func NewMemoryStore(config MemoryStoreConfig) (*MemoryStore, error) {
	if config.SearchLanguage == "" {
		config.SearchLanguage = DefaultSearchLanguage
	}
	analyzer, err := lexical.New(config.SearchLanguage)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		config:   config,
		analyzer: analyzer,
		sources:  make(map[string]*models.Source),
		chunks:   make(map[string][]memoryChunk),
	}, nil
}

func (m *MemoryStore) SearchLanguage() string { return m.config.SearchLanguage }

func (m *MemoryStore) Close() {}

func (m *MemoryStore) CreateSource(ctx context.Context, src *models.Source) error {
	if err := src.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if src.ID == "" {
		src.ID = newID()
	}
	if _, exists := m.sources[src.ID]; exists {
		return fmt.Errorf("%w: source %s already exists", models.ErrPersistence, src.ID)
	}

	now := time.Now().UTC()
	src.Title = sanitizeUTF8(src.Title)
	src.Status = models.StatusPending
	src.ErrorMessage = nil
	src.ChunkCount = 0
	src.ContentHash = ""
	src.CreatedAt = now
	src.UpdatedAt = now

	stored := copySource(src)
	m.sources[src.ID] = &stored
	return nil
}

func (m *MemoryStore) GetSource(ctx context.Context, id string) (*models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src, ok := m.sources[id]
	if !ok {
		return nil, notFound(id)
	}
	out := copySource(src)
	return &out, nil
}

func (m *MemoryStore) ListSources(ctx context.Context, filter models.SourceFilter) ([]models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Source, 0, len(m.sources))
	for _, src := range m.sources {
		if filter.Status != "" && src.Status != filter.Status {
			continue
		}
		if filter.Category != "" && src.Category != filter.Category {
			continue
		}
		if filter.Type != "" && src.Type != filter.Type {
			continue
		}
		if filter.TenantID != "" && src.TenantID != filter.TenantID {
			continue
		}
		out = append(out, copySource(src))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) FindSourceByHash(ctx context.Context, contentHash string) (*models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.Source
	for _, src := range m.sources {
		if src.Status != models.StatusCompleted || src.ContentHash != contentHash {
			continue
		}
		if found == nil || src.CreatedAt.Before(found.CreatedAt) {
			found = src
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no completed source with hash %s", models.ErrNotFound, contentHash)
	}
	out := copySource(found)
	return &out, nil
}

func (m *MemoryStore) UpdateSourceStatus(ctx context.Context, id string, update models.StatusUpdate) error {
	if err := checkStatusUpdate(update); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[id]
	if !ok {
		return notFound(id)
	}
	if !src.Status.CanTransitionTo(update.Status) {
		return invalidTransition(id, src.Status, update.Status)
	}

	src.Status = update.Status
	src.ErrorMessage = errorMessage(update)
	src.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CommitChunks(ctx context.Context, sourceID string, chunks []models.Chunk, contentHash string) error {
	prepared, err := prepareChunks(sourceID, chunks, m.config.VectorDim)
	if err != nil {
		return err
	}

	stored := make([]memoryChunk, len(prepared))
	for i, c := range prepared {
		stored[i] = memoryChunk{chunk: copyChunk(c), doc: m.analyzer.Index(c.ContentForSearch)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[sourceID]
	if !ok {
		return notFound(sourceID)
	}
	if !src.Status.CanTransitionTo(models.StatusCompleted) {
		return invalidTransition(sourceID, src.Status, models.StatusCompleted)
	}

	m.chunks[sourceID] = stored
	src.Status = models.StatusCompleted
	src.ChunkCount = len(stored)
	src.ContentHash = contentHash
	src.ErrorMessage = nil
	src.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteSource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[id]; !ok {
		return notFound(id)
	}
	delete(m.sources, id)
	delete(m.chunks, id)
	return nil
}

func (m *MemoryStore) ResetSource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[id]
	if !ok {
		return notFound(id)
	}
	if !resettable(src.Status) {
		return invalidTransition(id, src.Status, models.StatusPending)
	}

	delete(m.chunks, id)
	src.Status = models.StatusPending
	src.ErrorMessage = nil
	src.ChunkCount = 0
	src.ContentHash = ""
	src.UpdatedAt = time.Now().UTC()
	return nil
}

// ChunksOf returns the stored chunks of a source in index order.
func (m *MemoryStore) ChunksOf(sourceID string) []models.Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Chunk, 0, len(m.chunks[sourceID]))
	for _, c := range m.chunks[sourceID] {
		out = append(out, copyChunk(c.chunk))
	}
	return out
}

func (m *MemoryStore) HybridSearch(ctx context.Context, params models.SearchParams) ([]models.SearchResult, error) {
	if err := m.checkSearch(params); err != nil {
		return nil, err
	}
	weights := ranking.Weights{Vector: params.VectorWeight, BM25: params.BM25Weight}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	terms := m.analyzer.Query(params.QueryText)

	return m.scan(params, func(c memoryChunk) (models.SearchResult, bool) {
		similarity := ranking.CosineSimilarity(c.chunk.Embedding, params.QueryEmbedding)
		rank, matched := lexical.Rank(terms, c.doc)
		if similarity <= params.SimilarityFloor && !matched {
			return models.SearchResult{}, false
		}
		return models.SearchResult{
			VectorSimilarity: similarity,
			TextRank:         rank,
			CombinedScore:    ranking.Fuse(similarity, rank, weights),
		}, true
	}), nil
}

func (m *MemoryStore) VectorSearch(ctx context.Context, params models.SearchParams) ([]models.SearchResult, error) {
	if err := m.checkSearch(params); err != nil {
		return nil, err
	}

	return m.scan(params, func(c memoryChunk) (models.SearchResult, bool) {
		similarity := ranking.CosineSimilarity(c.chunk.Embedding, params.QueryEmbedding)
		if similarity <= params.SimilarityFloor {
			return models.SearchResult{}, false
		}
		return models.SearchResult{VectorSimilarity: similarity, CombinedScore: similarity}, true
	}), nil
}

func (m *MemoryStore) checkSearch(params models.SearchParams) error {
	if params.SearchLanguage != "" && params.SearchLanguage != m.config.SearchLanguage {
		return languageMismatch(params.SearchLanguage, m.config.SearchLanguage)
	}
	if len(params.QueryEmbedding) == 0 {
		return fmt.Errorf("%w: query embedding is required", models.ErrValidation)
	}
	return nil
}

// scan scores every chunk of every completed source that passes the filters.
func (m *MemoryStore) scan(params models.SearchParams, score func(memoryChunk) (models.SearchResult, bool)) []models.SearchResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := []models.SearchResult{}
	for id, src := range m.sources {
		if src.Status != models.StatusCompleted || !matchesFilters(src, params.Filters) {
			continue
		}
		for _, c := range m.chunks[id] {
			r, ok := score(c)
			if !ok {
				continue
			}
			r.ChunkID = c.chunk.ID
			r.SourceID = src.ID
			r.SourceTitle = src.Title
			r.SourceType = src.Type
			r.Content = c.chunk.Content
			r.Context = c.chunk.Context
			r.ChunkIndex = c.chunk.ChunkIndex
			r.Metadata = copyMetadata(c.chunk.Metadata)
			r.SourceCreatedAt = src.CreatedAt
			results = append(results, r)
		}
	}

	ranking.Sort(results)
	return ranking.Truncate(results, params.MaxResults)
}

func matchesFilters(src *models.Source, f models.SearchFilters) bool {
	if f.Category != "" && src.Category != f.Category {
		return false
	}
	if f.SourceType != "" && src.Type != f.SourceType {
		return false
	}
	if f.TenantID != "" && src.TenantID != f.TenantID {
		return false
	}
	return true
}

func copySource(src *models.Source) models.Source {
	out := *src
	if src.Tags != nil {
		out.Tags = append([]string(nil), src.Tags...)
	}
	if src.ErrorMessage != nil {
		msg := *src.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}

// copyChunk clones the slices and maps a chunk shares with its caller.
func copyChunk(c models.Chunk) models.Chunk {
	out := c
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	if c.Context != nil {
		ctx := *c.Context
		out.Context = &ctx
	}
	out.Metadata = copyMetadata(c.Metadata)
	return out
}

func copyMetadata(md map[string]interface{}) map[string]interface{} {
	if md == nil {
		return nil
	}
	out := make(map[string]interface{}, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
