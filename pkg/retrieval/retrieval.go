// Package retrieval answers queries against the store with hybrid
// (vector + lexical) ranking. Query-time failures are reported in the
// response message and never returned as errors.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/internal/types"
	"github.com/xhad/ctxrag/pkg/ranking"
)

type Config struct {
	VectorWeight    float64
	BM25Weight      float64
	SimilarityFloor float64
	MaxResults      int
	// SearchLanguage must equal the language the store indexes with.
	SearchLanguage string
	// LexicalEnabled=false switches every query to vector-only ranking.
	LexicalEnabled bool
	QueryTimeout   time.Duration
}

// DefaultConfig returns the configuration callers should start from.
func DefaultConfig() Config {
	return Config{
		VectorWeight:    ranking.DefaultVectorWeight,
		BM25Weight:      ranking.DefaultBM25Weight,
		SimilarityFloor: ranking.DefaultSimilarityFloor,
		MaxResults:      5,
		LexicalEnabled:  true,
		QueryTimeout:    30 * time.Second,
	}
}

// Options override the configured defaults for one query.
type Options struct {
	Filters         models.SearchFilters
	MaxResults      int
	Weights         *ranking.Weights
	SimilarityFloor *float64
	SearchLanguage  string
}

type Response struct {
	Results []models.SearchResult `json:"results"`
	Message string                `json:"message,omitempty"`
}

type Engine struct {
	config   Config
	store    types.Store
	embedder types.Embedder
	logger   *slog.Logger
}

func New(store types.Store, embedder types.Embedder, config Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", models.ErrValidation)
	}
	if config.VectorWeight == 0 && config.BM25Weight == 0 {
		config.VectorWeight = ranking.DefaultVectorWeight
		config.BM25Weight = ranking.DefaultBM25Weight
	}
	if err := (ranking.Weights{Vector: config.VectorWeight, BM25: config.BM25Weight}).Validate(); err != nil {
		return nil, err
	}
	if config.SimilarityFloor < -1 || config.SimilarityFloor > 1 {
		return nil, fmt.Errorf("%w: similarity floor must be between -1 and 1", models.ErrValidation)
	}
	if config.MaxResults <= 0 {
		config.MaxResults = 5
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 30 * time.Second
	}
	if config.SearchLanguage == "" {
		config.SearchLanguage = store.SearchLanguage()
	}
	if config.SearchLanguage != store.SearchLanguage() {
		return nil, fmt.Errorf("%w: search language %q does not match the index language %q",
			models.ErrConfigMismatch, config.SearchLanguage, store.SearchLanguage())
	}

	return &Engine{
		config:   config,
		store:    store,
		embedder: embedder,
		logger:   slog.Default().With("component", "retrieval"),
	}, nil
}

func (e *Engine) Config() Config { return e.config }

func empty(message string) Response {
	return Response{Results: []models.SearchResult{}, Message: message}
}

// Search embeds query and ranks stored chunks against it.
func (e *Engine) Search(ctx context.Context, query string, opts Options) Response {
	query = strings.TrimSpace(query)
	if query == "" {
		return empty("query is empty")
	}
	if e.embedder == nil {
		return empty("no embedder configured for text queries")
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.QueryTimeout)
	defer cancel()

	embedding, err := e.embedder.EmbedText(ctx, query)
	if err != nil {
		e.logger.Warn("failed to embed query", "err", err)
		return empty(fmt.Sprintf("search unavailable: failed to embed query: %v", err))
	}

	params := e.params(opts)
	params.QueryText = query
	params.QueryEmbedding = embedding
	return e.SearchWithEmbedding(ctx, params)
}

// params fills a SearchParams from the configuration and per-query options.
func (e *Engine) params(opts Options) models.SearchParams {
	params := models.SearchParams{
		Filters:         opts.Filters,
		MaxResults:      opts.MaxResults,
		VectorWeight:    e.config.VectorWeight,
		BM25Weight:      e.config.BM25Weight,
		SimilarityFloor: e.config.SimilarityFloor,
		SearchLanguage:  opts.SearchLanguage,
	}
	if opts.Weights != nil {
		params.VectorWeight = opts.Weights.Vector
		params.BM25Weight = opts.Weights.BM25
	}
	if opts.SimilarityFloor != nil {
		params.SimilarityFloor = *opts.SimilarityFloor
	}
	return params
}

// SearchWithEmbedding ranks chunks of completed sources for a query whose
// embedding is already known. Zero MaxResults and an empty SearchLanguage
// take the configured values; weights and floor are used as given.
func (e *Engine) SearchWithEmbedding(ctx context.Context, params models.SearchParams) Response {
	if len(params.QueryEmbedding) == 0 {
		return empty("query embedding is empty")
	}
	if params.MaxResults <= 0 {
		params.MaxResults = e.config.MaxResults
	}
	if params.SearchLanguage == "" {
		params.SearchLanguage = e.config.SearchLanguage
	}
	if params.SearchLanguage != e.store.SearchLanguage() {
		e.logger.Warn("rejected query with mismatched search language",
			"requested", params.SearchLanguage, "indexed", e.store.SearchLanguage())
		return empty(fmt.Sprintf("search language %q does not match the index language %q",
			params.SearchLanguage, e.store.SearchLanguage()))
	}
	if err := (ranking.Weights{Vector: params.VectorWeight, BM25: params.BM25Weight}).Validate(); err != nil {
		return empty(err.Error())
	}
	if params.SimilarityFloor < -1 || params.SimilarityFloor > 1 {
		return empty("similarity floor must be between -1 and 1")
	}

	var (
		results []models.SearchResult
		err     error
	)
	if e.config.LexicalEnabled {
		results, err = e.store.HybridSearch(ctx, params)
	} else {
		results, err = e.store.VectorSearch(ctx, params)
	}
	if err != nil {
		e.logger.Warn("search failed", "err", err)
		return empty(fmt.Sprintf("search failed: %v", err))
	}
	if results == nil {
		results = []models.SearchResult{}
	}

	e.logger.Debug("search completed", "results", len(results), "lexical", e.config.LexicalEnabled)
	return Response{Results: results}
}
