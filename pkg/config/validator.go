package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/xhad/ctxrag/pkg/lexical"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	add := func(field, format string, args ...any) {
		errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate LLM config
	if !knownProvider(c.LLM.Provider) {
		add("llm.provider", "unsupported provider %q (ollama, openai)", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		add("llm.model", "model is required")
	}
	if c.LLM.Provider == "ollama" && c.LLM.BaseURL == "" {
		add("llm.base_url", "Ollama base URL is required")
	}
	if c.LLM.BaseURL != "" && !validHTTPURL(c.LLM.BaseURL) {
		add("llm.base_url", "invalid base URL")
	}
	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
		add("llm.max_tokens", "max_tokens must be between 1 and 4096")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature", "temperature must be between 0 and 2")
	}

	// Validate Embedding config
	if !knownProvider(c.Embedding.Provider) {
		add("embedding.provider", "unsupported provider %q (ollama, openai)", c.Embedding.Provider)
	}
	if c.Embedding.Model == "" {
		add("embedding.model", "model is required")
	}
	if c.Embedding.BaseURL != "" && !validHTTPURL(c.Embedding.BaseURL) {
		add("embedding.base_url", "invalid base URL")
	}
	if c.Embedding.Dimensions < 1 {
		add("embedding.dimensions", "dimensions must be positive")
	}
	if c.Embedding.BatchSize < 1 {
		add("embedding.batch_size", "batch_size must be positive")
	}

	// Validate Database config
	switch c.Database.Store {
	case "postgres":
		if c.Database.URL == "" {
			add("database.url", "database URL is required for the postgres store")
		} else if _, err := url.Parse(c.Database.URL); err != nil {
			add("database.url", "invalid database URL")
		}
	case "memory":
	default:
		add("database.store", "store must be postgres or memory")
	}
	if c.Database.SourcesTable == c.Database.ChunksTable {
		add("database.chunks_table", "chunks_table must differ from sources_table")
	}
	if c.Database.IndexType != "hnsw" && c.Database.IndexType != "ivfflat" {
		add("database.index_type", "index_type must be hnsw or ivfflat")
	}
	if c.Database.IndexType == "ivfflat" && c.Database.IndexLists < 1 {
		add("database.index_lists", "index_lists must be positive")
	}

	// Validate Search config
	if !lexical.IsSupported(c.Search.Language) {
		add("search.language", "unsupported language %q (supported: %s)",
			c.Search.Language, strings.Join(lexical.SupportedLanguages(), ", "))
	}
	if c.Search.VectorWeight < 0 || c.Search.BM25Weight < 0 {
		add("search.vector_weight", "weights must be non-negative")
	} else if c.Search.VectorWeight == 0 && c.Search.BM25Weight == 0 {
		add("search.vector_weight", "vector_weight and bm25_weight cannot both be zero")
	}
	if c.Search.SimilarityFloor < -1 || c.Search.SimilarityFloor > 1 {
		add("search.similarity_floor", "similarity_floor must be between -1 and 1")
	}
	if c.Search.MaxResults < 1 {
		add("search.max_results", "max_results must be positive")
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		add("processor.chunk_size", "chunk_size must be positive")
	}
	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		add("processor.chunk_overlap", "chunk_overlap must be non-negative and less than chunk_size")
	}
	if c.Processor.MinChunkLength < 0 {
		add("processor.min_chunk_length", "min_chunk_length must be non-negative")
	}

	// Validate Enrichment config
	if c.Enrichment.Concurrency < 1 {
		add("enrichment.concurrency", "concurrency must be positive")
	}
	if c.Enrichment.MaxDocumentChars < 1 {
		add("enrichment.max_document_chars", "max_document_chars must be positive")
	}
	if c.Enrichment.MaxFallbackRate < 0 || c.Enrichment.MaxFallbackRate > 1 {
		add("enrichment.max_fallback_rate", "max_fallback_rate must be between 0 and 1")
	}

	// Validate Scraper config
	if c.Scraper.MaxDepth < 1 {
		add("scraper.max_depth", "max_depth must be positive")
	}
	if c.Scraper.RateLimit <= 0 {
		add("scraper.rate_limit", "rate_limit must be positive")
	}

	// Validate extensions format
	for _, ext := range c.Scraper.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") && ext != "" && ext != "/" {
			add("scraper.allowed_extensions", "invalid extension format: %s", ext)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts", "max_attempts must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry.max_delay", "max_delay must not be less than base_delay")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "level must be debug, info, warn or error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format", "format must be text or json")
	}

	return errors
}

func knownProvider(p string) bool {
	return p == "ollama" || p == "openai"
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
