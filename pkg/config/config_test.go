package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"OLLAMA_BASE_URL", "DATABASE_URL", "EMBEDDING_MODEL", "SEARCH_LANGUAGE", "OPENAI_API_KEY", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)

	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configData := `
llm:
  base_url: "http://localhost:11434"
  model: "llama3"
  max_tokens: 1000
  temperature: 0.5

embedding:
  model: "mxbai-embed-large"
  dimensions: 1024
  timeout: 90s

database:
  url: "postgres://localhost:5432/test"
  sources_table: "test_sources"
  chunks_table: "test_chunks"
  index_type: ivfflat

search:
  language: portuguese
  vector_weight: 0.5
  bm25_weight: 0.5
  similarity_floor: 0
  lexical_enabled: false

scraper:
  max_depth: 5
  rate_limit: 1.5
  ignore_patterns:
    - "/test/"
  allowed_extensions:
    - ".html"
    - "/"

processor:
  chunk_size: 500
  chunk_overlap: 100

enrichment:
  enabled: false
  max_fallback_rate: 0.25
`
	err := os.WriteFile(configPath, []byte(configData), 0644)
	require.NoError(t, err)

	// Test loading config
	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	// Verify loaded values
	assert.Equal(t, "http://localhost:11434", config.LLM.BaseURL)
	assert.Equal(t, "llama3", config.LLM.Model)
	assert.Equal(t, 1000, config.LLM.MaxTokens)
	assert.Equal(t, 0.5, config.LLM.Temperature)
	assert.Equal(t, "mxbai-embed-large", config.Embedding.Model)
	assert.Equal(t, 1024, config.Embedding.Dimensions)
	assert.Equal(t, 90*time.Second, config.Embedding.Timeout)
	assert.Equal(t, "http://localhost:11434", config.Embedding.BaseURL, "embedding inherits the llm endpoint")
	assert.Equal(t, "postgres://localhost:5432/test", config.Database.URL)
	assert.Equal(t, "test_chunks", config.Database.ChunksTable)
	assert.Equal(t, "ivfflat", config.Database.IndexType)
	assert.Equal(t, "portuguese", config.Search.Language)
	assert.Equal(t, 0.0, config.Search.SimilarityFloor, "explicit zero floor is kept")
	assert.False(t, config.Search.LexicalEnabled)
	assert.Equal(t, 5, config.Scraper.MaxDepth)
	assert.Equal(t, 500, config.Processor.ChunkSize)
	assert.False(t, config.Enrichment.Enabled)
	assert.Equal(t, 0.25, config.Enrichment.MaxFallbackRate)

	// Unset sections fall back to defaults
	assert.Equal(t, 50, config.Processor.MinChunkLength)
	assert.Equal(t, 5, config.Search.MaxResults)
	assert.Equal(t, ":8080", config.Server.Addr)
	assert.Empty(t, config.Validate())
}

func TestDefaultConfig(t *testing.T) {
	clearEnv(t)

	config, err := getDefaultConfig()
	require.NoError(t, err)

	assert.Equal(t, "ollama", config.LLM.Provider)
	assert.Equal(t, "english", config.Search.Language)
	assert.Equal(t, 0.7, config.Search.VectorWeight)
	assert.Equal(t, 0.3, config.Search.BM25Weight)
	assert.Equal(t, 0.5, config.Search.SimilarityFloor)
	assert.True(t, config.Search.LexicalEnabled)
	assert.True(t, config.Enrichment.Enabled)
	assert.Equal(t, 768, config.Embedding.Dimensions)
	assert.Equal(t, "kb_sources", config.Database.SourcesTable)
	assert.Equal(t, "kb_chunks", config.Database.ChunksTable)

	// The postgres store needs a URL
	errs := config.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "database.url", errs[0].Field)
}

func TestLoadConfigKeepsExplicitZeros(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	configData := `
llm:
  temperature: 0
processor:
  chunk_size: 100
  chunk_overlap: 0
  min_chunk_length: 0
database:
  store: memory
`
	require.NoError(t, os.WriteFile(path, []byte(configData), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, config.LLM.Temperature)
	assert.Equal(t, 100, config.Processor.ChunkSize)
	assert.Equal(t, 0, config.Processor.ChunkOverlap)
	assert.Equal(t, 0, config.Processor.MinChunkLength)
	assert.Empty(t, config.Validate())

	// Omitted values still get their defaults
	config, err = getDefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.2, config.LLM.Temperature)
	assert.Equal(t, 200, config.Processor.ChunkOverlap)
	assert.Equal(t, 50, config.Processor.MinChunkLength)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unclosed"), 0644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "error parsing config file")
}

func validConfig(t *testing.T) Config {
	t.Helper()
	clearEnv(t)
	config, err := getDefaultConfig()
	require.NoError(t, err)
	config.Database.Store = "memory"
	return *config
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		fields []string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name: "invalid llm settings",
			modify: func(c *Config) {
				c.LLM.BaseURL = ""
				c.LLM.MaxTokens = 0
				c.LLM.Temperature = 3
			},
			fields: []string{"llm.base_url", "llm.max_tokens", "llm.temperature"},
		},
		{
			name:   "unknown provider",
			modify: func(c *Config) { c.Embedding.Provider = "cohere" },
			fields: []string{"embedding.provider"},
		},
		{
			name:   "overlap not less than size",
			modify: func(c *Config) { c.Processor.ChunkOverlap = c.Processor.ChunkSize },
			fields: []string{"processor.chunk_overlap"},
		},
		{
			name: "both weights zero",
			modify: func(c *Config) {
				c.Search.VectorWeight = 0
				c.Search.BM25Weight = 0
			},
			fields: []string{"search.vector_weight"},
		},
		{
			name:   "negative weight",
			modify: func(c *Config) { c.Search.BM25Weight = -0.1 },
			fields: []string{"search.vector_weight"},
		},
		{
			name:   "floor out of range",
			modify: func(c *Config) { c.Search.SimilarityFloor = 1.5 },
			fields: []string{"search.similarity_floor"},
		},
		{
			name:   "unsupported language",
			modify: func(c *Config) { c.Search.Language = "klingon" },
			fields: []string{"search.language"},
		},
		{
			name:   "non-positive dimensions",
			modify: func(c *Config) { c.Embedding.Dimensions = 0 },
			fields: []string{"embedding.dimensions"},
		},
		{
			name: "unknown store and index",
			modify: func(c *Config) {
				c.Database.Store = "sqlite"
				c.Database.IndexType = "flat"
			},
			fields: []string{"database.store", "database.index_type"},
		},
		{
			name:   "bad extension",
			modify: func(c *Config) { c.Scraper.AllowedExtensions = []string{"html"} },
			fields: []string{"scraper.allowed_extensions"},
		},
		{
			name:   "fallback rate out of range",
			modify: func(c *Config) { c.Enrichment.MaxFallbackRate = 2 },
			fields: []string{"enrichment.max_fallback_rate"},
		},
		{
			name: "log settings",
			modify: func(c *Config) {
				c.Log.Level = "verbose"
				c.Log.Format = "xml"
			},
			fields: []string{"log.level", "log.format"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig(t)
			tt.modify(&config)

			errs := config.Validate()
			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.ElementsMatch(t, tt.fields, fields, "errors: %v", errs)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434")
	t.Setenv("DATABASE_URL", "postgres://db:5432/kb")
	t.Setenv("EMBEDDING_MODEL", "all-minilm")
	t.Setenv("SEARCH_LANGUAGE", "spanish")
	t.Setenv("LOG_LEVEL", "debug")

	config, err := getDefaultConfig()
	require.NoError(t, err)

	assert.Equal(t, "http://ollama:11434", config.LLM.BaseURL)
	assert.Equal(t, "http://ollama:11434", config.Embedding.BaseURL)
	assert.Equal(t, "postgres://db:5432/kb", config.Database.URL)
	assert.Equal(t, "all-minilm", config.Embedding.Model)
	assert.Equal(t, "spanish", config.Search.Language)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Empty(t, config.Validate())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://env:5432/kb")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  url: postgres://file:5432/kb\n"), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env:5432/kb", config.Database.URL)
}
