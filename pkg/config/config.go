package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	Dimensions        int           `yaml:"dimensions"`
	BatchSize         int           `yaml:"batch_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	// Store is "postgres" or "memory".
	Store        string `yaml:"store"`
	URL          string `yaml:"url"`
	SourcesTable string `yaml:"sources_table"`
	ChunksTable  string `yaml:"chunks_table"`
	IndexType    string `yaml:"index_type"`
	IndexLists   int    `yaml:"index_lists"`
}

type SearchConfig struct {
	Language        string        `yaml:"language"`
	VectorWeight    float64       `yaml:"vector_weight"`
	BM25Weight      float64       `yaml:"bm25_weight"`
	SimilarityFloor float64       `yaml:"similarity_floor"`
	MaxResults      int           `yaml:"max_results"`
	LexicalEnabled  bool          `yaml:"lexical_enabled"`
	Timeout         time.Duration `yaml:"timeout"`
}

type ProcessorConfig struct {
	ChunkSize      int `yaml:"chunk_size"`
	ChunkOverlap   int `yaml:"chunk_overlap"`
	MinChunkLength int `yaml:"min_chunk_length"`
}

type EnrichmentConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Concurrency      int           `yaml:"concurrency"`
	MaxDocumentChars int           `yaml:"max_document_chars"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	MaxFallbackRate  float64       `yaml:"max_fallback_rate"`
}

type IngestConfig struct {
	Dedup        bool          `yaml:"dedup"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

type ScraperConfig struct {
	MaxDepth          int           `yaml:"max_depth"`
	RateLimit         float64       `yaml:"rate_limit"`
	IgnorePatterns    []string      `yaml:"ignore_patterns"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"user_agent"`
}

type ExtractConfig struct {
	PDFCommand   string `yaml:"pdf_command"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Database   DatabaseConfig   `yaml:"database"`
	Search     SearchConfig     `yaml:"search"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Scraper    ScraperConfig    `yaml:"scraper"`
	Extract    ExtractConfig    `yaml:"extract"`
	Retry      RetryConfig      `yaml:"retry"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// DefaultLocations are searched in order when LoadConfig gets no path.
func DefaultLocations() []string {
	return []string{
		"config.yaml",
		"config.yml",
		filepath.Join(os.Getenv("HOME"), ".config/ctxrag/config.yaml"),
		"/etc/ctxrag/config.yaml",
	}
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		for _, loc := range DefaultLocations() {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Booleans and values whose zero is meaningful are preset so that
	// fields missing from the file keep their defaults.
	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(config)

	// Apply defaults for unset values
	applyDefaults(config)

	return config, nil
}

func getDefaultConfig() (*Config, error) {
	config := defaultConfig()
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func defaultConfig() *Config {
	config := &Config{}
	config.LLM.Temperature = 0.2
	config.Processor.ChunkOverlap = 200
	config.Processor.MinChunkLength = 50
	config.Search.VectorWeight = 0.7
	config.Search.BM25Weight = 0.3
	config.Search.SimilarityFloor = 0.5
	config.Search.LexicalEnabled = true
	config.Enrichment.Enabled = true
	return config
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = config.LLM.Provider
	}
	if config.Embedding.BaseURL == "" && config.Embedding.Provider == config.LLM.Provider {
		config.Embedding.BaseURL = config.LLM.BaseURL
	}
	if config.Embedding.APIKey == "" && config.Embedding.Provider == config.LLM.Provider {
		config.Embedding.APIKey = config.LLM.APIKey
	}
	if config.Embedding.Model == "" {
		config.Embedding.Model = "nomic-embed-text:latest"
	}
	if config.Embedding.Dimensions == 0 {
		config.Embedding.Dimensions = 768
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 20
	}
	if config.Embedding.RequestsPerSecond == 0 {
		config.Embedding.RequestsPerSecond = 2
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = 60 * time.Second
	}

	if config.Database.Store == "" {
		config.Database.Store = "postgres"
	}
	if config.Database.SourcesTable == "" {
		config.Database.SourcesTable = "kb_sources"
	}
	if config.Database.ChunksTable == "" {
		config.Database.ChunksTable = "kb_chunks"
	}
	if config.Database.IndexType == "" {
		config.Database.IndexType = "hnsw"
	}
	if config.Database.IndexLists == 0 {
		config.Database.IndexLists = 100
	}

	if config.Search.Language == "" {
		config.Search.Language = "english"
	}
	if config.Search.MaxResults == 0 {
		config.Search.MaxResults = 5
	}
	if config.Search.Timeout == 0 {
		config.Search.Timeout = 30 * time.Second
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}

	if config.Enrichment.Concurrency == 0 {
		config.Enrichment.Concurrency = 5
	}
	if config.Enrichment.MaxDocumentChars == 0 {
		config.Enrichment.MaxDocumentChars = 8000
	}
	if config.Enrichment.Timeout == 0 {
		config.Enrichment.Timeout = 60 * time.Second
	}
	if config.Enrichment.MaxAttempts == 0 {
		config.Enrichment.MaxAttempts = 2
	}

	if config.Ingest.FetchTimeout == 0 {
		config.Ingest.FetchTimeout = 60 * time.Second
	}
	if config.Ingest.StoreTimeout == 0 {
		config.Ingest.StoreTimeout = 30 * time.Second
	}

	if config.Scraper.MaxDepth == 0 {
		config.Scraper.MaxDepth = 1
	}
	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if len(config.Scraper.AllowedExtensions) == 0 {
		config.Scraper.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}
	if config.Scraper.Timeout == 0 {
		config.Scraper.Timeout = 30 * time.Second
	}

	if config.Extract.PDFCommand == "" {
		config.Extract.PDFCommand = "pdftotext"
	}
	if config.Extract.MaxFileBytes == 0 {
		config.Extract.MaxFileBytes = 50 << 20
	}

	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 3
	}
	if config.Retry.BaseDelay == 0 {
		config.Retry.BaseDelay = 500 * time.Millisecond
	}
	if config.Retry.MaxDelay == 0 {
		config.Retry.MaxDelay = 10 * time.Second
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		config.Embedding.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if model := os.Getenv("EMBEDDING_MODEL"); model != "" {
		config.Embedding.Model = model
	}
	if lang := os.Getenv("SEARCH_LANGUAGE"); lang != "" {
		config.Search.Language = lang
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.LLM.APIKey = key
		config.Embedding.APIKey = key
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}
