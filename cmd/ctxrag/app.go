package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"github.com/xhad/ctxrag/internal/logging"
	"github.com/xhad/ctxrag/internal/types"
	"github.com/xhad/ctxrag/pkg/config"
	"github.com/xhad/ctxrag/pkg/enricher"
	"github.com/xhad/ctxrag/pkg/extract"
	"github.com/xhad/ctxrag/pkg/ingest"
	"github.com/xhad/ctxrag/pkg/llm"
	"github.com/xhad/ctxrag/pkg/processor"
	"github.com/xhad/ctxrag/pkg/retrieval"
	"github.com/xhad/ctxrag/pkg/retry"
	"github.com/xhad/ctxrag/pkg/scraper"
	"github.com/xhad/ctxrag/pkg/store"
)

// app holds the components every command is built from.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     types.Store
	generator *llm.Generator
	scraper   *scraper.Scraper
	pages     *pageCache
	orch      *ingest.Orchestrator
	engine    *retrieval.Engine
}

// loadConfig reads the config file, applies global flag overrides and
// installs the default logger.
func loadConfig(c *cli.Context) (*config.Config, error) {
	// A missing .env is fine
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("store") {
		cfg.Database.Store = c.String("store")
	}
	if c.IsSet("db-url") {
		cfg.Database.URL = c.String("db-url")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Provider:          cfg.Embedding.Provider,
		Model:             cfg.Embedding.Model,
		BaseURL:           cfg.Embedding.BaseURL,
		APIKey:            cfg.Embedding.APIKey,
		Dimensions:        cfg.Embedding.Dimensions,
		BatchSize:         cfg.Embedding.BatchSize,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Timeout:           cfg.Embedding.Timeout,
		Retry:             retryPolicy(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	generator, err := llm.NewGeneratorWithConfig(llm.GeneratorConfig{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}

	kb, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	proc, err := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:      cfg.Processor.ChunkSize,
		ChunkOverlap:   cfg.Processor.ChunkOverlap,
		MinChunkLength: cfg.Processor.MinChunkLength,
	})
	if err != nil {
		kb.Close()
		return nil, err
	}

	enr, err := enricher.New(generator, enricher.EnricherConfig{
		Enabled:          cfg.Enrichment.Enabled,
		MaxDocumentChars: cfg.Enrichment.MaxDocumentChars,
		Concurrency:      cfg.Enrichment.Concurrency,
		RequestTimeout:   cfg.Enrichment.Timeout,
		MaxAttempts:      cfg.Enrichment.MaxAttempts,
		RetryBaseDelay:   cfg.Retry.BaseDelay,
		MaxFallbackRate:  cfg.Enrichment.MaxFallbackRate,
	})
	if err != nil {
		kb.Close()
		return nil, err
	}

	scr, err := scraper.NewWithConfig(scraperConfig(cfg))
	if err != nil {
		kb.Close()
		return nil, err
	}

	extractor := extract.NewWithConfig(extract.ExtractorConfig{
		PDFCommand:   cfg.Extract.PDFCommand,
		MaxFileBytes: cfg.Extract.MaxFileBytes,
	})

	pages := newPageCache(scr)
	orch, err := ingest.New(kb, proc, enr, embedder, ingest.OrchestratorConfig{
		Dedup:             cfg.Ingest.Dedup,
		EnrichConcurrency: cfg.Enrichment.Concurrency,
		FetchTimeout:      cfg.Ingest.FetchTimeout,
		StoreTimeout:      cfg.Ingest.StoreTimeout,
	}, ingest.WithFetcher(pages), ingest.WithExtractor(extractor))
	if err != nil {
		kb.Close()
		return nil, err
	}

	engine, err := retrieval.New(kb, embedder, retrievalConfig(cfg))
	if err != nil {
		kb.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    slog.Default(),
		store:     kb,
		generator: generator,
		scraper:   scr,
		pages:     pages,
		orch:      orch,
		engine:    engine,
	}, nil
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
}

func scraperConfig(cfg *config.Config) scraper.ScraperConfig {
	return scraper.ScraperConfig{
		MaxDepth:          cfg.Scraper.MaxDepth,
		RateLimit:         cfg.Scraper.RateLimit,
		IgnorePatterns:    cfg.Scraper.IgnorePatterns,
		AllowedExtensions: cfg.Scraper.AllowedExtensions,
		Timeout:           cfg.Scraper.Timeout,
		UserAgent:         cfg.Scraper.UserAgent,
		Retry:             retryPolicy(cfg),
	}
}

func retrievalConfig(cfg *config.Config) retrieval.Config {
	return retrieval.Config{
		VectorWeight:    cfg.Search.VectorWeight,
		BM25Weight:      cfg.Search.BM25Weight,
		SimilarityFloor: cfg.Search.SimilarityFloor,
		MaxResults:      cfg.Search.MaxResults,
		SearchLanguage:  cfg.Search.Language,
		LexicalEnabled:  cfg.Search.LexicalEnabled,
		QueryTimeout:    cfg.Search.Timeout,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (types.Store, error) {
	if cfg.Database.Store == "memory" {
		return store.NewMemoryStore(store.MemoryStoreConfig{
			SearchLanguage: cfg.Search.Language,
			VectorDim:      cfg.Embedding.Dimensions,
		})
	}

	vs, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
		ConnString:     cfg.Database.URL,
		SourcesTable:   cfg.Database.SourcesTable,
		ChunksTable:    cfg.Database.ChunksTable,
		VectorDim:      cfg.Embedding.Dimensions,
		SearchLanguage: cfg.Search.Language,
		EmbeddingModel: cfg.Embedding.Model,
		IndexType:      cfg.Database.IndexType,
		IndexLists:     cfg.Database.IndexLists,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	return vs, nil
}

// withApp loads configuration, builds the app and closes its store when
// action returns.
func withApp(action func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		a, err := newApp(c.Context, cfg)
		if err != nil {
			return err
		}
		defer a.store.Close()
		return action(c, a)
	}
}
