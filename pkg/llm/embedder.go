package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/retry"
	"golang.org/x/time/rate"
)

// EmbedderConfig represents the configuration for an embedding client.
type EmbedderConfig struct {
	Provider   string
	Model      string
	BaseURL    string // Ollama or OpenAI-compatible server URL
	APIKey     string
	Dimensions int

	// BatchSize is the number of texts sent per request.
	BatchSize int
	// RequestsPerSecond paces batches. Negative disables pacing.
	RequestsPerSecond float64
	Timeout           time.Duration
	Retry             retry.Policy
}

// Embedder turns texts into vectors in order, in paced fixed-size batches.
type Embedder struct {
	config  EmbedderConfig
	client  embeddings.EmbedderClient
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Provider == "" {
		config.Provider = ProviderOllama
	}
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest" // Default Ollama model
	}

	var client embeddings.EmbedderClient
	var err error
	switch config.Provider {
	case ProviderOllama:
		client, err = newOllama(config.Model, config.BaseURL)
	case ProviderOpenAI:
		client, err = newOpenAI("", config.Model, config.BaseURL, config.APIKey)
	default:
		return nil, unsupportedProvider(config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return NewEmbedder(client, config)
}

// NewEmbedder wraps an existing embedding client.
func NewEmbedder(client embeddings.EmbedderClient, config EmbedderConfig) (*Embedder, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: embedding client is required", models.ErrValidation)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: embedding model is required", models.ErrValidation)
	}
	if config.Dimensions < 0 {
		return nil, fmt.Errorf("%w: dimensions cannot be negative", models.ErrValidation)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}

	limit := rate.Limit(config.RequestsPerSecond)
	if config.RequestsPerSecond < 0 {
		limit = rate.Inf
	}

	return &Embedder{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  slog.Default().With("component", "embedder", "model", config.Model),
	}, nil
}

func (e *Embedder) ModelName() string { return e.config.Model }

// Dimensions is the configured vector size; 0 means unchecked.
func (e *Embedder) Dimensions() int { return e.config.Dimensions }

// EmbedText embeds a single query string.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedTexts returns one vector per text, vectors[i] belonging to texts[i].
// Batches run one after another; the whole call fails if any batch fails.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}

		e.logger.Debug("embedding batch", "from", start, "to", end, "total", len(texts))
		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		out = append(out, vectors...)
	}

	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vectors [][]float32
	err := retry.Do(ctx, e.config.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		v, err := e.client.CreateEmbedding(callCtx, batch)
		if err != nil {
			return fmt.Errorf("%w: %w", models.ErrExternalService, err)
		}
		vectors = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("%w: expected %d embeddings, received %d", models.ErrExternalService, len(batch), len(vectors))
	}
	if e.config.Dimensions > 0 {
		for i, v := range vectors {
			if len(v) != e.config.Dimensions {
				return nil, fmt.Errorf("%w: embedding %d has %d dimensions, model %q is configured for %d",
					models.ErrConfigMismatch, i, len(v), e.config.Model, e.config.Dimensions)
			}
		}
	}
	return vectors, nil
}
