// Package enricher prefixes chunks with a short model-generated context that
// situates them within their source document.
package enricher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/internal/types"
	"github.com/xhad/ctxrag/pkg/retry"
)

const truncationMarker = "\n\n[... document truncated ...]"

const promptTemplate = `<document>
%s
</document>

Here is the chunk we want to situate within the whole document:
<chunk>
%s
</chunk>

Give a short succinct context (one or two sentences) to situate this chunk within the overall document for the purposes of improving search retrieval of the chunk. Answer only with the succinct context and nothing else.`

// EnricherConfig represents the configuration for the enricher.
type EnricherConfig struct {
	// Enabled=false skips the model entirely and returns bare segments.
	Enabled          bool
	MaxDocumentChars int
	Concurrency      int
	RequestTimeout   time.Duration
	MaxAttempts      int
	RetryBaseDelay   time.Duration

	// MaxFallbackRate fails the batch when the share of un-enriched chunks
	// exceeds it. Zero tolerates any number of fallbacks.
	MaxFallbackRate float64
}

// DefaultConfig returns the configuration used for zero values.
func DefaultConfig() EnricherConfig {
	return EnricherConfig{
		Enabled:          true,
		MaxDocumentChars: 8000,
		Concurrency:      5,
		RequestTimeout:   60 * time.Second,
		MaxAttempts:      2,
		RetryBaseDelay:   500 * time.Millisecond,
	}
}

// Stats describes one Enrich call.
type Stats struct {
	Total     int
	Enriched  int
	Fallbacks int
}

type Enricher struct {
	config    EnricherConfig
	generator types.Generator
	logger    *slog.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enricher) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Enricher. Zero numeric fields fall back to DefaultConfig.
func New(generator types.Generator, config EnricherConfig, opts ...Option) (*Enricher, error) {
	if generator == nil && config.Enabled {
		return nil, fmt.Errorf("%w: generator is required when enrichment is enabled", models.ErrValidation)
	}
	if config.MaxFallbackRate < 0 || config.MaxFallbackRate > 1 {
		return nil, fmt.Errorf("%w: max fallback rate must be between 0 and 1", models.ErrValidation)
	}

	defaults := DefaultConfig()
	if config.MaxDocumentChars <= 0 {
		config.MaxDocumentChars = defaults.MaxDocumentChars
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}

	e := &Enricher{
		config:    config,
		generator: generator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "enricher")
	return e, nil
}

// Excerpt returns the document text shown to the model for every chunk.
func (e *Enricher) Excerpt(fullText string) string {
	runes := []rune(fullText)
	if len(runes) <= e.config.MaxDocumentChars {
		return fullText
	}
	return string(runes[:e.config.MaxDocumentChars]) + truncationMarker
}

// Enrich returns one EnrichedSegment per segment, in input order. A chunk
// whose context cannot be produced keeps Context nil and is searched by its
// bare content. At most concurrencyLimit model calls are in flight; a
// non-positive limit uses the configured concurrency.
func (e *Enricher) Enrich(ctx context.Context, segments []models.Segment, fullText string, concurrencyLimit int) ([]models.EnrichedSegment, Stats, error) {
	out := make([]models.EnrichedSegment, len(segments))
	stats := Stats{Total: len(segments)}
	for i, seg := range segments {
		out[i] = models.EnrichedSegment{Segment: seg, ContentForSearch: seg.Content}
	}

	if !e.config.Enabled || len(segments) == 0 {
		return out, stats, nil
	}

	if concurrencyLimit <= 0 {
		concurrencyLimit = e.config.Concurrency
	}
	pool, err := ants.NewPool(concurrencyLimit)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to create enrichment pool: %w", err)
	}
	defer pool.Release()

	excerpt := e.Excerpt(fullText)
	contexts := make([]*string, len(segments))

	var wg sync.WaitGroup
	for i := range segments {
		if ctx.Err() != nil {
			break
		}
		i := i
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			contexts[i] = e.situate(ctx, excerpt, segments[i])
		})
		if submitErr != nil {
			wg.Done()
			wg.Wait()
			return nil, stats, fmt.Errorf("failed to submit enrichment task: %w", submitErr)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	for i, c := range contexts {
		if c == nil {
			stats.Fallbacks++
			continue
		}
		stats.Enriched++
		out[i].Context = c
		out[i].ContentForSearch = models.ContentForSearch(c, out[i].Content)
	}

	if stats.Fallbacks > 0 {
		e.logger.Warn("degraded enrichment", "fallbacks", stats.Fallbacks, "total", stats.Total)
	}
	if rate := float64(stats.Fallbacks) / float64(stats.Total); e.config.MaxFallbackRate > 0 && rate > e.config.MaxFallbackRate {
		return nil, stats, fmt.Errorf("%w: %d of %d chunks could not be enriched", models.ErrExternalService, stats.Fallbacks, stats.Total)
	}
	return out, stats, nil
}

// situate asks the model for one chunk's context. It returns nil on failure.
func (e *Enricher) situate(ctx context.Context, excerpt string, seg models.Segment) *string {
	if ctx.Err() != nil {
		return nil
	}

	prompt := fmt.Sprintf(promptTemplate, excerpt, seg.Content)
	policy := retry.Policy{MaxAttempts: e.config.MaxAttempts, BaseDelay: e.config.RetryBaseDelay}

	var text string
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
		defer cancel()

		out, err := e.generator.Generate(callCtx, prompt)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(out)
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("chunk enrichment failed, using bare content", "chunk", seg.ChunkIndex, "err", err)
		}
		return nil
	}
	if text == "" {
		e.logger.Warn("model returned empty context, using bare content", "chunk", seg.ChunkIndex)
		return nil
	}
	return &text
}

// Enabled reports whether Enrich calls the model.
func (e *Enricher) Enabled() bool { return e.config.Enabled }
