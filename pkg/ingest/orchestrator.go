// Package ingest drives sources through segmentation, enrichment, embedding
// and storage, and owns their lifecycle status.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/internal/types"
	"github.com/xhad/ctxrag/pkg/enricher"
	"github.com/xhad/ctxrag/pkg/processor"
	"github.com/xhad/ctxrag/pkg/retry"
)

type OrchestratorConfig struct {
	// Dedup makes IngestText return an existing completed source with the
	// same normalized content instead of ingesting it again.
	Dedup             bool
	EnrichConcurrency int
	FetchTimeout      time.Duration
	StoreTimeout      time.Duration
	FinalizeTimeout   time.Duration
	FinalizeRetry     retry.Policy
}

// SourceInput describes a source to create. Only the field group matching
// Type may be set.
type SourceInput struct {
	Type        models.SourceType
	Title       string
	Category    string
	Tags        []string
	Description string
	TenantID    string

	FileName string
	FileSize int64
	MimeType string

	URL string
}

type SourceRef struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

type SourceStatus struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Status       models.Status `json:"status"`
	ChunkCount   int           `json:"chunk_count"`
	ErrorMessage *string       `json:"error_message,omitempty"`
}

type Orchestrator struct {
	config    OrchestratorConfig
	store     types.Store
	processor *processor.Processor
	enricher  *enricher.Enricher
	embedder  types.Embedder
	fetcher   types.Fetcher
	extractor types.Extractor
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithFetcher(f types.Fetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

func WithExtractor(e types.Extractor) Option {
	return func(o *Orchestrator) { o.extractor = e }
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func New(store types.Store, proc *processor.Processor, enr *enricher.Enricher, embedder types.Embedder, config OrchestratorConfig, opts ...Option) (*Orchestrator, error) {
	if store == nil || proc == nil || enr == nil || embedder == nil {
		return nil, fmt.Errorf("%w: store, processor, enricher and embedder are required", models.ErrValidation)
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 60 * time.Second
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 30 * time.Second
	}
	if config.FinalizeTimeout <= 0 {
		config.FinalizeTimeout = 10 * time.Second
	}
	if config.FinalizeRetry.MaxAttempts <= 0 {
		config.FinalizeRetry = retry.Policy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	}

	o := &Orchestrator{
		config:    config,
		store:     store,
		processor: proc,
		enricher:  enr,
		embedder:  embedder,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "ingest")
	return o, nil
}

// CreateSource registers a pending source.
func (o *Orchestrator) CreateSource(ctx context.Context, in SourceInput) (*SourceRef, error) {
	src := &models.Source{
		Type:        in.Type,
		Title:       in.Title,
		FileName:    in.FileName,
		FileSize:    in.FileSize,
		MimeType:    in.MimeType,
		URL:         in.URL,
		Category:    in.Category,
		Tags:        in.Tags,
		Description: in.Description,
		TenantID:    in.TenantID,
	}
	if err := o.store.CreateSource(ctx, src); err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	o.logger.Info("source created", "source", src.ID, "type", src.Type, "title", src.Title)
	return &SourceRef{ID: src.ID, Status: src.Status}, nil
}

func (o *Orchestrator) GetSourceStatus(ctx context.Context, id string) (*SourceStatus, error) {
	src, err := o.store.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	return statusOf(src), nil
}

func statusOf(src *models.Source) *SourceStatus {
	return &SourceStatus{
		ID:           src.ID,
		Title:        src.Title,
		Status:       src.Status,
		ChunkCount:   src.ChunkCount,
		ErrorMessage: src.ErrorMessage,
	}
}

func (o *Orchestrator) ListSources(ctx context.Context, filter models.SourceFilter) ([]models.Source, error) {
	return o.store.ListSources(ctx, filter)
}

func (o *Orchestrator) DeleteSource(ctx context.Context, id string) error {
	if err := o.store.DeleteSource(ctx, id); err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	o.logger.Info("source deleted", "source", id)
	return nil
}

// ResetSource drops the chunks of a finished source and returns it to
// pending so it can be ingested again.
func (o *Orchestrator) ResetSource(ctx context.Context, id string) error {
	if err := o.store.ResetSource(ctx, id); err != nil {
		return fmt.Errorf("failed to reset source: %w", err)
	}
	o.logger.Info("source reset", "source", id)
	return nil
}

// RunIngestion ingests already extracted text into a pending source.
func (o *Orchestrator) RunIngestion(ctx context.Context, id, rawText string) error {
	return o.run(ctx, id, func(context.Context) (string, error) { return rawText, nil })
}

// IngestText creates a text source and ingests text into it. The returned
// status is set whenever the source was created, even if ingestion failed.
func (o *Orchestrator) IngestText(ctx context.Context, in SourceInput, text string) (*SourceStatus, error) {
	in.Type = models.SourceTypeText

	if o.config.Dedup {
		hash := ContentHash(processor.Normalize(text))
		existing, err := o.store.FindSourceByHash(ctx, hash)
		switch {
		case err == nil:
			o.logger.Info("identical content already ingested", "source", existing.ID)
			return statusOf(existing), nil
		case !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("failed to look up content hash: %w", err)
		}
	}

	ref, err := o.CreateSource(ctx, in)
	if err != nil {
		return nil, err
	}
	return o.finish(ctx, ref.ID, o.RunIngestion(ctx, ref.ID, text))
}

// IngestURL creates a url source, fetches the page and ingests its text.
func (o *Orchestrator) IngestURL(ctx context.Context, in SourceInput) (*SourceStatus, error) {
	if o.fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher configured", models.ErrValidation)
	}
	in.Type = models.SourceTypeURL
	if in.Title == "" {
		in.Title = in.URL
	}

	ref, err := o.CreateSource(ctx, in)
	if err != nil {
		return nil, err
	}

	err = o.run(ctx, ref.ID, func(ctx context.Context) (string, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, o.config.FetchTimeout)
		defer cancel()

		page, err := o.fetcher.Fetch(fetchCtx, in.URL)
		if err != nil {
			return "", fmt.Errorf("fetch: %w", err)
		}
		return page.Content, nil
	})
	return o.finish(ctx, ref.ID, err)
}

// IngestFile creates a file source and ingests the text extracted from data.
func (o *Orchestrator) IngestFile(ctx context.Context, in SourceInput, data []byte) (*SourceStatus, error) {
	if o.extractor == nil {
		return nil, fmt.Errorf("%w: no extractor configured", models.ErrValidation)
	}
	in.Type = models.SourceTypeFile
	if in.FileSize == 0 {
		in.FileSize = int64(len(data))
	}
	if in.Title == "" {
		in.Title = in.FileName
	}

	ref, err := o.CreateSource(ctx, in)
	if err != nil {
		return nil, err
	}

	err = o.run(ctx, ref.ID, func(ctx context.Context) (string, error) {
		text, err := o.extractor.Extract(ctx, in.FileName, in.MimeType, data)
		if err != nil {
			return "", fmt.Errorf("extract: %w", err)
		}
		return text, nil
	})
	return o.finish(ctx, ref.ID, err)
}

// finish reports the final status of a source alongside the run error.
func (o *Orchestrator) finish(ctx context.Context, id string, runErr error) (*SourceStatus, error) {
	status, err := o.GetSourceStatus(context.WithoutCancel(ctx), id)
	if err != nil {
		status = &SourceStatus{ID: id}
	}
	return status, runErr
}

// run moves a pending source to processing and drives the pipeline. Every
// exit other than a successful commit marks the source failed.
func (o *Orchestrator) run(ctx context.Context, id string, text func(context.Context) (string, error)) (err error) {
	if err := o.store.UpdateSourceStatus(ctx, id, models.StatusUpdate{Status: models.StatusProcessing}); err != nil {
		return fmt.Errorf("failed to start ingestion: %w", err)
	}

	logger := o.logger.With("source", id)
	started := time.Now()
	logger.Info("ingestion started")

	defer func() {
		if r := recover(); r != nil {
			o.finalize(ctx, id, fmt.Errorf("ingestion panicked: %v", r))
			panic(r)
		}
		if err != nil {
			o.finalize(ctx, id, err)
		}
	}()

	raw, err := text(ctx)
	if err != nil {
		return err
	}
	return o.pipeline(ctx, id, raw, logger, started)
}

func (o *Orchestrator) pipeline(ctx context.Context, id, raw string, logger *slog.Logger, started time.Time) error {
	text := processor.Normalize(raw)
	if text == "" {
		return fmt.Errorf("%w: extracted text is empty", models.ErrValidation)
	}

	segments := o.processor.Segment(text)
	if len(segments) == 0 {
		return fmt.Errorf("%w: text is too short to produce a chunk longer than %d characters",
			models.ErrValidation, o.processor.Config().MinChunkLength)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Debug("segmented", "chunks", len(segments), "chars", len([]rune(text)))

	enriched, stats, err := o.enricher.Enrich(ctx, segments, text, o.config.EnrichConcurrency)
	if err != nil {
		return fmt.Errorf("enrichment: %w", err)
	}

	texts := make([]string, len(enriched))
	for i, seg := range enriched {
		texts[i] = seg.ContentForSearch
	}
	vectors, err := o.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding: %w: expected %d vectors, received %d", models.ErrExternalService, len(texts), len(vectors))
	}

	chunks := make([]models.Chunk, len(enriched))
	for i, seg := range enriched {
		chunks[i] = models.Chunk{
			Content:          seg.Content,
			Context:          seg.Context,
			ContentForSearch: seg.ContentForSearch,
			ChunkIndex:       seg.ChunkIndex,
			Embedding:        vectors[i],
			TokenCount:       seg.TokenCount,
			Metadata: map[string]interface{}{
				"start_offset": seg.Start,
				"end_offset":   seg.End,
				"enriched":     seg.Context != nil,
			},
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()
	if err := o.store.CommitChunks(storeCtx, id, chunks, ContentHash(text)); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	logger.Info("ingestion completed",
		"chunks", len(chunks),
		"enriched", stats.Enriched,
		"fallbacks", stats.Fallbacks,
		"duration", time.Since(started))
	return nil
}

// finalize marks the source failed. It runs detached from ctx so a
// cancelled run still records its outcome, and retries because it is the
// only thing keeping the source out of a stuck processing state.
func (o *Orchestrator) finalize(ctx context.Context, id string, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.FinalizeTimeout)
	defer cancel()

	update := models.StatusUpdate{Status: models.StatusFailed, ErrorMessage: cause.Error()}
	err := retry.Do(fctx, o.config.FinalizeRetry, func(ctx context.Context) error {
		err := o.store.UpdateSourceStatus(ctx, id, update)
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		o.logger.Error("failed to mark source failed", "source", id, "cause", cause, "err", err)
		return
	}
	o.logger.Warn("ingestion failed", "source", id, "err", cause)
}

// ContentHash identifies normalized document text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
