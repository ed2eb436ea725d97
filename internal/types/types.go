package types

import (
	"context"

	"github.com/xhad/ctxrag/internal/models"
)

// Core interfaces

// Store is the persistence gateway shared by the orchestrator and the
// retrieval engine. Implementations must be safe for concurrent use.
type Store interface {
	CreateSource(ctx context.Context, src *models.Source) error
	GetSource(ctx context.Context, id string) (*models.Source, error)
	ListSources(ctx context.Context, filter models.SourceFilter) ([]models.Source, error)
	FindSourceByHash(ctx context.Context, contentHash string) (*models.Source, error)
	UpdateSourceStatus(ctx context.Context, id string, update models.StatusUpdate) error

	// CommitChunks inserts every chunk of a processing source and marks it
	// completed with chunk_count = len(chunks) atomically.
	CommitChunks(ctx context.Context, sourceID string, chunks []models.Chunk, contentHash string) error

	DeleteSource(ctx context.Context, id string) error
	ResetSource(ctx context.Context, id string) error

	HybridSearch(ctx context.Context, params models.SearchParams) ([]models.SearchResult, error)
	VectorSearch(ctx context.Context, params models.SearchParams) ([]models.SearchResult, error)

	SearchLanguage() string
	Close()
}

type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	Dimensions() int
}

// Generator turns a prompt into a short completion.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*models.Page, error)
}

type Extractor interface {
	Extract(ctx context.Context, fileName, mimeType string, data []byte) (string, error)
}
