package models

import "time"

type SearchFilters struct {
	Category   string
	SourceType SourceType
	TenantID   string
}

// SearchParams is the full input of the hybrid and vector-only query primitives.
type SearchParams struct {
	QueryText       string
	QueryEmbedding  []float32
	Filters         SearchFilters
	MaxResults      int
	VectorWeight    float64
	BM25Weight      float64
	SimilarityFloor float64
	SearchLanguage  string
}

type SearchResult struct {
	ChunkID          string                 `json:"chunk_id"`
	SourceID         string                 `json:"source_id"`
	SourceTitle      string                 `json:"source_title"`
	SourceType       SourceType             `json:"source_type"`
	Content          string                 `json:"content"`
	Context          *string                `json:"context,omitempty"`
	ChunkIndex       int                    `json:"chunk_index"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	VectorSimilarity float64                `json:"vector_similarity"`
	TextRank         float64                `json:"text_rank"`
	CombinedScore    float64                `json:"combined_score"`

	SourceCreatedAt time.Time `json:"-"`
}

// Page is the text extracted from a fetched URL.
type Page struct {
	URL         string
	Title       string
	Content     string
	ContentType string
}
