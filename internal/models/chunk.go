package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

const contextSeparator = "\n\n"

type Chunk struct {
	ID               string
	SourceID         string
	Content          string
	Context          *string
	ContentForSearch string
	ChunkIndex       int
	Embedding        []float32
	TokenCount       int
	Metadata         map[string]interface{}
	CreatedAt        time.Time
}

// Segment is a span of normalized document text produced by the segmenter.
// Start and End are rune offsets of the untrimmed span.
type Segment struct {
	Content    string
	ChunkIndex int
	TokenCount int
	Start      int
	End        int
}

// EnrichedSegment is a segment after contextual enrichment. Context is nil
// when enrichment was skipped or failed for this segment.
type EnrichedSegment struct {
	Segment
	Context          *string
	ContentForSearch string
}

// ContentForSearch is the text the lexical index and the embedding are built from.
func ContentForSearch(context *string, content string) string {
	if context == nil || strings.TrimSpace(*context) == "" {
		return content
	}
	return strings.TrimSpace(*context) + contextSeparator + content
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}
