// Package ranking holds the score fusion and ordering rules shared by every
// store implementation.
package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/xhad/ctxrag/internal/models"
)

const (
	DefaultVectorWeight    = 0.7
	DefaultBM25Weight      = 0.3
	DefaultSimilarityFloor = 0.5
)

type Weights struct {
	Vector float64
	BM25   float64
}

func (w Weights) Validate() error {
	if w.Vector < 0 || w.BM25 < 0 {
		return fmt.Errorf("%w: weights cannot be negative (vector=%v, bm25=%v)", models.ErrValidation, w.Vector, w.BM25)
	}
	if w.Vector == 0 && w.BM25 == 0 {
		return fmt.Errorf("%w: at least one weight must be positive", models.ErrValidation)
	}
	return nil
}

// Fuse combines the two relevance signals into the final ranking score.
func Fuse(vectorSimilarity, textRank float64, w Weights) float64 {
	return w.Vector*vectorSimilarity + w.BM25*textRank
}

// CosineSimilarity returns 1 - cosine distance. Zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Less orders results by combined score descending, then chunk index,
// source creation time and chunk id ascending, so identical inputs always
// produce the same order.
func Less(a, b models.SearchResult) bool {
	if a.CombinedScore != b.CombinedScore {
		return a.CombinedScore > b.CombinedScore
	}
	if a.ChunkIndex != b.ChunkIndex {
		return a.ChunkIndex < b.ChunkIndex
	}
	if !a.SourceCreatedAt.Equal(b.SourceCreatedAt) {
		return a.SourceCreatedAt.Before(b.SourceCreatedAt)
	}
	return a.ChunkID < b.ChunkID
}

func Sort(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return Less(results[i], results[j])
	})
}

func Truncate(results []models.SearchResult, max int) []models.SearchResult {
	if max > 0 && len(results) > max {
		return results[:max]
	}
	return results
}
