package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/internal/types"
)

// runStoreSuite checks the behavior every Store implementation shares.
// Each test uses its own tenant so implementations backed by a shared
// database do not see each other's rows.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) types.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s types.Store, tenant string)
	}{
		{"Lifecycle", testLifecycle},
		{"FailedAndReset", testFailedAndReset},
		{"OnlyCompletedSourcesAreSearched", testOnlyCompleted},
		{"CandidateWidening", testCandidateWidening},
		{"VectorOnlyWeightsMatchVectorSearch", testVectorOnlyWeights},
		{"TieBreakByChunkIndex", testTieBreak},
		{"Filters", testFilters},
		{"DeleteCascades", testDeleteCascades},
		{"LanguageMismatch", testLanguageMismatch},
		{"FindSourceByHash", testFindByHash},
		{"ListSources", testListSources},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			tt.fn(t, s, uuid.NewString())
		})
	}
}

func textSource(tenant, title string) *models.Source {
	return &models.Source{
		Type:     models.SourceTypeText,
		Title:    title,
		Category: "policies",
		TenantID: tenant,
	}
}

func chunk(index int, content string, embedding []float32) models.Chunk {
	return models.Chunk{
		Content:          content,
		ContentForSearch: content,
		ChunkIndex:       index,
		Embedding:        embedding,
		TokenCount:       models.EstimateTokens(content),
		Metadata:         map[string]interface{}{"enriched": false},
	}
}

// ingest creates a source and commits its chunks.
func ingest(t *testing.T, s types.Store, src *models.Source, chunks ...models.Chunk) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateSource(ctx, src))
	require.NoError(t, s.UpdateSourceStatus(ctx, src.ID, models.StatusUpdate{Status: models.StatusProcessing}))
	require.NoError(t, s.CommitChunks(ctx, src.ID, chunks, "hash-"+src.ID))
}

func hybrid(tenant, query string, embedding []float32) models.SearchParams {
	return models.SearchParams{
		QueryText:       query,
		QueryEmbedding:  embedding,
		Filters:         models.SearchFilters{TenantID: tenant},
		MaxResults:      10,
		VectorWeight:    0.7,
		BM25Weight:      0.3,
		SimilarityFloor: 0.5,
	}
}

func chunkIDs(results []models.SearchResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	return ids
}

func testLifecycle(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	src := textSource(tenant, "Lifecycle")
	require.NoError(t, s.CreateSource(ctx, src))
	assert.NotEmpty(t, src.ID)
	assert.Equal(t, models.StatusPending, src.Status)

	err := s.UpdateSourceStatus(ctx, src.ID, models.StatusUpdate{Status: models.StatusCompleted})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = s.CommitChunks(ctx, src.ID, []models.Chunk{chunk(0, "early", []float32{1, 0, 0})}, "h")
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "pending sources cannot complete")

	require.NoError(t, s.UpdateSourceStatus(ctx, src.ID, models.StatusUpdate{Status: models.StatusProcessing}))
	err = s.UpdateSourceStatus(ctx, src.ID, models.StatusUpdate{Status: models.StatusProcessing})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	err = s.ResetSource(ctx, src.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "processing sources cannot be reset")

	require.NoError(t, s.CommitChunks(ctx, src.ID, []models.Chunk{
		chunk(0, "first chunk", []float32{1, 0, 0}),
		chunk(1, "second chunk", []float32{0, 1, 0}),
	}, "abc"))

	got, err := s.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.ChunkCount)
	assert.Equal(t, "abc", got.ContentHash)
	assert.Nil(t, got.ErrorMessage)

	err = s.UpdateSourceStatus(ctx, src.ID, models.StatusUpdate{Status: models.StatusProcessing})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "completed sources need a reset first")

	require.NoError(t, s.ResetSource(ctx, src.ID))
	got, err = s.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.ChunkCount)

	results, err := s.HybridSearch(ctx, hybrid(tenant, "chunk", []float32{1, 0, 0}))
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = s.GetSource(ctx, uuid.NewString())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testFailedAndReset(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	src := textSource(tenant, "Failing")
	require.NoError(t, s.CreateSource(ctx, src))
	require.NoError(t, s.UpdateSourceStatus(ctx, src.ID, models.StatusUpdate{Status: models.StatusProcessing}))
	require.NoError(t, s.UpdateSourceStatus(ctx, src.ID, models.StatusUpdate{
		Status:       models.StatusFailed,
		ErrorMessage: "embedding service unavailable",
	}))

	got, err := s.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "embedding service unavailable", *got.ErrorMessage)

	require.NoError(t, s.ResetSource(ctx, src.ID))
	got, err = s.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.ErrorMessage)

	// Resetting a pending source changes nothing.
	require.NoError(t, s.ResetSource(ctx, src.ID))
}

func testOnlyCompleted(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	done := textSource(tenant, "Done")
	ingest(t, s, done, chunk(0, "refund policy text", []float32{1, 0, 0}))

	pending := textSource(tenant, "Pending")
	require.NoError(t, s.CreateSource(ctx, pending))
	processing := textSource(tenant, "Processing")
	require.NoError(t, s.CreateSource(ctx, processing))
	require.NoError(t, s.UpdateSourceStatus(ctx, processing.ID, models.StatusUpdate{Status: models.StatusProcessing}))

	results, err := s.HybridSearch(ctx, hybrid(tenant, "refund", []float32{1, 0, 0}))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, done.ID, results[0].SourceID)
	assert.Equal(t, "Done", results[0].SourceTitle)
	assert.Equal(t, models.SourceTypeText, results[0].SourceType)
}

func testCandidateWidening(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	src := textSource(tenant, "Widening")
	ingest(t, s, src,
		chunk(0, "shipping times vary by region", []float32{1, 0, 0}),
		chunk(1, "the refund window is seven days", []float32{0, 1, 0}),
		chunk(2, "unrelated gardening notes", []float32{0, 0, 1}),
	)

	results, err := s.HybridSearch(ctx, hybrid(tenant, "refund", []float32{1, 0, 0}))
	require.NoError(t, err)
	require.Len(t, results, 2)

	byIndex := map[int]models.SearchResult{}
	for _, r := range results {
		byIndex[r.ChunkIndex] = r
	}

	vectorHit := byIndex[0]
	assert.InDelta(t, 1.0, vectorHit.VectorSimilarity, 1e-6)
	assert.Zero(t, vectorHit.TextRank)

	lexicalHit, ok := byIndex[1]
	require.True(t, ok, "keyword match below the similarity floor must still be returned")
	assert.InDelta(t, 0, lexicalHit.VectorSimilarity, 1e-6)
	assert.Greater(t, lexicalHit.TextRank, 0.0)
	assert.Greater(t, lexicalHit.CombinedScore, 0.0)
	assert.InDelta(t, 0.3*lexicalHit.TextRank, lexicalHit.CombinedScore, 1e-6)

	vectorOnly, err := s.VectorSearch(ctx, hybrid(tenant, "refund", []float32{1, 0, 0}))
	require.NoError(t, err)
	require.Len(t, vectorOnly, 1)
	assert.Equal(t, 0, vectorOnly[0].ChunkIndex)
}

func testVectorOnlyWeights(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	src := textSource(tenant, "Weights")
	ingest(t, s, src,
		chunk(0, "alpha", []float32{0.9, 0.1, 0}),
		chunk(1, "beta", []float32{1, 0, 0}),
		chunk(2, "gamma", []float32{0.7, 0.3, 0.1}),
		chunk(3, "delta", []float32{0.8, 0.2, 0.2}),
	)

	params := hybrid(tenant, "zzzz", []float32{1, 0, 0})
	params.VectorWeight, params.BM25Weight = 1, 0

	hybridResults, err := s.HybridSearch(ctx, params)
	require.NoError(t, err)
	vectorResults, err := s.VectorSearch(ctx, params)
	require.NoError(t, err)

	require.Len(t, hybridResults, 4)
	assert.Equal(t, chunkIDs(vectorResults), chunkIDs(hybridResults))
	for i := range hybridResults {
		assert.InDelta(t, vectorResults[i].CombinedScore, hybridResults[i].CombinedScore, 1e-9)
	}
	assert.Equal(t, 1, hybridResults[0].ChunkIndex)
}

func testTieBreak(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	src := textSource(tenant, "Ties")
	ingest(t, s, src,
		chunk(2, "third", []float32{1, 0, 0}),
		chunk(0, "first", []float32{1, 0, 0}),
		chunk(1, "second", []float32{1, 0, 0}),
	)

	results, err := s.HybridSearch(ctx, hybrid(tenant, "", []float32{1, 0, 0}))
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.ChunkIndex)
	}

	params := hybrid(tenant, "", []float32{1, 0, 0})
	params.MaxResults = 2
	results, err = s.HybridSearch(ctx, params)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func testFilters(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	a := textSource(tenant, "Policies")
	ingest(t, s, a, chunk(0, "policy", []float32{1, 0, 0}))

	b := &models.Source{
		Type:     models.SourceTypeURL,
		Title:    "Docs",
		URL:      "https://example.com/docs",
		Category: "docs",
		TenantID: tenant,
	}
	ingest(t, s, b, chunk(0, "docs", []float32{1, 0, 0}))

	params := hybrid(tenant, "", []float32{1, 0, 0})
	results, err := s.HybridSearch(ctx, params)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	params.Filters.Category = "docs"
	results, err = s.HybridSearch(ctx, params)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, b.ID, results[0].SourceID)

	params.Filters.Category = ""
	params.Filters.SourceType = models.SourceTypeText
	results, err = s.VectorSearch(ctx, params)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a.ID, results[0].SourceID)

	params.Filters = models.SearchFilters{TenantID: uuid.NewString()}
	results, err = s.HybridSearch(ctx, params)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func testDeleteCascades(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	src := textSource(tenant, "Doomed")
	ingest(t, s, src, chunk(0, "refund", []float32{1, 0, 0}), chunk(1, "refund again", []float32{1, 0, 0}))

	require.NoError(t, s.DeleteSource(ctx, src.ID))

	_, err := s.GetSource(ctx, src.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	results, err := s.HybridSearch(ctx, hybrid(tenant, "refund", []float32{1, 0, 0}))
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.ErrorIs(t, s.DeleteSource(ctx, src.ID), models.ErrNotFound)
}

func testLanguageMismatch(t *testing.T, s types.Store, tenant string) {
	params := hybrid(tenant, "refund", []float32{1, 0, 0})
	params.SearchLanguage = "portuguese"
	if s.SearchLanguage() == "portuguese" {
		params.SearchLanguage = "english"
	}

	_, err := s.HybridSearch(context.Background(), params)
	assert.ErrorIs(t, err, models.ErrConfigMismatch)

	params.SearchLanguage = s.SearchLanguage()
	_, err = s.HybridSearch(context.Background(), params)
	assert.NoError(t, err)
}

func testFindByHash(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	src := textSource(tenant, "Hashed")
	ingest(t, s, src, chunk(0, "content", []float32{1, 0, 0}))

	found, err := s.FindSourceByHash(ctx, "hash-"+src.ID)
	require.NoError(t, err)
	assert.Equal(t, src.ID, found.ID)

	_, err = s.FindSourceByHash(ctx, "missing-"+tenant)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testListSources(t *testing.T, s types.Store, tenant string) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateSource(ctx, textSource(tenant, fmt.Sprintf("Source %d", i))))
	}
	done := textSource(tenant, "Done")
	ingest(t, s, done, chunk(0, "content", []float32{1, 0, 0}))

	all, err := s.ListSources(ctx, models.SourceFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	completed, err := s.ListSources(ctx, models.SourceFilter{TenantID: tenant, Status: models.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, done.ID, completed[0].ID)

	limited, err := s.ListSources(ctx, models.SourceFilter{TenantID: tenant, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
