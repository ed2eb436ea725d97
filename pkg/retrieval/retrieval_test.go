package retrieval_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/llm/mock"
	"github.com/xhad/ctxrag/pkg/ranking"
	"github.com/xhad/ctxrag/pkg/retrieval"
	"github.com/xhad/ctxrag/pkg/store"
)

// fixedEmbedder maps every query to the same vector.
func fixedEmbedder(v []float32) *mock.MockEmbedder {
	emb := mock.NewMockEmbedder()
	emb.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = v
		}
		return out, nil
	}
	return emb
}

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewMemoryStore(store.MemoryStoreConfig{SearchLanguage: "english"})
	require.NoError(t, err)

	src := &models.Source{Type: models.SourceTypeText, Title: "Handbook", Category: "hr"}
	require.NoError(t, s.CreateSource(ctx, src))
	require.NoError(t, s.UpdateSourceStatus(ctx, src.ID, models.StatusUpdate{Status: models.StatusProcessing}))
	require.NoError(t, s.CommitChunks(ctx, src.ID, []models.Chunk{
		{Content: "vacation days accrue monthly", ContentForSearch: "vacation days accrue monthly", ChunkIndex: 0, Embedding: []float32{1, 0, 0}},
		{Content: "refund requests go to finance", ContentForSearch: "refund requests go to finance", ChunkIndex: 1, Embedding: []float32{0, 1, 0}},
		{Content: "parking is on level two", ContentForSearch: "parking is on level two", ChunkIndex: 2, Embedding: []float32{0, 0, 1}},
	}, "hash"))

	pending := &models.Source{Type: models.SourceTypeText, Title: "Draft"}
	require.NoError(t, s.CreateSource(ctx, pending))
	return s
}

func TestSearch_Hybrid(t *testing.T) {
	engine, err := retrieval.New(seed(t), fixedEmbedder([]float32{1, 0, 0}), retrieval.DefaultConfig())
	require.NoError(t, err)

	resp := engine.Search(context.Background(), "refund vacation", retrieval.Options{})
	assert.Empty(t, resp.Message)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, 0, resp.Results[0].ChunkIndex, "vector and keyword match ranks first")
	assert.Equal(t, 1, resp.Results[1].ChunkIndex, "keyword-only match is still a candidate")
	assert.Greater(t, resp.Results[0].CombinedScore, resp.Results[1].CombinedScore)
	assert.Equal(t, "Handbook", resp.Results[0].SourceTitle)
}

func TestSearch_VectorOnly(t *testing.T) {
	cfg := retrieval.DefaultConfig()
	cfg.LexicalEnabled = false
	engine, err := retrieval.New(seed(t), fixedEmbedder([]float32{1, 0, 0}), cfg)
	require.NoError(t, err)

	resp := engine.Search(context.Background(), "refund vacation", retrieval.Options{})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 0, resp.Results[0].ChunkIndex)
	assert.Zero(t, resp.Results[0].TextRank)
	assert.InDelta(t, resp.Results[0].VectorSimilarity, resp.Results[0].CombinedScore, 1e-9)
}

func TestSearch_Options(t *testing.T) {
	engine, err := retrieval.New(seed(t), fixedEmbedder([]float32{1, 1, 0}), retrieval.DefaultConfig())
	require.NoError(t, err)

	floor := 0.9
	resp := engine.Search(context.Background(), "nothing matches", retrieval.Options{SimilarityFloor: &floor})
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.Message)

	resp = engine.Search(context.Background(), "nothing matches", retrieval.Options{MaxResults: 1})
	assert.Len(t, resp.Results, 1)

	resp = engine.Search(context.Background(), "refund", retrieval.Options{
		Weights: &ranking.Weights{Vector: 0, BM25: 1},
	})
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, 1, resp.Results[0].ChunkIndex)

	resp = engine.Search(context.Background(), "refund", retrieval.Options{
		Filters: models.SearchFilters{Category: "legal"},
	})
	assert.Empty(t, resp.Results)
}

func TestSearch_Degrades(t *testing.T) {
	failing := mock.NewMockEmbedder()
	failing.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("connection refused")
	}

	engine, err := retrieval.New(seed(t), failing, retrieval.DefaultConfig())
	require.NoError(t, err)

	tests := []struct {
		name    string
		query   string
		opts    retrieval.Options
		message string
	}{
		{"empty query", "   ", retrieval.Options{}, "query is empty"},
		{"embedding failure", "refund", retrieval.Options{}, "failed to embed query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := engine.Search(context.Background(), tt.query, tt.opts)
			assert.NotNil(t, resp.Results)
			assert.Empty(t, resp.Results)
			assert.Contains(t, resp.Message, tt.message)
		})
	}
}

func TestSearchWithEmbedding(t *testing.T) {
	engine, err := retrieval.New(seed(t), nil, retrieval.DefaultConfig())
	require.NoError(t, err)

	params := models.SearchParams{
		QueryText:       "parking",
		QueryEmbedding:  []float32{0, 0, 1},
		VectorWeight:    0.7,
		BM25Weight:      0.3,
		SimilarityFloor: 0.5,
	}
	resp := engine.SearchWithEmbedding(context.Background(), params)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 2, resp.Results[0].ChunkIndex)

	params.SearchLanguage = "portuguese"
	resp = engine.SearchWithEmbedding(context.Background(), params)
	assert.Empty(t, resp.Results)
	assert.Contains(t, resp.Message, "does not match the index language")

	params.SearchLanguage = ""
	params.VectorWeight, params.BM25Weight = 0, 0
	resp = engine.SearchWithEmbedding(context.Background(), params)
	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.Message)

	resp = engine.SearchWithEmbedding(context.Background(), models.SearchParams{})
	assert.Equal(t, "query embedding is empty", resp.Message)

	resp = engine.Search(context.Background(), "parking", retrieval.Options{})
	assert.Contains(t, resp.Message, "no embedder")
}

func TestNew_Validation(t *testing.T) {
	s := seed(t)

	cfg := retrieval.DefaultConfig()
	cfg.SearchLanguage = "spanish"
	_, err := retrieval.New(s, nil, cfg)
	assert.ErrorIs(t, err, models.ErrConfigMismatch)

	cfg = retrieval.DefaultConfig()
	cfg.VectorWeight = -1
	_, err = retrieval.New(s, nil, cfg)
	assert.ErrorIs(t, err, models.ErrValidation)

	cfg = retrieval.DefaultConfig()
	cfg.SimilarityFloor = 2
	_, err = retrieval.New(s, nil, cfg)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = retrieval.New(nil, nil, retrieval.DefaultConfig())
	assert.ErrorIs(t, err, models.ErrValidation)

	engine, err := retrieval.New(s, nil, retrieval.Config{})
	require.NoError(t, err)
	assert.Equal(t, "english", engine.Config().SearchLanguage)
	assert.Equal(t, 0.7, engine.Config().VectorWeight)
}
