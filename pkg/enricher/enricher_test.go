package enricher_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/enricher"
	"github.com/xhad/ctxrag/pkg/llm/mock"
)

func segments(n int) []models.Segment {
	out := make([]models.Segment, n)
	for i := range out {
		content := fmt.Sprintf("chunk number %d", i)
		out[i] = models.Segment{Content: content, ChunkIndex: i, TokenCount: models.EstimateTokens(content)}
	}
	return out
}

func chunkIndex(prompt string) int {
	start := strings.Index(prompt, "<chunk>\nchunk number ")
	var n int
	fmt.Sscanf(prompt[start+len("<chunk>\nchunk number "):], "%d", &n)
	return n
}

func testConfig() enricher.EnricherConfig {
	return enricher.EnricherConfig{
		Enabled:        true,
		MaxAttempts:    1,
		RetryBaseDelay: time.Millisecond,
	}
}

func TestEnrich_PreservesOrder(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, prompt string) (string, error) {
		n := chunkIndex(prompt)
		// Later chunks finish first.
		time.Sleep(time.Duration(10-n) * 2 * time.Millisecond)
		return fmt.Sprintf("context for %d", n), nil
	}

	e, err := enricher.New(gen, testConfig())
	require.NoError(t, err)

	out, stats, err := e.Enrich(context.Background(), segments(10), "the whole document", 5)
	require.NoError(t, err)
	require.Len(t, out, 10)
	assert.Equal(t, enricher.Stats{Total: 10, Enriched: 10}, stats)

	for i, seg := range out {
		assert.Equal(t, i, seg.ChunkIndex)
		require.NotNil(t, seg.Context)
		assert.Equal(t, fmt.Sprintf("context for %d", i), *seg.Context)
		assert.Equal(t, fmt.Sprintf("context for %d\n\nchunk number %d", i, i), seg.ContentForSearch)
	}
}

func TestEnrich_RespectsConcurrencyLimit(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, prompt string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "ctx", nil
	}

	e, err := enricher.New(gen, testConfig())
	require.NoError(t, err)

	_, _, err = e.Enrich(context.Background(), segments(30), "doc", 3)
	require.NoError(t, err)
	assert.Equal(t, 30, gen.CallCount())
	assert.LessOrEqual(t, gen.MaxConcurrent(), 3)
	assert.Greater(t, gen.MaxConcurrent(), 0)
}

func TestEnrich_FallbackOnFailure(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("model unavailable")
	}

	e, err := enricher.New(gen, testConfig())
	require.NoError(t, err)

	out, stats, err := e.Enrich(context.Background(), segments(4), "doc", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Fallbacks)
	assert.Equal(t, 0, stats.Enriched)
	for _, seg := range out {
		assert.Nil(t, seg.Context)
		assert.Equal(t, seg.Content, seg.ContentForSearch)
	}
}

func TestEnrich_BlankOutputIsFallback(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, prompt string) (string, error) {
		if chunkIndex(prompt) == 1 {
			return "  \n ", nil
		}
		return "situated", nil
	}

	e, err := enricher.New(gen, testConfig())
	require.NoError(t, err)

	out, stats, err := e.Enrich(context.Background(), segments(3), "doc", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Fallbacks)
	assert.Nil(t, out[1].Context)
	assert.NotNil(t, out[0].Context)
	assert.NotNil(t, out[2].Context)
}

func TestEnrich_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, prompt string) (string, error) {
		if calls.Add(1) == 1 {
			return "", fmt.Errorf("%w: timeout", models.ErrExternalService)
		}
		return "situated", nil
	}

	cfg := testConfig()
	cfg.MaxAttempts = 2
	e, err := enricher.New(gen, cfg)
	require.NoError(t, err)

	out, stats, err := e.Enrich(context.Background(), segments(1), "doc", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Fallbacks)
	require.NotNil(t, out[0].Context)
	assert.Equal(t, "situated", *out[0].Context)
}

func TestEnrich_MaxFallbackRate(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, prompt string) (string, error) {
		if chunkIndex(prompt)%2 == 0 {
			return "", errors.New("boom")
		}
		return "ok", nil
	}

	cfg := testConfig()
	cfg.MaxFallbackRate = 0.25
	e, err := enricher.New(gen, cfg)
	require.NoError(t, err)

	_, stats, err := e.Enrich(context.Background(), segments(4), "doc", 2)
	assert.ErrorIs(t, err, models.ErrExternalService)
	assert.Equal(t, 2, stats.Fallbacks)
}

func TestEnrich_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int32
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, prompt string) (string, error) {
		if started.Add(1) == 2 {
			cancel()
		}
		<-ctx.Done()
		return "", ctx.Err()
	}

	e, err := enricher.New(gen, testConfig())
	require.NoError(t, err)

	_, _, err = e.Enrich(ctx, segments(20), "doc", 2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, gen.CallCount(), 20)
}

func TestEnrich_Disabled(t *testing.T) {
	gen := mock.NewMockGenerator()
	e, err := enricher.New(gen, enricher.EnricherConfig{})
	require.NoError(t, err)
	assert.False(t, e.Enabled())

	out, stats, err := e.Enrich(context.Background(), segments(3), "doc", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, gen.CallCount())
	assert.Equal(t, 0, stats.Fallbacks)
	for _, seg := range out {
		assert.Nil(t, seg.Context)
		assert.Equal(t, seg.Content, seg.ContentForSearch)
	}
}

func TestExcerpt(t *testing.T) {
	e, err := enricher.New(mock.NewMockGenerator(), enricher.EnricherConfig{Enabled: true, MaxDocumentChars: 5})
	require.NoError(t, err)

	assert.Equal(t, "short", e.Excerpt("short"))
	assert.Equal(t, "héllo\n\n[... document truncated ...]", e.Excerpt("héllo world"))
}

func TestExcerptInPrompt(t *testing.T) {
	long := strings.Repeat("a", 9000)
	var prompt string
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, p string) (string, error) {
		prompt = p
		return "ctx", nil
	}

	e, err := enricher.New(gen, testConfig())
	require.NoError(t, err)

	_, _, err = e.Enrich(context.Background(), segments(1), long, 1)
	require.NoError(t, err)
	assert.Contains(t, prompt, strings.Repeat("a", 8000)+"\n\n[... document truncated ...]")
	assert.NotContains(t, prompt, strings.Repeat("a", 8001))
	assert.Contains(t, prompt, "chunk number 0")
}

func TestNew_Validation(t *testing.T) {
	_, err := enricher.New(nil, enricher.EnricherConfig{Enabled: true})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = enricher.New(mock.NewMockGenerator(), enricher.EnricherConfig{Enabled: true, MaxFallbackRate: 2})
	assert.ErrorIs(t, err, models.ErrValidation)
}
