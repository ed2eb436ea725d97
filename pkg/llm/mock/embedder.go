package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"unicode"
)

const defaultDim = 256

// MockEmbedder is a bag-of-words embedder: every word is hashed into one
// dimension, so texts sharing words have positive cosine similarity and
// texts sharing none score 0. It allows custom behavior injection via
// function fields.
type MockEmbedder struct {
	Dim   int
	Model string

	// EmbedTextsFunc is called by EmbedTexts and EmbedText if set.
	EmbedTextsFunc func(ctx context.Context, texts []string) ([][]float32, error)

	calls atomic.Int64
}

func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{Dim: defaultDim, Model: "mock-embed"}
}

func (m *MockEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (m *MockEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	if m.EmbedTextsFunc != nil {
		return m.EmbedTextsFunc(ctx, texts)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = BagOfWords(text, m.dim())
	}
	return vectors, nil
}

// CreateEmbedding lets the mock stand in for a langchaingo embedding client.
func (m *MockEmbedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	return m.EmbedTexts(ctx, texts)
}

func (m *MockEmbedder) ModelName() string {
	if m.Model == "" {
		return "mock-embed"
	}
	return m.Model
}

func (m *MockEmbedder) Dimensions() int { return m.dim() }

// CallCount returns the number of EmbedTexts calls.
func (m *MockEmbedder) CallCount() int { return int(m.calls.Load()) }

func (m *MockEmbedder) dim() int {
	if m.Dim <= 0 {
		return defaultDim
	}
	return m.Dim
}

// BagOfWords hashes lowercase words of text into a dim-sized count vector.
func BagOfWords(text string, dim int) []float32 {
	vector := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vector[h.Sum32()%uint32(dim)]++
	}
	return vector
}
