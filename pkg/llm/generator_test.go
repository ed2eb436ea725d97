package llm_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/llm"
)

type fakeModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
	temps   []float64
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	for _, m := range messages {
		for _, part := range m.Parts {
			if text, ok := part.(llms.TextContent); ok {
				f.prompts = append(f.prompts, text.Text)
			}
		}
	}
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	f.mu.Lock()
	f.temps = append(f.temps, opts.Temperature)
	f.mu.Unlock()
	if opts.StreamingFunc != nil {
		for _, word := range strings.SplitAfter(f.reply, " ") {
			if err := opts.StreamingFunc(ctx, []byte(word)); err != nil {
				return nil, err
			}
		}
	}

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestNewGenerator(t *testing.T) {
	g, err := llm.NewGenerator(&fakeModel{}, llm.GeneratorConfig{Temperature: 0.5, MaxTokens: 100})
	assert.NoError(t, err)
	assert.NotNil(t, g)

	_, err = llm.NewGenerator(&fakeModel{}, llm.GeneratorConfig{Temperature: 3})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = llm.NewGenerator(&fakeModel{}, llm.GeneratorConfig{MaxTokens: -1})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = llm.NewGenerator(nil, llm.GeneratorConfig{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestGenerate_ZeroTemperatureKept(t *testing.T) {
	model := &fakeModel{reply: "deterministic"}
	g, err := llm.NewGenerator(model, llm.GeneratorConfig{Temperature: 0})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	_, err = g.Answer(context.Background(), "question", nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 0}, model.temps)
}

func TestGenerate(t *testing.T) {
	model := &fakeModel{reply: "  Describes the refund window.  \n"}
	g, err := llm.NewGenerator(model, llm.GeneratorConfig{})
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), "situate this chunk")
	require.NoError(t, err)
	assert.Equal(t, "Describes the refund window.", out)
	assert.Equal(t, []string{"situate this chunk"}, model.prompts)

	model.err = errors.New("connection refused")
	_, err = g.Generate(context.Background(), "again")
	assert.ErrorIs(t, err, models.ErrExternalService)
}

func TestAnswer(t *testing.T) {
	model := &fakeModel{reply: "Returns are accepted within 7 days."}
	g, err := llm.NewGenerator(model, llm.GeneratorConfig{})
	require.NoError(t, err)

	results := []models.SearchResult{
		{SourceID: "s1", SourceTitle: "Refund policy", Content: "returns within 7 days"},
		{SourceID: "s1", SourceTitle: "Refund policy", Content: "receipt required", ChunkIndex: 1},
	}

	out, err := g.Answer(context.Background(), "How long do I have to return?", results)
	require.NoError(t, err)
	assert.Equal(t, "Returns are accepted within 7 days.\n\nSources:\nRefund policy", out)

	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[1], "returns within 7 days")
	assert.Contains(t, model.prompts[1], "Question: How long do I have to return?")
}

func TestAnswerStream(t *testing.T) {
	model := &fakeModel{reply: "Returns are accepted within 7 days."}
	g, err := llm.NewGenerator(model, llm.GeneratorConfig{})
	require.NoError(t, err)

	textCh, errCh := g.AnswerStream(context.Background(), "window?", []models.SearchResult{
		{SourceID: "s1", SourceTitle: "Refund policy"},
	})

	var b strings.Builder
	for part := range textCh {
		b.WriteString(part)
	}
	assert.NoError(t, <-errCh)
	assert.Equal(t, "Returns are accepted within 7 days.\n\nSources:\nRefund policy", b.String())
}
