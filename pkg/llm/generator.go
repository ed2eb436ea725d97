package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/xhad/ctxrag/internal/models"
)

// GeneratorConfig represents the configuration for a text generator.
type GeneratorConfig struct {
	Provider        string
	Model           string
	BaseURL         string
	APIKey          string
	Temperature     float64
	MaxTokens       int
	SystemTemplate  string
	ContextTemplate string
}

// Generator produces short completions for enrichment and grounded answers
// over retrieved chunks.
type Generator struct {
	config GeneratorConfig
	llm    llms.Model
}

// NewGeneratorWithConfig creates a Generator backed by the configured provider.
func NewGeneratorWithConfig(config GeneratorConfig) (*Generator, error) {
	if config.Provider == "" {
		config.Provider = ProviderOllama
	}
	if config.Model == "" {
		config.Model = "mistral" // Default Ollama model
	}

	var model llms.Model
	var err error
	switch config.Provider {
	case ProviderOllama:
		model, err = newOllama(config.Model, config.BaseURL)
	case ProviderOpenAI:
		model, err = newOpenAI(config.Model, "", config.BaseURL, config.APIKey)
	default:
		return nil, unsupportedProvider(config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewGenerator(model, config)
}

// NewGenerator wraps an existing model.
func NewGenerator(model llms.Model, config GeneratorConfig) (*Generator, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: model is required", models.ErrValidation)
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("%w: temperature must be between 0 and 2", models.ErrValidation)
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: max tokens cannot be negative", models.ErrValidation)
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a helpful assistant with access to the following documentation. Answer questions based only on this context and cite the sources you used."
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = "Relevant documentation:\n%s\n\nQuestion: %s"
	}

	return &Generator{
		config: config,
		llm:    model,
	}, nil
}

// Generate returns the model's completion for a single prompt, trimmed.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt,
		llms.WithTemperature(g.config.Temperature),
		llms.WithMaxTokens(g.config.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("%w: generate: %w", models.ErrExternalService, err)
	}
	return strings.TrimSpace(out), nil
}

// Answer generates a response to question grounded on the retrieved chunks.
func (g *Generator) Answer(ctx context.Context, question string, results []models.SearchResult) (string, error) {
	resp, err := g.llm.GenerateContent(ctx, g.messages(question, results),
		llms.WithTemperature(g.config.Temperature),
		llms.WithMaxTokens(g.config.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("%w: answer: %w", models.ErrExternalService, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: answer: empty response from LLM", models.ErrExternalService)
	}
	return strings.TrimSpace(resp.Choices[0].Content) + formatSources(results), nil
}

// AnswerStream is Answer delivered incrementally. The text channel is closed
// when generation ends; at most one error is sent on the error channel.
func (g *Generator) AnswerStream(ctx context.Context, question string, results []models.SearchResult) (<-chan string, <-chan error) {
	textCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(textCh)
		defer close(errCh)

		streamed := false
		resp, err := g.llm.GenerateContent(ctx, g.messages(question, results),
			llms.WithTemperature(g.config.Temperature),
			llms.WithMaxTokens(g.config.MaxTokens),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				streamed = true
				select {
				case textCh <- string(chunk):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}),
		)
		if err != nil {
			errCh <- fmt.Errorf("%w: answer: %w", models.ErrExternalService, err)
			return
		}

		// Providers without streaming support return the full text instead.
		if !streamed && resp != nil {
			for _, choice := range resp.Choices {
				if choice != nil && choice.Content != "" {
					textCh <- choice.Content
				}
			}
		}
		if sources := formatSources(results); sources != "" {
			textCh <- sources
		}
	}()

	return textCh, errCh
}

func (g *Generator) messages(question string, results []models.SearchResult) []llms.MessageContent {
	var contextBuilder strings.Builder
	for _, r := range results {
		contextBuilder.WriteString(fmt.Sprintf("Source: %s (chunk %d)\n%s\n\n", r.SourceTitle, r.ChunkIndex, r.Content))
	}

	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, g.config.SystemTemplate),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(g.config.ContextTemplate, contextBuilder.String(), question)),
	}
}

// formatSources formats the sources for citation.
func formatSources(results []models.SearchResult) string {
	var sources []string
	seen := make(map[string]bool)

	for _, r := range results {
		if !seen[r.SourceID] {
			sources = append(sources, r.SourceTitle)
			seen[r.SourceID] = true
		}
	}

	if len(sources) == 0 {
		return ""
	}

	return fmt.Sprintf("\n\nSources:\n%s", strings.Join(sources, "\n"))
}
