package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/xhad/ctxrag/internal/models"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	defaultOllamaURL = "http://localhost:11434" // Default Ollama URL
)

// newOllama and newOpenAI return clients that implement both llms.Model and
// embeddings.EmbedderClient.
func newOllama(model, baseURL string) (*ollama.LLM, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return ollama.New(ollama.WithModel(model), ollama.WithServerURL(baseURL))
}

func newOpenAI(model, embeddingModel, baseURL, apiKey string) (*openai.LLM, error) {
	if apiKey == "" {
		// Local OpenAI-compatible servers accept any token.
		apiKey = "none"
	}
	opts := []openai.Option{openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if embeddingModel != "" {
		opts = append(opts, openai.WithEmbeddingModel(embeddingModel))
	}
	return openai.New(opts...)
}

func unsupportedProvider(provider string) error {
	return fmt.Errorf("%w: unsupported provider %q (use %q or %q)", models.ErrValidation, provider, ProviderOllama, ProviderOpenAI)
}
