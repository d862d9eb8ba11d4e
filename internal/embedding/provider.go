package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"rag-backend/internal/config"
)

// Provider is the raw model endpoint. Any langchaingo embedding client satisfies it.
type Provider = embeddings.EmbedderClient

// NewProvider builds the provider selected by embed_llm.provider.
func NewProvider(cfg *config.LLMConfig) (Provider, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        cfg.Provider,
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Creating embedding provider")

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	case config.ProviderOllama:
		return NewOllamaProvider(cfg)
	case config.ProviderLangchainOpenAI:
		return NewLangchainOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// NewOllamaProvider talks to a local ollama server.
func NewOllamaProvider(cfg *config.LLMConfig) (*ollama.LLM, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing ollama embedder: %w", err)
	}
	return llm, nil
}

// NewLangchainOpenAIProvider goes through langchaingo's OpenAI client, which
// also works for OpenRouter style gateways.
func NewLangchainOpenAIProvider(cfg *config.LLMConfig) (*openai.LLM, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing openai embedder: %w", err)
	}
	return llm, nil
}

// OpenAIProvider calls the OpenAI embeddings endpoint directly. Unlike the
// langchaingo client it surfaces HTTP status codes, which IsTransient uses.
type OpenAIProvider struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
}

func NewOpenAIProvider(cfg *config.LLMConfig) *OpenAIProvider {
	oc := goopenai.DefaultConfig(strings.TrimPrefix(cfg.Key, "Bearer "))
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: goopenai.NewClientWithConfig(oc),
		model:  goopenai.EmbeddingModel(cfg.Model),
	}
}

// CreateEmbedding returns the vectors in input order. The response carries an
// index per item; it is checked to be a permutation of the inputs.
func (p *OpenAIProvider) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequestStrings{
		Input: texts,
		Model: p.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("openai returned embedding index %d out of range", d.Index)
		}
		if out[d.Index] != nil {
			return nil, fmt.Errorf("openai returned embedding index %d twice", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
