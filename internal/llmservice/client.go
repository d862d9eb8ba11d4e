package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"rag-backend/internal/config"
	"rag-backend/internal/models"
)

var ErrEmptyCompletion = errors.New("model returned no choices")

// Client sends finished prompts to a chat model.
type Client struct {
	llm         llms.Model
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// New connects to the model described by inference_llm.
func New(cfg *config.LLMConfig) (*Client, error) {
	log.Debug().Interface("config", map[string]string{
		"provider": cfg.Provider,
		"base_url": cfg.BaseURL,
		"model":    cfg.Model,
	}).Msg("Creating completion client")

	var (
		llm llms.Model
		err error
	)
	switch cfg.Provider {
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err = ollama.New(opts...)
	case config.ProviderOpenAI, config.ProviderLangchainOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported inference provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("error initializing LLM: %w", err)
	}
	return NewWithModel(llm, cfg), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(llm llms.Model, cfg *config.LLMConfig) *Client {
	return &Client{
		llm:         llm,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}
}

// Complete answers a prompt under the grounding system prompt and returns the
// text of the first choice. Failures are reported as CompletionUnavailable.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	const op = "llmservice.complete"

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, models.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	start := time.Now()
	res, err := c.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(c.maxTokens),
	)
	if err != nil {
		return "", models.NewError(models.KindCompletionUnavailable, op, err)
	}
	if res == nil || len(res.Choices) == 0 {
		return "", models.NewError(models.KindCompletionUnavailable, op, ErrEmptyCompletion)
	}

	log.Debug().Str("model", c.model).Dur("took", time.Since(start)).Int("answer_len", len(res.Choices[0].Content)).Msg("Completion received")
	return strings.TrimSpace(res.Choices[0].Content), nil
}
