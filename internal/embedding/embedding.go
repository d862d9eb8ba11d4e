package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"rag-backend/internal/config"
	"rag-backend/internal/models"
	"rag-backend/internal/tokenizer"
)

// Embedder turns texts into vectors of a fixed dimension. It keeps no state
// between calls and is safe for concurrent use.
type Embedder struct {
	provider    Provider
	tk          tokenizer.Tokenizer
	model       string
	dimension   int
	batchSize   int
	batchTokens int
	concurrency int
	callTimeout time.Duration
	retry       config.RetryConfig
}

type Option func(*Embedder)

// WithTokenizer enables token-based batch limits.
func WithTokenizer(tk tokenizer.Tokenizer) Option {
	return func(e *Embedder) {
		e.tk = tk
	}
}

func WithBatchSize(items, tokens int) Option {
	return func(e *Embedder) {
		e.batchSize = items
		e.batchTokens = tokens
	}
}

func WithConcurrency(n int) Option {
	return func(e *Embedder) {
		e.concurrency = n
	}
}

// WithCallTimeout bounds a single provider request.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Embedder) {
		e.callTimeout = d
	}
}

func WithRetry(rc config.RetryConfig) Option {
	return func(e *Embedder) {
		e.retry = rc
	}
}

// NewEmbedder wraps a provider for the given model and expected dimension.
func NewEmbedder(provider Provider, model string, dimension int, opts ...Option) *Embedder {
	e := &Embedder{
		provider:    provider,
		model:       model,
		dimension:   dimension,
		batchSize:   20,
		concurrency: 1,
		retry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.batchSize <= 0 {
		e.batchSize = 1
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}
	if e.retry.MaxAttempts <= 0 {
		e.retry.MaxAttempts = 1
	}
	return e
}

// FromConfig builds an Embedder from the embed_llm, rag and retry sections.
func FromConfig(provider Provider, cfg *config.Config, tk tokenizer.Tokenizer) *Embedder {
	return NewEmbedder(provider, cfg.EmbedLLM.Model, cfg.EmbedLLM.Dimension,
		WithTokenizer(tk),
		WithBatchSize(cfg.RAG.BatchSize, cfg.RAG.MaxBatchTokens),
		WithConcurrency(cfg.RAG.Concurrency),
		WithCallTimeout(cfg.EmbedLLM.Timeout),
		WithRetry(cfg.Retry),
	)
}

func (e *Embedder) Model() string  { return e.model }
func (e *Embedder) Dimension() int { return e.dimension }

// Embed returns one vector per input, in input order. Either every vector is
// returned or an error is: EmbeddingUnavailable when the provider keeps
// failing, EmbeddingDimensionMismatch when it answers with the wrong shape.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.retry.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.retry.Deadline)
		defer cancel()
	}

	batches := e.split(texts)
	results := make([][][]float32, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, b := range batches {
		g.Go(func() error {
			vectors, err := e.embedBatch(gctx, texts[b.start:b.end])
			if err != nil {
				return err
			}
			results[i] = vectors
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for _, r := range results {
		out = append(out, r...)
	}
	log.Debug().Int("texts", len(texts)).Int("batches", len(batches)).Str("model", e.model).Msg("Generated embeddings")
	return out, nil
}

// EmbedQuery embeds a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type span struct{ start, end int }

// split cuts texts into consecutive batches bounded by item count and, when a
// tokenizer is set, by total tokens. A text too large for any batch travels alone.
func (e *Embedder) split(texts []string) []span {
	var spans []span
	start, tokens := 0, 0
	for i, t := range texts {
		n := 0
		if e.tk != nil && e.batchTokens > 0 {
			n = e.tk.Count(t)
		}
		full := i-start >= e.batchSize || (e.batchTokens > 0 && tokens+n > e.batchTokens)
		if full && i > start {
			spans = append(spans, span{start, i})
			start, tokens = i, 0
		}
		tokens += n
	}
	return append(spans, span{start, len(texts)})
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	const op = "embedding.embed"

	delay := e.retry.BaseDelay
	var lastErr error
	attempt := 0
	for attempt < e.retry.MaxAttempts {
		attempt++

		vectors, err := e.call(ctx, batch)
		if err == nil {
			return e.validate(batch, vectors)
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if !IsTransient(err) {
			return nil, models.NewError(models.KindEmbeddingUnavailable, op, err)
		}
		if attempt == e.retry.MaxAttempts {
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Int("batch", len(batch)).Msg("Embedding request failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		delay = min(delay*2, e.retry.MaxDelay)
	}

	return nil, &models.Error{
		Kind: models.KindEmbeddingUnavailable,
		Op:   op,
		Msg:  fmt.Sprintf("gave up after %d attempt(s)", attempt),
		Err:  lastErr,
	}
}

func (e *Embedder) call(ctx context.Context, batch []string) ([][]float32, error) {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	return e.provider.CreateEmbedding(ctx, batch)
}

// validate checks the provider payload before it leaves the package.
func (e *Embedder) validate(batch []string, vectors [][]float32) ([][]float32, error) {
	if len(vectors) != len(batch) {
		return nil, models.Errorf(models.KindEmbeddingUnavailable, "embedding.validate",
			"provider returned %d vectors for %d inputs", len(vectors), len(batch))
	}
	for i, v := range vectors {
		if len(v) != e.dimension {
			return nil, models.Errorf(models.KindEmbeddingDimensionMismatch, "embedding.validate",
				"vector %d has dimension %d, model %s is configured for %d", i, len(v), e.model, e.dimension)
		}
	}
	return vectors, nil
}
