package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"rag-backend/internal/chromemdb"
	"rag-backend/internal/chunker"
	"rag-backend/internal/config"
	"rag-backend/internal/db"
	"rag-backend/internal/embedding"
	"rag-backend/internal/llmservice"
	"rag-backend/internal/rag"
	"rag-backend/internal/sqlitevec"
	"rag-backend/internal/store"
	"rag-backend/internal/tokenizer"
)

// Dependencies holds every long lived client. It is built once at startup
// and torn down with Close.
type Dependencies struct {
	Config *config.Config

	Store    store.VectorStore
	Postgres *db.Store
	Chromem  *chromemdb.VectorDBManager

	Tokenizer tokenizer.Tokenizer
	Embedder  *embedding.Embedder
	Completer *llmservice.Client

	Orchestrator *rag.Orchestrator
	Service      *rag.Service

	provider embedding.Provider
	llm      llms.Model
}

type Option func(*Dependencies)

// WithTokenizer skips loading the tiktoken encoding.
func WithTokenizer(tk tokenizer.Tokenizer) Option {
	return func(d *Dependencies) {
		d.Tokenizer = tk
	}
}

// WithEmbeddingProvider replaces the provider named in embed_llm.
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(d *Dependencies) {
		d.provider = p
	}
}

// WithCompletionModel replaces the model named in inference_llm.
func WithCompletionModel(m llms.Model) Option {
	return func(d *Dependencies) {
		d.llm = m
	}
}

// NewDependencies opens the configured store and model clients and wires
// the RAG pipeline on top of them.
func NewDependencies(ctx context.Context, cfg *config.Config, opts ...Option) (*Dependencies, error) {
	d := &Dependencies{Config: cfg}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.initStore(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := d.initModels(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to initialize models: %w", err)
	}
	d.initPipeline()

	log.Info().
		Str("store", cfg.Store.Type).
		Str("embedding_model", cfg.EmbedLLM.Model).
		Str("inference_model", cfg.InferenceLLM.Model).
		Msg("All dependencies initialized")
	return d, nil
}

func (d *Dependencies) initStore(ctx context.Context) error {
	cfg := d.Config
	switch cfg.Store.Type {
	case config.StorePostgres:
		s, err := db.Open(ctx, &cfg.Database)
		if err != nil {
			return err
		}
		if err := db.InitDB(ctx, s.DB(), cfg.EmbedLLM.Dimension, false); err != nil {
			_ = s.Close()
			return err
		}
		d.Postgres, d.Store = s, s
	case config.StoreChromem:
		m, err := chromemdb.NewVectorDBManager(cfg.Store.Path, cfg.Store.CollectionName, false, cfg.Store.Compress, cfg.Store.EncryptionKey)
		if err != nil {
			return err
		}
		d.Chromem, d.Store = m, m
	case config.StoreSQLite:
		s, err := sqlitevec.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		d.Store = s
	default:
		return fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
	log.Info().Str("type", cfg.Store.Type).Msg("Vector store ready")
	return nil
}

func (d *Dependencies) initModels() error {
	cfg := d.Config
	if d.Tokenizer == nil {
		tk, err := tokenizer.ForModel(cfg.EmbedLLM.Model)
		if err != nil {
			return err
		}
		d.Tokenizer = tk
	}

	if d.provider == nil {
		p, err := embedding.NewProvider(&cfg.EmbedLLM)
		if err != nil {
			return err
		}
		d.provider = p
	}
	d.Embedder = embedding.FromConfig(d.provider, cfg, d.Tokenizer)

	if d.llm != nil {
		d.Completer = llmservice.NewWithModel(d.llm, &cfg.InferenceLLM)
		return nil
	}
	c, err := llmservice.New(&cfg.InferenceLLM)
	if err != nil {
		return err
	}
	d.Completer = c
	return nil
}

func (d *Dependencies) initPipeline() {
	cfg := d.Config.RAG
	pipeline := rag.NewIngestionPipeline(chunker.New(d.Tokenizer), d.Embedder, d.Store, cfg.ChunkSize, cfg.ChunkOverlap)
	d.Orchestrator = rag.NewOrchestrator(
		rag.NewRetriever(d.Embedder, d.Store, cfg.MinScore),
		rag.NewAssembler(d.Tokenizer),
		d.Completer,
		cfg.TopK,
		cfg.ContextBudget,
	)
	d.Service = rag.NewService(pipeline, d.Orchestrator, d.Store, cfg.UploadDir)
}

// Close releases the store. It is safe to call more than once.
func (d *Dependencies) Close() error {
	if d.Store == nil {
		return nil
	}
	err := d.Store.Close()
	d.Store, d.Postgres, d.Chromem = nil, nil, nil
	if err != nil {
		return errors.Join(errors.New("failed to close store"), err)
	}
	log.Info().Msg("Dependencies closed")
	return nil
}
