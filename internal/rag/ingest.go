package rag

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"rag-backend/internal/chunker"
	"rag-backend/internal/helper"
	"rag-backend/internal/models"
	"rag-backend/internal/store"
)

// BatchEmbedder embeds many texts at once, preserving order.
type BatchEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// IngestionPipeline chunks, embeds and stores one document.
type IngestionPipeline struct {
	chunker   *chunker.Chunker
	embedder  BatchEmbedder
	store     store.VectorStore
	chunkSize int
	overlap   int
}

func NewIngestionPipeline(c *chunker.Chunker, e BatchEmbedder, vs store.VectorStore, chunkSize, overlap int) *IngestionPipeline {
	return &IngestionPipeline{chunker: c, embedder: e, store: vs, chunkSize: chunkSize, overlap: overlap}
}

// Ingest stores text under documentID and returns the number of chunks. The
// document only becomes searchable once every chunk is embedded and written;
// any failure leaves nothing behind.
func (p *IngestionPipeline) Ingest(ctx context.Context, documentID, filename, text string) (int, error) {
	const op = "rag.ingest"
	if strings.TrimSpace(text) == "" {
		return 0, models.Errorf(models.KindInvalidInput, op, "%s has no text content", filename)
	}

	start := time.Now()
	pieces := p.chunker.Chunk(text, p.chunkSize, p.overlap)
	stats := chunker.Summarize(pieces)
	log.Info().
		Str("document_id", documentID).
		Str("filename", filename).
		Int("total_tokens", stats.TotalTokens).
		Int("chunks", stats.ChunkCount).
		Float64("avg_tokens", stats.AvgTokens).
		Int("min_tokens", stats.MinTokens).
		Int("max_tokens", stats.MaxTokens).
		Msg("Chunked document")

	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Text
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}

	model := p.embedder.Model()
	chunks := make([]models.ChunkEmbedding, len(pieces))
	for i, piece := range pieces {
		chunks[i] = models.ChunkEmbedding{
			Chunk: models.Chunk{
				ID:         helper.GenerateUUID(),
				DocumentID: documentID,
				Ordinal:    i,
				Content:    piece.Text,
				TokenCount: piece.TokenCount,
			},
			Embedding: models.Embedding{Vector: vectors[i], Model: model},
		}
	}

	doc := models.Document{ID: documentID, Filename: filename, UploadedAt: time.Now().UTC()}
	if err := p.store.Write(ctx, doc, chunks); err != nil {
		return 0, err
	}
	log.Info().Str("document_id", documentID).Int("chunks", len(chunks)).Dur("took", time.Since(start)).Msg("Ingested document")
	return len(chunks), nil
}
