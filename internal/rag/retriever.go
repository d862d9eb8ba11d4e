package rag

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"rag-backend/internal/models"
	"rag-backend/internal/store"
)

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever turns a question into ranked chunks from the store.
type Retriever struct {
	embedder QueryEmbedder
	store    store.VectorStore
	minScore float64
}

// NewRetriever builds a Retriever. A positive minScore drops weaker matches.
func NewRetriever(embedder QueryEmbedder, vs store.VectorStore, minScore float64) *Retriever {
	return &Retriever{embedder: embedder, store: vs, minScore: minScore}
}

// Retrieve embeds query and searches the store. A nil documentIDs searches
// every document; a non-nil empty one is rejected with NoDocumentsSelected.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, documentIDs []string) ([]models.SearchResult, error) {
	if err := checkRequest(query, topK, documentIDs); err != nil {
		return nil, err
	}
	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.search(ctx, vec, topK, documentIDs)
}

func checkRequest(query string, topK int, documentIDs []string) error {
	const op = "rag.retrieve"
	if documentIDs != nil && len(documentIDs) == 0 {
		return models.Errorf(models.KindNoDocumentsSelected, op, "document filter is empty")
	}
	if strings.TrimSpace(query) == "" {
		return models.Errorf(models.KindInvalidInput, op, "query is empty")
	}
	if topK <= 0 {
		return models.Errorf(models.KindInvalidInput, op, "top_k must be positive, got %d", topK)
	}
	return nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	return r.embedder.EmbedQuery(ctx, query)
}

func (r *Retriever) search(ctx context.Context, vec []float32, topK int, documentIDs []string) ([]models.SearchResult, error) {
	results, err := r.store.Search(ctx, vec, topK, documentIDs)
	if err != nil {
		return nil, err
	}
	out := dedupe(results)
	if r.minScore > 0 {
		kept := out[:0]
		for _, res := range out {
			if res.Score >= r.minScore {
				kept = append(kept, res)
			}
		}
		out = kept
	}
	log.Debug().Int("candidates", len(results)).Int("kept", len(out)).Int("top_k", topK).Msg("Retrieved chunks")
	return out, nil
}

// dedupe drops repeats of a chunk id or of a document ordinal, keeping the
// best ranked copy. Correct stores never produce them.
func dedupe(results []models.SearchResult) []models.SearchResult {
	type position struct {
		doc     string
		ordinal int
	}
	ids := make(map[string]struct{}, len(results))
	positions := make(map[position]struct{}, len(results))
	out := make([]models.SearchResult, 0, len(results))
	for _, res := range results {
		pos := position{res.Chunk.DocumentID, res.Chunk.Ordinal}
		if _, ok := ids[res.Chunk.ID]; ok {
			continue
		}
		if _, ok := positions[pos]; ok {
			continue
		}
		ids[res.Chunk.ID] = struct{}{}
		positions[pos] = struct{}{}
		out = append(out, res)
	}
	return out
}
