// Package store defines the vector store contract shared by the postgres,
// chromem and sqlite backends, plus the ranking rules they all follow.
package store

import (
	"cmp"
	"context"
	"math"
	"slices"

	"rag-backend/internal/models"
)

// VectorStore persists chunks with their embeddings and answers nearest
// neighbour queries by cosine similarity.
type VectorStore interface {
	// Write stores doc and all of its chunks as one unit: a concurrent Search
	// sees either every chunk of doc or none of them. Writing a document whose
	// id or filename is already stored fails with DocumentExists.
	Write(ctx context.Context, doc models.Document, chunks []models.ChunkEmbedding) error

	// Search returns at most topK chunks ordered by descending similarity,
	// ties broken by lower ordinal. An empty documentIDs searches everything.
	Search(ctx context.Context, query []float32, topK int, documentIDs []string) ([]models.SearchResult, error)

	// DeleteDocument removes the document and its chunks. Unknown ids are a no-op.
	DeleteDocument(ctx context.Context, documentID string) error

	// ListDocuments returns all documents, newest first.
	ListDocuments(ctx context.Context) ([]models.Document, error)

	Close() error
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Compare orders results best first: higher score, then lower ordinal, then
// document id and chunk id so the order is total.
func Compare(a, b models.SearchResult) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Chunk.Ordinal, b.Chunk.Ordinal); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Chunk.DocumentID, b.Chunk.DocumentID); c != 0 {
		return c
	}
	return cmp.Compare(a.Chunk.ID, b.Chunk.ID)
}

// Rank sorts results in place and truncates them to topK.
func Rank(results []models.SearchResult, topK int) []models.SearchResult {
	slices.SortFunc(results, Compare)
	if topK >= 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// SortNewestFirst orders documents by upload time, latest first, then by id.
func SortNewestFirst(docs []models.Document) {
	slices.SortFunc(docs, func(a, b models.Document) int {
		if c := b.UploadedAt.Compare(a.UploadedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// FilterSet turns a document filter into a lookup set; nil means no filter.
func FilterSet(documentIDs []string) map[string]struct{} {
	if len(documentIDs) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		set[id] = struct{}{}
	}
	return set
}

// ValidateWrite checks a write request before any backend touches storage.
// Chunks without a document id are assigned doc.ID.
func ValidateWrite(doc models.Document, chunks []models.ChunkEmbedding) error {
	const op = "store.write"
	if doc.ID == "" || doc.Filename == "" {
		return models.Errorf(models.KindInvalidInput, op, "document id and filename are required")
	}
	if len(chunks) == 0 {
		return models.Errorf(models.KindInvalidInput, op, "document %s has no chunks", doc.ID)
	}
	dim := len(chunks[0].Embedding.Vector)
	for i := range chunks {
		c := &chunks[i]
		if c.Chunk.DocumentID == "" {
			c.Chunk.DocumentID = doc.ID
		}
		if c.Chunk.DocumentID != doc.ID {
			return models.Errorf(models.KindInvalidInput, op, "chunk %d belongs to %s, not %s", i, c.Chunk.DocumentID, doc.ID)
		}
		if c.Chunk.ID == "" {
			return models.Errorf(models.KindInvalidInput, op, "chunk %d has no id", i)
		}
		if len(c.Embedding.Vector) == 0 || len(c.Embedding.Vector) != dim {
			return models.Errorf(models.KindEmbeddingDimensionMismatch, op,
				"chunk %d has dimension %d, expected %d", i, len(c.Embedding.Vector), dim)
		}
	}
	return nil
}

// Unavailable wraps a backend failure.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if models.KindOf(err) != "" {
		return err
	}
	return models.NewError(models.KindStoreUnavailable, op, err)
}
