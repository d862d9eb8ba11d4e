package models

import (
	"fmt"
	"strings"
	"time"
)

// Document is an uploaded file known to the store.
type Document struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	UploadedAt time.Time `json:"upload_time"`
	ChunkCount int       `json:"chunk_count,omitempty"`
}

// Chunk represents a bounded text segment of a document
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"chunk_id"`
	Content    string `json:"chunk_text"`
	TokenCount int    `json:"token_count"`
}

// Embedding is the vector produced for a chunk by a given model.
type Embedding struct {
	Vector []float32
	Model  string
}

// ChunkEmbedding pairs a chunk with its embedding for storage.
type ChunkEmbedding struct {
	Chunk     Chunk
	Embedding Embedding
}

// SearchResult is a ranked chunk. Score is the cosine similarity in [-1, 1],
// higher is more relevant.
type SearchResult struct {
	Chunk          Chunk   `json:"chunk"`
	SourceFilename string  `json:"filename"`
	Score          float64 `json:"score"`
}

// ContextEntry is one chunk selected into an assembled context.
type ContextEntry struct {
	Content        string
	SourceFilename string
	TokenCount     int
}

// AssembledContext is the token-budgeted context handed to the completion model.
type AssembledContext struct {
	Entries     []ContextEntry
	TotalTokens int
	Sources     []string
}

// Empty reports whether no chunk was selected.
func (c AssembledContext) Empty() bool {
	return len(c.Entries) == 0
}

// Text renders the entries in order, each under its source line.
func (c AssembledContext) Text() string {
	parts := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		parts[i] = fmt.Sprintf(SourcePrefix, e.SourceFilename) + e.Content
	}
	return strings.Join(parts, ContextSeparator)
}

// PromptResponse is the final answer for a question. Reason is set when the
// answer did not come from the model, KindInsufficientContext when nothing
// relevant was retrieved.
type PromptResponse struct {
	Query     string         `json:"query"`
	Content   string         `json:"answer"`
	Citations []string       `json:"citations"`
	Chunks    []SearchResult `json:"chunks,omitempty"`
	Grounded  bool           `json:"grounded"`
	Reason    ErrorKind      `json:"reason,omitempty"`
}

// UploadResponse reports a stored document.
type UploadResponse struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Chunks     int    `json:"chunks"`
	Message    string `json:"message"`
}
