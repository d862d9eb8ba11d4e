package rag

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rag-backend/internal/chromemdb"
	"rag-backend/internal/chunker"
	"rag-backend/internal/embedding"
	"rag-backend/internal/embedding/embeddingtest"
	"rag-backend/internal/models"
	"rag-backend/internal/store"
	"rag-backend/internal/tokenizer/tokenizertest"
)

const testDim = 64

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

type stubEmbedder struct {
	mu    sync.Mutex
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

// fakeStore serves canned search results and records what it was asked.
type fakeStore struct {
	store.VectorStore

	results []models.SearchResult
	err     error
	filters [][]string
	topKs   []int
}

func (f *fakeStore) Search(_ context.Context, _ []float32, topK int, documentIDs []string) ([]models.SearchResult, error) {
	f.filters = append(f.filters, documentIDs)
	f.topKs = append(f.topKs, topK)
	if f.err != nil {
		return nil, f.err
	}
	out := append([]models.SearchResult(nil), f.results...)
	return store.Rank(out, topK), nil
}

type failingProvider struct{}

func (failingProvider) CreateEmbedding(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("401 unauthorized: invalid api key")
}

func result(docID, filename string, ordinal int, score float64, content string) models.SearchResult {
	return models.SearchResult{
		Chunk: models.Chunk{
			ID:         docID + "-" + string(rune('a'+ordinal)),
			DocumentID: docID,
			Ordinal:    ordinal,
			Content:    content,
		},
		SourceFilename: filename,
		Score:          score,
	}
}

func newChromem(t *testing.T) *chromemdb.VectorDBManager {
	t.Helper()
	vs, err := chromemdb.NewVectorDBManager("", t.Name(), true, false, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })
	return vs
}

type testStack struct {
	tk       *tokenizertest.Words
	embedder *embedding.Embedder
	pipeline *IngestionPipeline
	store    store.VectorStore
}

func newStack(vs store.VectorStore, provider embedding.Provider) *testStack {
	tk := tokenizertest.New()
	emb := embedding.NewEmbedder(provider, "hash-64", testDim, embedding.WithTokenizer(tk))
	return &testStack{
		tk:       tk,
		embedder: emb,
		pipeline: NewIngestionPipeline(chunker.New(tk), emb, vs, 200, 20),
		store:    vs,
	}
}

func newHashStack(vs store.VectorStore) *testStack {
	return newStack(vs, embeddingtest.NewHashProvider(testDim))
}

func (s *testStack) orchestrator(c Completer, opts ...OrchestratorOption) *Orchestrator {
	return NewOrchestrator(NewRetriever(s.embedder, s.store, 0), NewAssembler(s.tk), c, 5, 1000, opts...)
}
