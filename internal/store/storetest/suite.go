// Package storetest holds the behaviour every store.VectorStore must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-backend/internal/models"
	"rag-backend/internal/store"
)

// Dim is the vector dimension used by the suite.
const Dim = 4

// Factory returns an empty store; it is called once per subtest.
type Factory func(t *testing.T) store.VectorStore

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.VectorStore)
	}{
		{"RoundTrip", testRoundTrip},
		{"TopKBounds", testTopKBounds},
		{"DocumentFilter", testDocumentFilter},
		{"TieBreakByOrdinal", testTieBreak},
		{"ScoresDescend", testScoresDescend},
		{"DeleteCascades", testDeleteCascades},
		{"DeleteIsIdempotent", testDeleteIdempotent},
		{"RejectsDuplicates", testRejectsDuplicates},
		{"ListNewestFirst", testListNewestFirst},
		{"DeleteDuringConcurrentInsert", testDeleteDuringInsert},
		{"WriteIsAtomicForReaders", testAtomicVisibility},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// Doc builds a document with n chunks whose vectors come from vec(ordinal).
func Doc(id, filename string, uploaded time.Time, n int, vec func(i int) []float32) (models.Document, []models.ChunkEmbedding) {
	doc := models.Document{ID: id, Filename: filename, UploadedAt: uploaded}
	chunks := make([]models.ChunkEmbedding, n)
	for i := range chunks {
		chunks[i] = models.ChunkEmbedding{
			Chunk: models.Chunk{
				ID:         fmt.Sprintf("%s-%03d", id, i),
				DocumentID: id,
				Ordinal:    i,
				Content:    fmt.Sprintf("chunk %d of %s", i, filename),
				TokenCount: 5,
			},
			Embedding: models.Embedding{Vector: vec(i), Model: "test"},
		}
	}
	return doc, chunks
}

func axis(k int) func(int) []float32 {
	return func(int) []float32 {
		v := make([]float32, Dim)
		v[k%Dim] = 1
		return v
	}
}

func spread(i int) []float32 {
	return []float32{1, float32(i) * 0.1, 0, 0}
}

// Epoch is the upload time of the first document in the suite.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func write(t *testing.T, s store.VectorStore, doc models.Document, chunks []models.ChunkEmbedding) {
	t.Helper()
	require.NoError(t, s.Write(context.Background(), doc, chunks))
}

func testRoundTrip(t *testing.T, s store.VectorStore) {
	doc, chunks := Doc("doc-merrowood", "merrowood.txt", Epoch, 3, spread)
	write(t, s, doc, chunks)

	results, err := s.Search(context.Background(), spread(0), 5, []string{doc.ID})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "merrowood.txt", results[0].SourceFilename)
	assert.Equal(t, chunks[0].Chunk.Content, results[0].Chunk.Content)
	assert.Equal(t, doc.ID, results[0].Chunk.DocumentID)
	assert.Equal(t, 5, results[0].Chunk.TokenCount)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
}

func testTopKBounds(t *testing.T, s store.VectorStore) {
	doc, chunks := Doc("doc-a", "a.txt", Epoch, 7, spread)
	write(t, s, doc, chunks)

	results, err := s.Search(context.Background(), spread(3), 5, nil)
	require.NoError(t, err)
	assert.Len(t, results, 5)

	results, err = s.Search(context.Background(), spread(3), 100, nil)
	require.NoError(t, err)
	assert.Len(t, results, 7)
}

func testDocumentFilter(t *testing.T, s store.VectorStore) {
	a, ac := Doc("doc-a", "a.txt", Epoch, 2, axis(0))
	b, bc := Doc("doc-b", "b.txt", Epoch.Add(time.Minute), 2, axis(1))
	write(t, s, a, ac)
	write(t, s, b, bc)

	results, err := s.Search(context.Background(), axis(1)(0), 10, []string{a.ID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, a.ID, r.Chunk.DocumentID)
		assert.Equal(t, "a.txt", r.SourceFilename)
	}

	for _, filter := range [][]string{nil, {}} {
		results, err = s.Search(context.Background(), axis(1)(0), 10, filter)
		require.NoError(t, err)
		assert.Len(t, results, 4)
	}

	results, err = s.Search(context.Background(), axis(1)(0), 10, []string{"missing"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func testTieBreak(t *testing.T, s store.VectorStore) {
	doc, chunks := Doc("doc-a", "a.txt", Epoch, 4, axis(2))
	// insertion order must not leak into ranking
	chunks[0], chunks[3] = chunks[3], chunks[0]
	write(t, s, doc, chunks)

	results, err := s.Search(context.Background(), axis(2)(0), 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Chunk.Ordinal)
	}
}

func testScoresDescend(t *testing.T, s store.VectorStore) {
	doc, chunks := Doc("doc-a", "a.txt", Epoch, 6, spread)
	write(t, s, doc, chunks)

	results, err := s.Search(context.Background(), spread(5), 6, nil)
	require.NoError(t, err)
	require.Len(t, results, 6)
	assert.Equal(t, 5, results[0].Chunk.Ordinal)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, -1.0-1e-6)
		assert.LessOrEqual(t, r.Score, 1.0+1e-6)
	}
}

func testDeleteCascades(t *testing.T, s store.VectorStore) {
	ctx := context.Background()
	a, ac := Doc("doc-a", "a.txt", Epoch, 3, axis(0))
	b, bc := Doc("doc-b", "b.txt", Epoch, 3, axis(0))
	write(t, s, a, ac)
	write(t, s, b, bc)

	require.NoError(t, s.DeleteDocument(ctx, a.ID))

	results, err := s.Search(ctx, axis(0)(0), 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, b.ID, r.Chunk.DocumentID)
	}

	results, err = s.Search(ctx, axis(0)(0), 10, []string{a.ID})
	require.NoError(t, err)
	assert.Empty(t, results)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, b.ID, docs[0].ID)

	// the filename is free again
	a2, ac2 := Doc("doc-a2", "a.txt", Epoch, 1, axis(0))
	write(t, s, a2, ac2)
}

func testDeleteIdempotent(t *testing.T, s store.VectorStore) {
	ctx := context.Background()
	assert.NoError(t, s.DeleteDocument(ctx, "never-existed"))

	doc, chunks := Doc("doc-a", "a.txt", Epoch, 1, axis(0))
	write(t, s, doc, chunks)
	assert.NoError(t, s.DeleteDocument(ctx, doc.ID))
	assert.NoError(t, s.DeleteDocument(ctx, doc.ID))
}

func testRejectsDuplicates(t *testing.T, s store.VectorStore) {
	ctx := context.Background()
	doc, chunks := Doc("doc-a", "a.txt", Epoch, 2, axis(0))
	write(t, s, doc, chunks)

	_, again := Doc("doc-a", "other.txt", Epoch, 2, axis(0))
	err := s.Write(ctx, models.Document{ID: "doc-a", Filename: "other.txt", UploadedAt: Epoch}, again)
	assert.True(t, errors.Is(err, models.ErrDocumentExists), "same id: %v", err)

	dup, dupChunks := Doc("doc-b", "a.txt", Epoch, 2, axis(0))
	err = s.Write(ctx, dup, dupChunks)
	assert.True(t, errors.Is(err, models.ErrDocumentExists), "same filename: %v", err)

	results, err := s.Search(ctx, axis(0)(0), 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func testListNewestFirst(t *testing.T, s store.VectorStore) {
	ctx := context.Background()
	old, oc := Doc("doc-old", "old.txt", Epoch, 2, axis(0))
	mid, mc := Doc("doc-mid", "mid.txt", Epoch.Add(time.Hour), 1, axis(0))
	recent, rc := Doc("doc-new", "new.txt", Epoch.Add(2*time.Hour), 3, axis(0))
	write(t, s, mid, mc)
	write(t, s, recent, rc)
	write(t, s, old, oc)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"doc-new", "doc-mid", "doc-old"}, []string{docs[0].ID, docs[1].ID, docs[2].ID})
	assert.Equal(t, []int{3, 1, 2}, []int{docs[0].ChunkCount, docs[1].ChunkCount, docs[2].ChunkCount})
	assert.Equal(t, "new.txt", docs[0].Filename)
	assert.True(t, docs[0].UploadedAt.Equal(Epoch.Add(2*time.Hour)), "uploaded at %v", docs[0].UploadedAt)
}

func testDeleteDuringInsert(t *testing.T, s store.VectorStore) {
	ctx := context.Background()
	victim, vc := Doc("doc-victim", "victim.txt", Epoch, 8, axis(0))
	write(t, s, victim, vc)

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers+1)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, c := Doc(fmt.Sprintf("doc-%d", w), fmt.Sprintf("f%d.txt", w), Epoch, 5, axis(0))
			errs <- s.Write(ctx, d, c)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- s.DeleteDocument(ctx, victim.ID)
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	results, err := s.Search(ctx, axis(0)(0), 100, nil)
	require.NoError(t, err)
	assert.Len(t, results, writers*5)
	for _, r := range results {
		assert.NotEqual(t, victim.ID, r.Chunk.DocumentID)
	}
}

func testAtomicVisibility(t *testing.T, s store.VectorStore) {
	ctx := context.Background()
	const n = 40
	doc, chunks := Doc("doc-big", "big.txt", Epoch, n, axis(3))

	done := make(chan struct{})
	var seen []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			results, err := s.Search(ctx, axis(3)(0), n*2, []string{doc.ID})
			if err == nil {
				mu.Lock()
				seen = append(seen, len(results))
				mu.Unlock()
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	write(t, s, doc, chunks)
	close(done)
	wg.Wait()

	for _, count := range seen {
		assert.Contains(t, []int{0, n}, count)
	}
	results, err := s.Search(ctx, axis(3)(0), n*2, []string{doc.ID})
	require.NoError(t, err)
	assert.Len(t, results, n)
}
