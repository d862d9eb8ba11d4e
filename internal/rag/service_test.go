package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rag-backend/internal/embedding"
	"rag-backend/internal/embedding/embeddingtest"
	"rag-backend/internal/models"
	"rag-backend/internal/sqlitevec"
)

type serviceFixture struct {
	*testStack
	svc       *Service
	uploadDir string
	completer *mockCompleter
}

func newServiceFixture(t *testing.T, provider embedding.Provider, opts ...ServiceOption) *serviceFixture {
	t.Helper()
	dir := t.TempDir()
	vs, err := sqlitevec.Open(filepath.Join(dir, "rag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	stack := newStack(vs, provider)
	c := new(mockCompleter)
	uploadDir := filepath.Join(dir, "uploads")
	return &serviceFixture{
		testStack: stack,
		svc:       NewService(stack.pipeline, stack.orchestrator(c), vs, uploadDir, opts...),
		uploadDir: uploadDir,
		completer: c,
	}
}

func (f *serviceFixture) uploads(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.uploadDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, embeddingtest.NewHashProvider(testDim))

	resp, err := f.svc.Upload(ctx, "merrowood.txt", strings.NewReader(merrowood(t)))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.DocumentID)
	assert.Equal(t, "merrowood.txt", resp.Filename)
	assert.Greater(t, resp.Chunks, 1)
	assert.Equal(t, []string{resp.DocumentID + "_merrowood.txt"}, f.uploads(t))

	docs, err := f.svc.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, resp.DocumentID, docs[0].ID)
	assert.Equal(t, resp.Chunks, docs[0].ChunkCount)
}

func TestUpload_Duplicate(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, embeddingtest.NewHashProvider(testDim))

	_, err := f.svc.Upload(ctx, "notes.txt", strings.NewReader("First version."))
	require.NoError(t, err)
	_, err = f.svc.Upload(ctx, "notes.txt", strings.NewReader("Second version."))
	assert.True(t, errors.Is(err, models.ErrDocumentExists))
	assert.Len(t, f.uploads(t), 1)
}

func TestUpload_RejectsBadNames(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, embeddingtest.NewHashProvider(testDim))

	for _, name := range []string{"", "README", "tool.exe"} {
		_, err := f.svc.Upload(ctx, name, strings.NewReader("text"))
		assert.True(t, errors.Is(err, models.ErrInvalidInput), name)
	}
	assert.Empty(t, f.uploads(t))
}

func TestUpload_EmptyContent(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, embeddingtest.NewHashProvider(testDim))

	_, err := f.svc.Upload(ctx, "blank.txt", strings.NewReader("   \n"))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	assert.Empty(t, f.uploads(t))

	docs, err := f.svc.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUpload_ExtractionFailure(t *testing.T) {
	ctx := context.Background()
	broken := func(string) (string, error) { return "", errors.New("corrupt xref table") }
	f := newServiceFixture(t, embeddingtest.NewHashProvider(testDim), WithExtractor(broken, nil))

	_, err := f.svc.Upload(ctx, "scan.pdf", strings.NewReader("%PDF-1.4"))
	assert.True(t, errors.Is(err, models.ErrExtractionFailure))
	assert.Empty(t, f.uploads(t))
}

func TestUpload_EmbeddingFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, failingProvider{})

	_, err := f.svc.Upload(ctx, "merrowood.txt", strings.NewReader(merrowood(t)))
	assert.True(t, errors.Is(err, models.ErrEmbeddingUnavailable))
	assert.Empty(t, f.uploads(t))

	docs, err := f.svc.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIngestFile(t *testing.T) {
	f := newServiceFixture(t, embeddingtest.NewHashProvider(testDim))

	resp, err := f.svc.IngestFile(context.Background(), "testdata/merrowood.txt")
	require.NoError(t, err)
	assert.Equal(t, "merrowood.txt", resp.Filename)

	_, err = f.svc.IngestFile(context.Background(), "testdata/missing.txt")
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, embeddingtest.NewHashProvider(testDim))

	keep, err := f.svc.Upload(ctx, "keep.txt", strings.NewReader("The bakery opened at dawn."))
	require.NoError(t, err)
	gone, err := f.svc.Upload(ctx, "merrowood.txt", strings.NewReader(merrowood(t)))
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteDocument(ctx, gone.DocumentID))
	require.NoError(t, f.svc.DeleteDocument(ctx, gone.DocumentID))
	assert.Equal(t, []string{keep.DocumentID + "_keep.txt"}, f.uploads(t))

	docs, err := f.svc.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, keep.DocumentID, docs[0].ID)

	assert.True(t, errors.Is(f.svc.DeleteDocument(ctx, " "), models.ErrInvalidInput))
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, embeddingtest.NewHashProvider(testDim))
	doc, err := f.svc.Upload(ctx, "merrowood.txt", strings.NewReader(merrowood(t)))
	require.NoError(t, err)
	f.completer.On("Complete", mock.Anything, mock.Anything).Return("Carl Jensen.", nil)

	resp, err := f.svc.Query(ctx, Question{Text: "Who ran the post office?", DocumentIDs: []string{doc.DocumentID}, IncludeChunks: true})
	require.NoError(t, err)
	assert.Equal(t, "Carl Jensen.", resp.Content)
	assert.Equal(t, []string{"merrowood.txt"}, resp.Citations)
	assert.NotEmpty(t, resp.Chunks)

	resp, err = f.svc.Query(ctx, Question{Text: "Who ran the post office?"})
	require.NoError(t, err)
	assert.True(t, resp.Grounded)

	_, err = f.svc.Query(ctx, Question{Text: "Who ran the post office?", DocumentIDs: []string{}})
	assert.True(t, errors.Is(err, models.ErrNoDocumentsSelected))
}
