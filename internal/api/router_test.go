package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rag-backend/internal/config"
	"rag-backend/internal/models"
	"rag-backend/internal/rag"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Upload(ctx context.Context, filename string, r io.Reader) (*models.UploadResponse, error) {
	body, _ := io.ReadAll(r)
	args := m.Called(ctx, filename, string(body))
	resp, _ := args.Get(0).(*models.UploadResponse)
	return resp, args.Error(1)
}

func (m *mockService) Query(ctx context.Context, q rag.Question) (*models.PromptResponse, error) {
	args := m.Called(ctx, q)
	resp, _ := args.Get(0).(*models.PromptResponse)
	return resp, args.Error(1)
}

func (m *mockService) ListDocuments(ctx context.Context) ([]models.Document, error) {
	args := m.Called(ctx)
	docs, _ := args.Get(0).([]models.Document)
	return docs, args.Error(1)
}

func (m *mockService) DeleteDocument(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func newServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	cfg := config.Default().Server
	cfg.MaxUploadMB = 1
	srv := httptest.NewServer(NewRouter(svc, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	srv := newServer(t, new(mockService))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestUpload(t *testing.T) {
	svc := new(mockService)
	svc.On("Upload", mock.Anything, "town.txt", "Carl ran the post office.").
		Return(&models.UploadResponse{DocumentID: "d1", Filename: "town.txt", Chunks: 1}, nil).Once()
	srv := newServer(t, svc)

	body, contentType := multipartBody(t, "file", "town.txt", "Carl ran the post office.")
	resp, err := http.Post(srv.URL+"/documents/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.UploadResponse](t, resp)
	assert.Equal(t, "d1", got.DocumentID)
	assert.Equal(t, 1, got.Chunks)
	svc.AssertExpectations(t)
}

func TestUpload_MissingFile(t *testing.T) {
	svc := new(mockService)
	srv := newServer(t, svc)

	body, contentType := multipartBody(t, "attachment", "town.txt", "text")
	resp, err := http.Post(srv.URL+"/documents/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	svc.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_ErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.Errorf(models.KindDocumentExists, "rag.upload", "town.txt already uploaded"), http.StatusConflict},
		{models.Errorf(models.KindInvalidInput, "rag.upload", "no extension"), http.StatusBadRequest},
		{models.Errorf(models.KindExtractionFailure, "parser.extract", "corrupt"), http.StatusUnprocessableEntity},
		{models.Errorf(models.KindEmbeddingUnavailable, "embedding.embed", "gave up"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := new(mockService)
			svc.On("Upload", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)
			srv := newServer(t, svc)

			body, contentType := multipartBody(t, "file", "town.txt", "text")
			resp, err := http.Post(srv.URL+"/documents/upload", contentType, body)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestListDocuments(t *testing.T) {
	uploaded := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := new(mockService)
	svc.On("ListDocuments", mock.Anything).Return([]models.Document{
		{ID: "d2", Filename: "b.txt", UploadedAt: uploaded.Add(time.Hour), ChunkCount: 2},
		{ID: "d1", Filename: "a.txt", UploadedAt: uploaded, ChunkCount: 5},
	}, nil)
	srv := newServer(t, svc)

	resp, err := http.Get(srv.URL + "/documents/list")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	docs := decode[[]DocumentInfo](t, resp)
	require.Len(t, docs, 2)
	assert.Equal(t, "d2", docs[0].ID)
	assert.Equal(t, 5, docs[1].ChunkCount)
	assert.True(t, uploaded.Equal(docs[1].UploadTime))
}

func TestListDocuments_Empty(t *testing.T) {
	svc := new(mockService)
	svc.On("ListDocuments", mock.Anything).Return(nil, nil)
	srv := newServer(t, svc)

	resp, err := http.Get(srv.URL + "/documents/list")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))
}

func TestDeleteDocument(t *testing.T) {
	svc := new(mockService)
	svc.On("DeleteDocument", mock.Anything, "d1").Return(nil).Once()
	srv := newServer(t, svc)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/documents/d1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	svc.AssertExpectations(t)
}

func TestSearch(t *testing.T) {
	svc := new(mockService)
	svc.On("Query", mock.Anything, rag.Question{Text: "Who ran the post office?", IncludeChunks: true}).
		Return(&models.PromptResponse{
			Query:     "Who ran the post office?",
			Content:   "Carl Jensen.",
			Citations: []string{"town.txt"},
			Grounded:  true,
			Chunks: []models.SearchResult{{
				Chunk:          models.Chunk{ID: "c1", DocumentID: "d1", Ordinal: 3, Content: "Carl ran the post office."},
				SourceFilename: "town.txt",
				Score:          0.876543,
			}},
		}, nil).Once()
	srv := newServer(t, svc)

	resp := postJSON(t, srv.URL+"/query/search", `{"q": "Who ran the post office?"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[QueryResponse](t, resp)
	assert.Equal(t, "Carl Jensen.", got.Answer)
	assert.Equal(t, []string{"town.txt"}, got.Citations)
	require.Len(t, got.Chunks, 1)
	assert.Equal(t, 0.8765, got.Chunks[0].Score)
	assert.Equal(t, 3, got.Chunks[0].ChunkID)
	svc.AssertExpectations(t)
}

func TestSearch_NoInformationCarriesReason(t *testing.T) {
	svc := new(mockService)
	svc.On("Query", mock.Anything, mock.Anything).
		Return(&models.PromptResponse{
			Query:     "Who ran the mill?",
			Content:   models.NoInformationAnswer,
			Citations: []string{},
			Reason:    models.KindInsufficientContext,
		}, nil).Once()
	srv := newServer(t, svc)

	resp := postJSON(t, srv.URL+"/query/search", `{"q": "Who ran the mill?"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[QueryResponse](t, resp)
	assert.Equal(t, models.NoInformationAnswer, got.Answer)
	assert.Equal(t, "insufficient_context", got.Reason)
	assert.False(t, got.Grounded)
	svc.AssertExpectations(t)
}

func TestSearch_PassesFilterAndOptions(t *testing.T) {
	svc := new(mockService)
	svc.On("Query", mock.Anything, rag.Question{Text: "q", DocumentIDs: []string{"d1", "d2"}, TopK: 3}).
		Return(&models.PromptResponse{Content: "a", Citations: []string{}}, nil).Once()
	srv := newServer(t, svc)

	resp := postJSON(t, srv.URL+"/query/search", `{"q": "q", "k": 3, "document_ids": ["d1", "d2"], "include_chunks": false}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[map[string]any](t, resp)
	assert.NotContains(t, got, "chunks")
	svc.AssertExpectations(t)
}

func TestSearch_EmptyDocumentSelection(t *testing.T) {
	svc := new(mockService)
	svc.On("Query", mock.Anything, mock.MatchedBy(func(q rag.Question) bool {
		return q.DocumentIDs != nil && len(q.DocumentIDs) == 0
	})).Return(nil, models.Errorf(models.KindNoDocumentsSelected, "rag.retrieve", "document filter is empty")).Once()
	srv := newServer(t, svc)

	resp := postJSON(t, srv.URL+"/query/search", `{"q": "q", "document_ids": []}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(models.KindNoDocumentsSelected), decode[ErrorResponse](t, resp).Error)
	svc.AssertExpectations(t)
}

func TestSearch_Validation(t *testing.T) {
	svc := new(mockService)
	srv := newServer(t, svc)

	resp := postJSON(t, srv.URL+"/query/search", `{"k": -1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	got := decode[ErrorResponse](t, resp)
	assert.Contains(t, got.Fields, "q")
	assert.Contains(t, got.Fields, "k")

	resp = postJSON(t, srv.URL+"/query/search", `{"q": "x", "unknown": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/query/search", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	svc.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

func TestSearch_CompletionUnavailableHidesDetail(t *testing.T) {
	svc := new(mockService)
	svc.On("Query", mock.Anything, mock.Anything).
		Return(nil, models.NewError(models.KindCompletionUnavailable, "rag.generate", errors.New("api key sk-secret rejected")))
	srv := newServer(t, svc)

	resp := postJSON(t, srv.URL+"/query/search", `{"q": "q"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	got := decode[ErrorResponse](t, resp)
	assert.Equal(t, string(models.KindCompletionUnavailable), got.Error)
	assert.NotContains(t, got.Detail, "sk-secret")
}

func TestNotFound(t *testing.T) {
	srv := newServer(t, new(mockService))

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, statusFor(models.KindCompletionUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(models.KindStoreUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(models.KindEmbeddingDimensionMismatch))
	assert.Equal(t, http.StatusInternalServerError, statusFor(""))
}
