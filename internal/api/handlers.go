package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"rag-backend/internal/models"
	"rag-backend/internal/rag"
)

// Service is what the HTTP layer needs from the RAG pipeline.
type Service interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*models.UploadResponse, error)
	Query(ctx context.Context, q rag.Question) (*models.PromptResponse, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// Handler serves the document and query endpoints.
type Handler struct {
	svc            Service
	maxUploadBytes int64
	validate       *validator.Validate
}

func NewHandler(svc Service, maxUploadBytes int64) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{svc: svc, maxUploadBytes: maxUploadBytes, validate: v}
}

// QueryRequest is the body of POST /query/search. An absent document_ids
// searches every document, an empty list is rejected.
type QueryRequest struct {
	Q             string   `json:"q" validate:"required"`
	K             int      `json:"k" validate:"omitempty,min=1,max=100"`
	DocumentIDs   []string `json:"document_ids" validate:"omitempty,dive,required"`
	IncludeChunks *bool    `json:"include_chunks"`
}

type ChunkResult struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkID    int     `json:"chunk_id"`
	ChunkText  string  `json:"chunk_text"`
	Score      float64 `json:"score"`
}

type QueryResponse struct {
	Query     string        `json:"query"`
	Answer    string        `json:"answer"`
	Citations []string      `json:"citations"`
	Grounded  bool          `json:"grounded"`
	Reason    string        `json:"reason,omitempty"`
	Chunks    []ChunkResult `json:"chunks,omitempty"`
}

type DocumentInfo struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	UploadTime time.Time `json:"upload_time"`
	ChunkCount int       `json:"chunk_count"`
}

// Upload handles POST /documents/upload with a multipart "file" field.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large",
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, string(models.KindInvalidInput), "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	resp, err := h.svc.Upload(r.Context(), header.Filename, file)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDocuments handles GET /documents/list.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.ListDocuments(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]DocumentInfo, len(docs))
	for i, d := range docs {
		out[i] = DocumentInfo{ID: d.ID, Filename: d.Filename, UploadTime: d.UploadedAt, ChunkCount: d.ChunkCount}
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteDocument handles DELETE /documents/{id}.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteDocument(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles POST /query/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(models.KindInvalidInput), "invalid JSON body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeValidationError(w, err)
		return
	}

	q := rag.Question{
		Text:          req.Q,
		DocumentIDs:   req.DocumentIDs,
		TopK:          req.K,
		IncludeChunks: req.IncludeChunks == nil || *req.IncludeChunks,
	}
	resp, err := h.svc.Query(r.Context(), q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	out := QueryResponse{
		Query:     resp.Query,
		Answer:    resp.Content,
		Citations: resp.Citations,
		Grounded:  resp.Grounded,
		Reason:    string(resp.Reason),
	}
	if q.IncludeChunks {
		out.Chunks = make([]ChunkResult, len(resp.Chunks))
		for i, c := range resp.Chunks {
			out.Chunks[i] = ChunkResult{
				ID:         c.Chunk.ID,
				DocumentID: c.Chunk.DocumentID,
				Filename:   c.SourceFilename,
				ChunkID:    c.Chunk.Ordinal,
				ChunkText:  c.Chunk.Content,
				Score:      roundScore(c.Score),
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeValidationError(w http.ResponseWriter, err error) {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		writeError(w, http.StatusBadRequest, string(models.KindInvalidInput), err.Error())
		return
	}
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			fields[fe.Field()] = fmt.Sprintf("%s is required", fe.Field())
		case "min":
			fields[fe.Field()] = fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
		case "max":
			fields[fe.Field()] = fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
		default:
			fields[fe.Field()] = fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag())
		}
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:  string(models.KindInvalidInput),
		Detail: "validation failed",
		Fields: fields,
	})
}

func roundScore(s float64) float64 {
	return math.Round(s*1e4) / 1e4
}
