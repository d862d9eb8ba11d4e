package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"rag-backend/internal/helper"
	"rag-backend/internal/models"
	"rag-backend/internal/parser"
	"rag-backend/internal/store"
)

// Extractor returns the plain text of a stored upload.
type Extractor func(path string) (string, error)

// Service is the entry point used by the HTTP API and the CLI.
type Service struct {
	pipeline     *IngestionPipeline
	orchestrator *Orchestrator
	store        store.VectorStore
	uploadDir    string
	extract      Extractor
	supported    func(ext string) bool
}

type ServiceOption func(*Service)

// WithExtractor replaces the file parser. accepts decides which extensions
// are allowed; nil accepts any non-empty extension.
func WithExtractor(extract Extractor, accepts func(ext string) bool) ServiceOption {
	return func(s *Service) {
		s.extract = extract
		s.supported = accepts
	}
}

func NewService(pipeline *IngestionPipeline, orchestrator *Orchestrator, vs store.VectorStore, uploadDir string, opts ...ServiceOption) *Service {
	s := &Service{
		pipeline:     pipeline,
		orchestrator: orchestrator,
		store:        vs,
		uploadDir:    uploadDir,
		extract:      parser.ExtractText,
		supported:    parser.Supported,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload saves r under the upload directory, extracts its text and ingests
// it. On any failure after the file is saved, the partial document and the
// saved file are removed.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader) (*models.UploadResponse, error) {
	const op = "rag.upload"
	name := helper.CleanFilename(filename)
	if name == "" {
		return nil, models.Errorf(models.KindInvalidInput, op, "filename is required")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return nil, models.Errorf(models.KindInvalidInput, op, "%s has no file extension", name)
	}
	if s.supported != nil && !s.supported(ext) {
		return nil, models.Errorf(models.KindInvalidInput, op, "unsupported file type %q", ext)
	}
	if err := s.checkDuplicate(ctx, name); err != nil {
		return nil, err
	}

	id := helper.GenerateUUID()
	path, err := s.save(id, name, r)
	if err != nil {
		return nil, models.NewError(models.KindInvalidInput, op, err)
	}

	text, err := s.extract(path)
	if err != nil {
		s.removeFile(path)
		if models.KindOf(err) == "" {
			err = models.NewError(models.KindExtractionFailure, op, err)
		}
		return nil, err
	}

	n, err := s.pipeline.Ingest(ctx, id, name, text)
	if err != nil {
		s.compensate(ctx, id, path)
		return nil, err
	}

	log.Info().Str("document_id", id).Str("filename", name).Int("chunks", n).Msg("Uploaded document")
	return &models.UploadResponse{
		DocumentID: id,
		Filename:   name,
		Chunks:     n,
		Message:    fmt.Sprintf("Processed %s into %d chunks", name, n),
	}, nil
}

// IngestFile uploads a file from the local filesystem.
func (s *Service) IngestFile(ctx context.Context, path string) (*models.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.NewError(models.KindInvalidInput, "rag.ingest_file", err)
	}
	defer f.Close()
	return s.Upload(ctx, filepath.Base(path), f)
}

// Query answers a question. See Orchestrator.Answer.
func (s *Service) Query(ctx context.Context, q Question) (*models.PromptResponse, error) {
	return s.orchestrator.Answer(ctx, q)
}

// ListDocuments returns every stored document, newest first.
func (s *Service) ListDocuments(ctx context.Context) ([]models.Document, error) {
	return s.store.ListDocuments(ctx)
}

// DeleteDocument removes a document, its chunks and its saved upload.
// Deleting an unknown id succeeds.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return models.Errorf(models.KindInvalidInput, "rag.delete", "document id is required")
	}
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	s.removeUploads(id)
	log.Info().Str("document_id", id).Msg("Deleted document")
	return nil
}

func (s *Service) checkDuplicate(ctx context.Context, name string) error {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if d.Filename == name {
			return models.Errorf(models.KindDocumentExists, "rag.upload", "%s already uploaded as %s", name, d.ID)
		}
	}
	return nil
}

func (s *Service) save(id, name string, r io.Reader) (string, error) {
	if err := helper.CreateFolder(s.uploadDir); err != nil {
		return "", err
	}
	path := filepath.Join(s.uploadDir, id+"_"+name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		s.removeFile(path)
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		s.removeFile(path)
		return "", err
	}
	return path, nil
}

// compensate undoes a failed ingestion. It runs even if ctx is cancelled.
func (s *Service) compensate(ctx context.Context, id, path string) {
	if err := s.store.DeleteDocument(context.WithoutCancel(ctx), id); err != nil {
		log.Error().Err(err).Str("document_id", id).Msg("Failed to clean up document after ingestion error")
	}
	s.removeFile(path)
}

func (s *Service) removeUploads(id string) {
	matches, err := filepath.Glob(filepath.Join(s.uploadDir, id+"_*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		s.removeFile(m)
	}
}

func (s *Service) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove upload")
	}
}
