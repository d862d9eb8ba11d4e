package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"rag-backend/internal/models"
	"rag-backend/internal/store"
)

// metadata keys on chunk documents
const (
	metaDocumentID = "document_id"
	metaFilename   = "filename"
	metaOrdinal    = "ordinal"
	metaTokenCount = "token_count"
	metaModel      = "model"
	metaUploadedAt = "uploaded_at"
	metaChunkCount = "chunk_count"

	catalogSuffix = "_documents"
)

// catalog entries carry no meaningful vector, chromem just needs one
var catalogVector = []float32{1}

var errNoEmbedding = errors.New("chromemdb: embeddings must be computed before insertion")

func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// VectorDBManager keeps chunks in one chromem collection and the document
// catalog in a second one. The lock makes a document's chunks visible to
// Search all at once.
type VectorDBManager struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	catalog    *chromem.Collection
	docs       map[string]models.Document
	byFilename map[string]string

	dbPath         string
	collectionName string
	compress       bool
	encryptionKey  string
}

// NewVectorDBManager opens a persistent database at dbPath, or an in-memory
// one when inMemory is set, and loads the document catalog.
func NewVectorDBManager(dbPath, collectionName string, inMemory, compress bool, encryptionKey string) (*VectorDBManager, error) {
	var db *chromem.DB
	if inMemory {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	m := &VectorDBManager{
		db:             db,
		dbPath:         dbPath,
		collectionName: collectionName,
		compress:       compress,
		encryptionKey:  encryptionKey,
	}
	if err := m.load(context.Background()); err != nil {
		return nil, err
	}
	log.Info().Str("path", dbPath).Bool("in_memory", inMemory).Int("documents", len(m.docs)).Msg("Opened chromem vector store")
	return m, nil
}

// load (re)binds the collections and rebuilds the in-memory catalog.
func (m *VectorDBManager) load(ctx context.Context) error {
	c, err := m.db.GetOrCreateCollection(m.collectionName, nil, precomputedOnly)
	if err != nil {
		return fmt.Errorf("failed to create/get collection: %w", err)
	}
	cat, err := m.db.GetOrCreateCollection(m.collectionName+catalogSuffix, nil, precomputedOnly)
	if err != nil {
		return fmt.Errorf("failed to create/get catalog: %w", err)
	}

	docs := make(map[string]models.Document)
	byFilename := make(map[string]string)
	if n := cat.Count(); n > 0 {
		entries, err := cat.QueryEmbedding(ctx, catalogVector, n, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to read catalog: %w", err)
		}
		for _, e := range entries {
			d := catalogDocument(e)
			docs[d.ID] = d
			byFilename[d.Filename] = d.ID
		}
	}

	m.collection, m.catalog = c, cat
	m.docs, m.byFilename = docs, byFilename
	return nil
}

func (m *VectorDBManager) Write(ctx context.Context, doc models.Document, chunks []models.ChunkEmbedding) error {
	const op = "chromemdb.write"
	if err := store.ValidateWrite(doc, chunks); err != nil {
		return err
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	doc.ChunkCount = len(chunks)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[doc.ID]; ok {
		return models.Errorf(models.KindDocumentExists, op, "document %s already exists", doc.ID)
	}
	if _, ok := m.byFilename[doc.Filename]; ok {
		return models.Errorf(models.KindDocumentExists, op, "file %s already exists", doc.Filename)
	}

	chromemDocs := make([]chromem.Document, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.Chunk.ID
		chromemDocs[i] = chromem.Document{
			ID:      c.Chunk.ID,
			Content: c.Chunk.Content,
			Metadata: map[string]string{
				metaDocumentID: doc.ID,
				metaFilename:   doc.Filename,
				metaOrdinal:    strconv.Itoa(c.Chunk.Ordinal),
				metaTokenCount: strconv.Itoa(c.Chunk.TokenCount),
				metaModel:      c.Embedding.Model,
			},
			Embedding: c.Embedding.Vector,
		}
	}

	if err := m.collection.AddDocuments(ctx, chromemDocs, runtime.NumCPU()); err != nil {
		m.rollback(ctx, ids)
		return store.Unavailable(op, fmt.Errorf("failed to add chunks: %w", err))
	}
	entry := chromem.Document{
		ID:      doc.ID,
		Content: doc.Filename,
		Metadata: map[string]string{
			metaFilename:   doc.Filename,
			metaUploadedAt: strconv.FormatInt(doc.UploadedAt.UnixNano(), 10),
			metaChunkCount: strconv.Itoa(doc.ChunkCount),
		},
		Embedding: catalogVector,
	}
	if err := m.catalog.AddDocument(ctx, entry); err != nil {
		m.rollback(ctx, ids)
		return store.Unavailable(op, fmt.Errorf("failed to add catalog entry: %w", err))
	}

	m.docs[doc.ID] = doc
	m.byFilename[doc.Filename] = doc.ID
	log.Debug().Str("document_id", doc.ID).Int("chunks", len(chunks)).Msg("Stored document")
	return nil
}

func (m *VectorDBManager) rollback(ctx context.Context, ids []string) {
	if err := m.collection.Delete(ctx, nil, nil, ids...); err != nil {
		log.Error().Err(err).Int("chunks", len(ids)).Msg("Failed to roll back partial write")
	}
}

// Search asks chromem for every candidate and ranks them itself, since
// chromem does not order equal scores by ordinal.
func (m *VectorDBManager) Search(ctx context.Context, query []float32, topK int, documentIDs []string) ([]models.SearchResult, error) {
	const op = "chromemdb.search"
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []chromem.Result
	if len(documentIDs) == 0 {
		n := m.collection.Count()
		if n == 0 {
			return nil, nil
		}
		res, err := m.collection.QueryEmbedding(ctx, query, n, nil, nil)
		if err != nil {
			return nil, store.Unavailable(op, fmt.Errorf("failed to query by similarity: %w", err))
		}
		found = res
	} else {
		seen := make(map[string]bool, len(documentIDs))
		for _, id := range documentIDs {
			doc, ok := m.docs[id]
			if !ok || seen[id] || doc.ChunkCount == 0 {
				continue
			}
			seen[id] = true
			res, err := m.collection.QueryEmbedding(ctx, query, doc.ChunkCount, map[string]string{metaDocumentID: id}, nil)
			if err != nil {
				return nil, store.Unavailable(op, fmt.Errorf("failed to query document %s: %w", id, err))
			}
			found = append(found, res...)
		}
	}

	results := make([]models.SearchResult, 0, len(found))
	for _, r := range found {
		ordinal, _ := strconv.Atoi(r.Metadata[metaOrdinal])
		tokens, _ := strconv.Atoi(r.Metadata[metaTokenCount])
		results = append(results, models.SearchResult{
			Chunk: models.Chunk{
				ID:         r.ID,
				DocumentID: r.Metadata[metaDocumentID],
				Ordinal:    ordinal,
				Content:    r.Content,
				TokenCount: tokens,
			},
			SourceFilename: r.Metadata[metaFilename],
			Score:          float64(r.Similarity),
		})
	}
	return store.Rank(results, topK), nil
}

func (m *VectorDBManager) DeleteDocument(ctx context.Context, documentID string) error {
	const op = "chromemdb.delete"

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[documentID]
	if !ok {
		return nil
	}
	if err := m.collection.Delete(ctx, map[string]string{metaDocumentID: documentID}, nil); err != nil {
		return store.Unavailable(op, fmt.Errorf("failed to delete chunks: %w", err))
	}
	if err := m.catalog.Delete(ctx, nil, nil, documentID); err != nil {
		return store.Unavailable(op, fmt.Errorf("failed to delete catalog entry: %w", err))
	}
	delete(m.docs, documentID)
	delete(m.byFilename, doc.Filename)
	log.Debug().Str("document_id", documentID).Msg("Deleted document")
	return nil
}

func (m *VectorDBManager) ListDocuments(context.Context) ([]models.Document, error) {
	m.mu.RLock()
	docs := make([]models.Document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	m.mu.RUnlock()

	store.SortNewestFirst(docs)
	return docs, nil
}

// Close is a no-op: persistent collections are written through on every change.
func (m *VectorDBManager) Close() error {
	return nil
}

// Export writes both collections to a single file, gzip-compressed and
// AES-GCM encrypted when configured. chromem requires a 32 byte key.
func (m *VectorDBManager) Export(path string) error {
	if m.encryptionKey != "" && len(m.encryptionKey) != 32 {
		return errors.New("encryption key must be 32 bytes")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	log.Debug().Str("collection", m.collectionName).Str("file", path).Bool("compress", m.compress).Msg("Exporting vector store")
	if err := m.db.ExportToFile(path, m.compress, m.encryptionKey, m.collection.Name, m.catalog.Name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import replaces both collections with the contents of an exported file.
func (m *VectorDBManager) Import(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.ImportFromFile(path, m.encryptionKey, m.collectionName, m.collectionName+catalogSuffix); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	return m.load(context.Background())
}

func catalogDocument(r chromem.Result) models.Document {
	nanos, _ := strconv.ParseInt(r.Metadata[metaUploadedAt], 10, 64)
	count, _ := strconv.Atoi(r.Metadata[metaChunkCount])
	return models.Document{
		ID:         r.ID,
		Filename:   r.Metadata[metaFilename],
		UploadedAt: time.Unix(0, nanos).UTC(),
		ChunkCount: count,
	}
}

var _ store.VectorStore = (*VectorDBManager)(nil)
