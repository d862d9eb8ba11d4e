// Package sqlitevec is a single-file vector store on SQLite. Embeddings are
// kept as BLOBs and ranked in process by cosine similarity, which is fine for
// corpora that fit in a brute-force scan.
package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"rag-backend/internal/models"
	"rag-backend/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    filename TEXT NOT NULL UNIQUE,
    uploaded_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    content TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    embedding BLOB NOT NULL,
    model TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS chunks_document_id ON chunks(document_id);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one connection serialises writers against readers, which is what makes
	// a document's chunks appear all at once
	db.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("Opened sqlite vector store")
	return s, nil
}

// New uses an already opened database.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlitevec: db is nil")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Write(ctx context.Context, doc models.Document, chunks []models.ChunkEmbedding) error {
	const op = "sqlitevec.write"
	if err := store.ValidateWrite(doc, chunks); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Unavailable(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ? OR filename = ?`, doc.ID, doc.Filename).Scan(&n)
	if err != nil {
		return store.Unavailable(op, err)
	}
	if n > 0 {
		return models.Errorf(models.KindDocumentExists, op, "document %s (%s) already exists", doc.ID, doc.Filename)
	}

	uploaded := doc.UploadedAt
	if uploaded.IsZero() {
		uploaded = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents(id, filename, uploaded_at) VALUES(?, ?, ?)`,
		doc.ID, doc.Filename, uploaded.UnixNano()); err != nil {
		return store.Unavailable(op, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks(id, document_id, ordinal, content, token_count, embedding, model) VALUES(?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return store.Unavailable(op, err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.Chunk.ID, doc.ID, c.Chunk.Ordinal, c.Chunk.Content,
			c.Chunk.TokenCount, encodeVector(c.Embedding.Vector), c.Embedding.Model); err != nil {
			return store.Unavailable(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Unavailable(op, err)
	}
	log.Debug().Str("document_id", doc.ID).Int("chunks", len(chunks)).Msg("Stored document")
	return nil
}

func (s *Store) Search(ctx context.Context, query []float32, topK int, documentIDs []string) ([]models.SearchResult, error) {
	const op = "sqlitevec.search"
	if topK <= 0 {
		return nil, nil
	}

	q := `SELECT c.id, c.document_id, c.ordinal, c.content, c.token_count, c.embedding, d.filename
FROM chunks c JOIN documents d ON d.id = c.document_id`
	var args []any
	if len(documentIDs) > 0 {
		q += ` WHERE c.document_id IN (?` + strings.Repeat(`, ?`, len(documentIDs)-1) + `)`
		for _, id := range documentIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Unavailable(op, err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			r    models.SearchResult
			blob []byte
		)
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Ordinal, &r.Chunk.Content,
			&r.Chunk.TokenCount, &blob, &r.SourceFilename); err != nil {
			return nil, store.Unavailable(op, err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, store.Unavailable(op, err)
		}
		r.Score = store.Cosine(query, vec)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(op, err)
	}
	return store.Rank(results, topK), nil
}

// DeleteDocument removes chunks explicitly as well, so the cascade does not
// depend on the foreign_keys pragma of whichever connection runs it.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	const op = "sqlitevec.delete"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Unavailable(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return store.Unavailable(op, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID)
	if err != nil {
		return store.Unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return store.Unavailable(op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Str("document_id", documentID).Msg("Deleted document")
	}
	return nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]models.Document, error) {
	const op = "sqlitevec.list"
	rows, err := s.db.QueryContext(ctx, `SELECT d.id, d.filename, d.uploaded_at, COUNT(c.id)
FROM documents d LEFT JOIN chunks c ON c.document_id = d.id
GROUP BY d.id, d.filename, d.uploaded_at
ORDER BY d.uploaded_at DESC, d.id`)
	if err != nil {
		return nil, store.Unavailable(op, err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var (
			d     models.Document
			nanos int64
		)
		if err := rows.Scan(&d.ID, &d.Filename, &nanos, &d.ChunkCount); err != nil {
			return nil, store.Unavailable(op, err)
		}
		d.UploadedAt = time.Unix(0, nanos).UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(op, err)
	}
	return docs, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ store.VectorStore = (*Store)(nil)
