package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"rag-backend/internal/config"
	"rag-backend/internal/models"
	"rag-backend/internal/store"
)

const uniqueViolation = "23505"

type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`
	ID            string    `bun:"id,pk"`
	Filename      string    `bun:"filename,notnull,unique"`
	UploadedAt    time.Time `bun:"uploaded_at,notnull"`
}

type Chunk struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`
	ID            string          `bun:"id,pk"`
	DocumentID    string          `bun:"document_id,notnull"`
	Ordinal       int             `bun:"ordinal,notnull"`
	Content       string          `bun:"content,notnull"`
	TokenCount    int             `bun:"token_count,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,notnull"`
	Model         string          `bun:"model,notnull"`
}

type searchRow struct {
	ID         string  `bun:"id"`
	DocumentID string  `bun:"document_id"`
	Ordinal    int     `bun:"ordinal"`
	Content    string  `bun:"content"`
	TokenCount int     `bun:"token_count"`
	Filename   string  `bun:"filename"`
	Score      float64 `bun:"score"`
}

type listRow struct {
	ID         string    `bun:"id"`
	Filename   string    `bun:"filename"`
	UploadedAt time.Time `bun:"uploaded_at"`
	ChunkCount int       `bun:"chunk_count"`
}

// Store keeps chunks in Postgres and lets pgvector rank them.
type Store struct {
	db *bun.DB
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the configured driver: bun's pgdriver by default, lib/pq
// when database.driver is "pq".
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	var (
		sqldb *sql.DB
		err   error
	)
	switch cfg.Driver {
	case "pq":
		if cfg.Password != "" {
			log.Warn().Msg("database.password is ignored by the pq driver, put it in the dsn")
		}
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
	case "", "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		sqldb = sql.OpenDB(pgdriver.NewConnector(opts...))
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return sqldb, nil
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	db := NewDB(sqldb, cfg.Debug)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, store.Unavailable("db.open", err)
	}
	return New(db), nil
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// InitDB creates the vector extension, both tables and their indexes. With
// reset set the tables are dropped first.
func InitDB(ctx context.Context, db *bun.DB, dimension int, reset bool) error {
	if reset {
		if err := DropTables(ctx, db); err != nil {
			return err
		}
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS documents (
			id text PRIMARY KEY,
			filename text NOT NULL UNIQUE,
			uploaded_at timestamptz NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id text PRIMARY KEY,
			document_id text NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			ordinal integer NOT NULL,
			content text NOT NULL,
			token_count integer NOT NULL,
			embedding vector(%d) NOT NULL,
			model text NOT NULL
		)`, dimension),
		`CREATE INDEX IF NOT EXISTS chunks_document_id_idx ON chunks (document_id)`,
		`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	log.Info().Int("dimension", dimension).Msg("Database schema ready")
	return nil
}

func DropTables(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewDropTable().Model((*Chunk)(nil)).IfExists().Exec(ctx); err != nil {
		return err
	}
	_, err := db.NewDropTable().Model((*Document)(nil)).IfExists().Exec(ctx)
	return err
}

func (s *Store) Write(ctx context.Context, doc models.Document, chunks []models.ChunkEmbedding) error {
	const op = "db.write"
	if err := store.ValidateWrite(doc, chunks); err != nil {
		return err
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*Document)(nil)).
			Where("id = ? OR filename = ?", doc.ID, doc.Filename).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return models.Errorf(models.KindDocumentExists, op, "document %s (%s) already exists", doc.ID, doc.Filename)
		}

		row := &Document{ID: doc.ID, Filename: doc.Filename, UploadedAt: doc.UploadedAt.UTC()}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return err
		}

		rows := make([]Chunk, len(chunks))
		for i, c := range chunks {
			rows[i] = Chunk{
				ID:         c.Chunk.ID,
				DocumentID: doc.ID,
				Ordinal:    c.Chunk.Ordinal,
				Content:    c.Chunk.Content,
				TokenCount: c.Chunk.TokenCount,
				Embedding:  pgvector.NewVector(c.Embedding.Vector),
				Model:      c.Embedding.Model,
			}
		}
		_, err = tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	if isUniqueViolation(err) {
		return models.NewError(models.KindDocumentExists, op, err)
	}
	if err != nil {
		return store.Unavailable(op, err)
	}
	log.Debug().Str("document_id", doc.ID).Int("chunks", len(chunks)).Msg("Stored document")
	return nil
}

// Search ranks by cosine distance in the database. Unfiltered searches walk
// the HNSW index with ef_search raised so it can return topK rows. The HNSW
// scan filters after collecting ef_search candidates from the whole table, so
// filtered searches turn plain index scans off and rank the selected
// documents' chunks exactly, reached through the document_id index.
func (s *Store) Search(ctx context.Context, query []float32, topK int, documentIDs []string) ([]models.SearchResult, error) {
	const op = "db.search"
	if topK <= 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(query)

	setup := fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", min(max(topK, 40), 1000))
	if len(documentIDs) > 0 {
		setup = "SET LOCAL enable_indexscan = off"
	}

	var rows []searchRow
	err := s.db.RunInTx(ctx, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, setup); err != nil {
			return err
		}
		q := tx.NewSelect().
			TableExpr("chunks AS c").
			Join("JOIN documents AS d ON d.id = c.document_id").
			ColumnExpr("c.id, c.document_id, c.ordinal, c.content, c.token_count, d.filename").
			ColumnExpr("1 - (c.embedding <=> ?) AS score", vec).
			OrderExpr("c.embedding <=> ?", vec).
			OrderExpr("c.ordinal ASC, c.document_id ASC, c.id ASC").
			Limit(topK)
		if len(documentIDs) > 0 {
			q = q.Where("c.document_id IN (?)", bun.In(documentIDs))
		}
		return q.Scan(ctx, &rows)
	})
	if err != nil {
		return nil, store.Unavailable(op, err)
	}

	results := make([]models.SearchResult, len(rows))
	for i, r := range rows {
		results[i] = models.SearchResult{
			Chunk: models.Chunk{
				ID:         r.ID,
				DocumentID: r.DocumentID,
				Ordinal:    r.Ordinal,
				Content:    r.Content,
				TokenCount: r.TokenCount,
			},
			SourceFilename: r.Filename,
			Score:          r.Score,
		}
	}
	return store.Rank(results, topK), nil
}

// DeleteDocument removes chunks before the document so the delete does not
// rely on the foreign key cascade existing.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Chunk)(nil)).Where("document_id = ?", documentID).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*Document)(nil)).Where("id = ?", documentID).Exec(ctx)
		return err
	})
	return store.Unavailable("db.delete", err)
}

func (s *Store) ListDocuments(ctx context.Context) ([]models.Document, error) {
	var rows []listRow
	err := s.db.NewSelect().
		TableExpr("documents AS d").
		ColumnExpr("d.id, d.filename, d.uploaded_at").
		ColumnExpr("(SELECT count(*) FROM chunks AS c WHERE c.document_id = d.id) AS chunk_count").
		OrderExpr("d.uploaded_at DESC, d.id ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, store.Unavailable("db.list", err)
	}

	docs := make([]models.Document, len(rows))
	for i, r := range rows {
		docs[i] = models.Document{ID: r.ID, Filename: r.Filename, UploadedAt: r.UploadedAt, ChunkCount: r.ChunkCount}
	}
	return docs, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the bun handle for schema management.
func (s *Store) DB() *bun.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

var _ store.VectorStore = (*Store)(nil)
