package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/contexta-ingest/internal/config"
	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := DSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// DSN appends verify-ca SSL parameters to databaseURL when a root cert is given.
func DSN(databaseURL, sslCertPath string) (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	if sslCertPath == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(sslCertPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", sslCertPath, err)
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", sslCertPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping reports database reachability for health checks.
func (c *DatabaseClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Documents

func (c *DatabaseClient) UpsertDocument(ctx context.Context, doc *models.Document) (*models.Document, error) {
	if doc == nil {
		return nil, errors.New("nil document")
	}
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return nil, err
	}
	if doc.Status == "" {
		doc.Status = models.DocumentPending
	}

	const q = `
		INSERT INTO documents
			(file_name, storage_url, source_type, content_type, content_hash, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (content_hash) DO UPDATE
			SET file_name = EXCLUDED.file_name,
			    storage_url = EXCLUDED.storage_url,
			    metadata = EXCLUDED.metadata,
			    updated_at = now()
		RETURNING ` + documentColumns
	row := c.db.QueryRowContext(ctx, q,
		doc.FileName, doc.StorageURL, doc.SourceType, doc.ContentType, doc.ContentHash, doc.Status, meta)
	out, err := scanDocument(row)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("upsert document: %w", err))
	}
	return out, nil
}

const documentColumns = `id, file_name, storage_url, source_type, content_type, content_hash,
	status, strategy, category, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d    models.Document
		meta []byte
	)
	if err := row.Scan(&d.ID, &d.FileName, &d.StorageURL, &d.SourceType, &d.ContentType, &d.ContentHash,
		&d.Status, &d.Strategy, &d.Category, &meta, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &d, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (c *DatabaseClient) ListDocuments(ctx context.Context, limit, offset int) ([]models.Document, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := c.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateDocumentStatus(ctx context.Context, id string, status string) error {
	const q = `
		UPDATE documents
		SET status = $2, updated_at = now()
		WHERE id = $1
	`
	return c.execOne(ctx, q, id, status)
}

func (c *DatabaseClient) UpdateDocumentClassification(ctx context.Context, id, category, strategy string) error {
	const q = `
		UPDATE documents
		SET category = $2, strategy = $3, updated_at = now()
		WHERE id = $1
	`
	return c.execOne(ctx, q, id, category, strategy)
}

func (c *DatabaseClient) execOne(ctx context.Context, q string, args ...any) error {
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return core.Transient(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %v", core.ErrDocumentNotFound, args[0])
	}
	return nil
}

// Chunks

func (c *DatabaseClient) DeleteChunks(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	return err
}

// InsertChunk writes one chunk with its embedding in its own transaction.
// A conflicting (document_id, chunk_index) row is replaced.
func (c *DatabaseClient) InsertChunk(ctx context.Context, ch *models.DocumentChunk) error {
	if ch == nil {
		return errors.New("nil chunk")
	}
	if len(ch.Embedding) == 0 {
		return fmt.Errorf("chunk %d of %s has no embedding", ch.ChunkIndex, ch.DocumentID)
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO document_chunks
			(id, document_id, chunk_index, content, embedding, page_ref, start_offset, end_offset,
			 overlap, heading, strategy, category, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, now()))
		ON CONFLICT (document_id, chunk_index) DO UPDATE
			SET id = EXCLUDED.id,
			    content = EXCLUDED.content,
			    embedding = EXCLUDED.embedding,
			    page_ref = EXCLUDED.page_ref,
			    start_offset = EXCLUDED.start_offset,
			    end_offset = EXCLUDED.end_offset,
			    overlap = EXCLUDED.overlap,
			    heading = EXCLUDED.heading,
			    strategy = EXCLUDED.strategy,
			    category = EXCLUDED.category,
			    token_count = EXCLUDED.token_count
	`
	var createdAt any
	if !ch.CreatedAt.IsZero() {
		createdAt = ch.CreatedAt
	}
	if _, err := tx.ExecContext(ctx, q,
		ch.ID, ch.DocumentID, ch.ChunkIndex, ch.Content, pgvector.NewVector(ch.Embedding), ch.PageRef,
		ch.StartOffset, ch.EndOffset, ch.Overlap, ch.Heading, ch.Strategy, ch.Category, ch.TokenCount, createdAt,
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *DatabaseClient) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM document_chunks WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

const chunkColumns = `c.id, c.document_id, c.chunk_index, c.content, c.embedding, c.page_ref, c.start_offset,
	c.end_offset, c.overlap, c.heading, c.strategy, c.category, c.token_count, c.created_at`

func scanChunk(row rowScanner, extra ...any) (models.DocumentChunk, error) {
	var (
		ch  models.DocumentChunk
		emb pgvector.Vector
	)
	dest := []any{&ch.ID, &ch.DocumentID, &ch.ChunkIndex, &ch.Content, &emb, &ch.PageRef, &ch.StartOffset,
		&ch.EndOffset, &ch.Overlap, &ch.Heading, &ch.Strategy, &ch.Category, &ch.TokenCount, &ch.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return ch, err
	}
	ch.Embedding = emb.Slice()
	return ch, nil
}

func (c *DatabaseClient) GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	q := `SELECT ` + chunkColumns + ` FROM document_chunks c WHERE c.document_id = $1 ORDER BY c.chunk_index ASC`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SearchChunks returns the TopK chunks whose cosine similarity to the query
// is at least Threshold, best first. Archived documents are excluded.
func (c *DatabaseClient) SearchChunks(ctx context.Context, sq models.SearchQuery) ([]models.ScoredChunk, error) {
	if len(sq.Embedding) == 0 {
		return nil, errors.New("search embedding is empty")
	}
	topK := sq.TopK
	if topK <= 0 {
		topK = 5
	}

	q := `
		SELECT ` + chunkColumns + `, d.file_name, 1 - (c.embedding <=> $1) AS similarity
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.status <> 'archived'
		  AND 1 - (c.embedding <=> $1) >= $2
		  AND ($3 = '' OR c.document_id::text = $3)
		ORDER BY c.embedding <=> $1
		LIMIT $4
	`
	rows, err := c.db.QueryContext(ctx, q, pgvector.NewVector(sq.Embedding), sq.Threshold, sq.DocumentID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		ch, err := scanChunk(rows, &sc.FileName, &sc.Similarity)
		if err != nil {
			return nil, err
		}
		sc.DocumentChunk = ch
		sc.DocumentChunk.Embedding = nil
		out = append(out, sc)
	}
	return out, rows.Err()
}
