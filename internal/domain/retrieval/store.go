package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Embedding status values on the document row.
const (
	StatusPending  = "pending"
	StatusEmbedded = "embedded"
	StatusFailed   = "failed"
)

// Document is a stored source document (metadata only; the text lives in its
// chunks).
type Document struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Filename        string    `json:"filename"`
	Title           string    `json:"title"`
	ContentType     string    `json:"content_type"`
	Size            int64     `json:"size"`
	EmbeddingStatus string    `json:"embedding_status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Chunk is one embedded span of a document, as stored and as returned from
// retrieval.
type Chunk struct {
	ID          string  `json:"id"`
	DocumentID  string  `json:"document_id"`
	Index       int     `json:"index"`
	Content     string  `json:"content"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
	Similarity  float32 `json:"similarity,omitempty"`
}

// storedVector pairs a chunk with its decoded embedding for in-memory search.
type storedVector struct {
	chunk  Chunk
	vector []float32
}

// Store persists documents and their chunks. Plain database/sql against the
// sqlite schema; embeddings are JSON text on the chunk row.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CountDocuments returns how many documents the owner currently holds.
func (s *Store) CountDocuments(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// CreateDocument inserts the document row with status pending.
func (s *Store) CreateDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document (id, owner_id, filename, title, content_type, size, embedding_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.Filename, doc.Title, doc.ContentType, doc.Size,
		StatusPending, doc.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// InsertChunks stores a document's chunks and their vectors in one
// transaction and flips the document status to embedded. vectors[i] belongs
// to chunks[i].
func (s *Store) InsertChunks(ctx context.Context, documentID string, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("insert chunks: %d chunks but %d vectors", len(chunks), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert chunks: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, c := range chunks {
		emb, encErr := encodeEmbedding(vectors[i])
		if encErr != nil {
			return fmt.Errorf("insert chunks: encode vector %d: %w", i, encErr)
		}
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO chunk (id, document_id, chunk_index, content, start_offset, end_offset, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, documentID, c.Index, c.Content, c.StartOffset, c.EndOffset, emb, now,
		); execErr != nil {
			return fmt.Errorf("insert chunks: chunk %d: %w", i, execErr)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE document SET embedding_status = ? WHERE id = ?`, StatusEmbedded, documentID,
	); err != nil {
		return fmt.Errorf("insert chunks: mark embedded: %w", err)
	}
	return tx.Commit()
}

// MarkFailed flips the document status to failed. Errors are swallowed so
// the original ingest failure is not masked.
func (s *Store) MarkFailed(ctx context.Context, documentID string) {
	_, _ = s.db.ExecContext(ctx,
		`UPDATE document SET embedding_status = ? WHERE id = ?`, StatusFailed, documentID)
}

// GetDocument returns one document by id, or sql.ErrNoRows.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, filename, title, content_type, size, embedding_status, created_at
		 FROM document WHERE id = ?`, id)
	return scanDocument(row)
}

// ListDocuments returns an owner's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, filename, title, content_type, size, embedding_status, created_at
		 FROM document WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var docs []Document
	for rows.Next() {
		doc, scanErr := scanDocument(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("list documents: %w", scanErr)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document; its chunks go with it via the cascade.
// Returns false when no such document exists.
func (s *Store) DeleteDocument(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM document WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	return n > 0, nil
}

// embeddedVectors loads every embedded chunk for the owner's documents with
// its decoded vector. Malformed vectors are skipped.
func (s *Store) embeddedVectors(ctx context.Context, ownerID string) ([]storedVector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.content, c.start_offset, c.end_offset, c.embedding
		 FROM chunk c
		 JOIN document d ON d.id = c.document_id
		 WHERE d.owner_id = ? AND d.embedding_status = ? AND c.embedding IS NOT NULL`,
		ownerID, StatusEmbedded)
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []storedVector
	for rows.Next() {
		var c Chunk
		var emb string
		if scanErr := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.StartOffset, &c.EndOffset, &emb); scanErr != nil {
			return nil, fmt.Errorf("load vectors: scan: %w", scanErr)
		}
		vec, decErr := decodeEmbedding(emb)
		if decErr != nil {
			continue
		}
		out = append(out, storedVector{chunk: c, vector: vec})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var created string
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Filename, &doc.Title,
		&doc.ContentType, &doc.Size, &doc.EmbeddingStatus, &created); err != nil {
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		doc.CreatedAt = ts
	}
	return &doc, nil
}

// ─── vector helpers ──────────────────────────────────────────────────────────

// cosineSimilarity computes cosine similarity between two float32 vectors.
// Returns 0 on mismatched lengths or zero magnitude.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// encodeEmbedding serialises a vector to JSON text for the chunk row.
func encodeEmbedding(vec []float32) (string, error) {
	b, err := json.Marshal(vec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeEmbedding deserialises a JSON text vector back to []float32.
func decodeEmbedding(jsonStr string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(jsonStr), &vec); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return vec, nil
}
