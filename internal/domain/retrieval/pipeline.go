package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/llmgate/llmgate/internal/infra/eventbus"
	"github.com/llmgate/llmgate/internal/infra/llm"
)

// TopicDocumentIngested is published on the event bus after a successful
// ingest.
const TopicDocumentIngested = "document.ingested"

// IngestedEventPayload carries identifiers for metrics and other listeners.
type IngestedEventPayload struct {
	DocumentID string
	OwnerID    string
	ChunkCount int
}

// ErrIngestion covers documents rejected before embedding: too large, empty,
// or the owner's corpus is already full.
var ErrIngestion = errors.New("ingestion rejected")

// Embedder is the slice of the provider contract the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error)
}

// Options bound the pipeline's chunking, batching, and search behavior.
type Options struct {
	EmbedModel         string
	BatchSize          int
	ChunkSize          int
	ChunkOverlap       int
	TopK               int
	RelevanceThreshold float32
	MaxDocuments       int
	MaxDocumentSize    int64
	Timeout            time.Duration // retrieval ceiling per query
}

// Pipeline ingests documents and answers similarity queries over their
// chunks.
type Pipeline struct {
	store    *Store
	embedder Embedder
	bus      eventbus.EventBus
	log      *slog.Logger
	opts     Options
}

// NewPipeline creates a Pipeline. Zero-valued options fall back to safe
// defaults.
func NewPipeline(store *Store, embedder Embedder, bus eventbus.EventBus, log *slog.Logger, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Pipeline{store: store, embedder: embedder, bus: bus, log: log, opts: opts}
}

// IngestInput is one document submitted for ingestion.
type IngestInput struct {
	OwnerID     string
	Filename    string
	Title       string
	ContentType string
	Content     string
}

// Ingest splits the document, embeds the chunks in batches, and persists
// everything. Documents over the size cap, empty documents, and owners at
// the corpus cap are rejected with ErrIngestion; embedding faults flip the
// document to failed status and surface the provider error.
func (p *Pipeline) Ingest(ctx context.Context, input IngestInput) (*Document, []Chunk, error) {
	if len(input.Content) == 0 {
		return nil, nil, fmt.Errorf("%w: empty document", ErrIngestion)
	}
	if p.opts.MaxDocumentSize > 0 && int64(len(input.Content)) > p.opts.MaxDocumentSize {
		return nil, nil, fmt.Errorf("%w: document is %d bytes, limit %d",
			ErrIngestion, len(input.Content), p.opts.MaxDocumentSize)
	}
	if p.opts.MaxDocuments > 0 {
		n, err := p.store.CountDocuments(ctx, input.OwnerID)
		if err != nil {
			return nil, nil, fmt.Errorf("retrieval: %w", err)
		}
		if n >= p.opts.MaxDocuments {
			return nil, nil, fmt.Errorf("%w: corpus holds %d documents, limit %d",
				ErrIngestion, n, p.opts.MaxDocuments)
		}
	}

	title := input.Title
	if title == "" {
		title = input.Filename
	}
	doc := Document{
		ID:              uuid.NewString(),
		OwnerID:         input.OwnerID,
		Filename:        input.Filename,
		Title:           title,
		ContentType:     input.ContentType,
		Size:            int64(len(input.Content)),
		EmbeddingStatus: StatusPending,
		CreatedAt:       time.Now(),
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return nil, nil, fmt.Errorf("retrieval: %w", err)
	}

	spans := Split(input.Content, p.opts.ChunkSize, p.opts.ChunkOverlap)
	chunks := make([]Chunk, len(spans))
	texts := make([]string, len(spans))
	for i, sp := range spans {
		chunks[i] = Chunk{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			Index:       i,
			Content:     sp.Text,
			StartOffset: sp.Start,
			EndOffset:   sp.End,
		}
		texts[i] = sp.Text
	}

	vectors, err := p.embedBatches(ctx, texts)
	if err != nil {
		p.store.MarkFailed(ctx, doc.ID)
		return nil, nil, fmt.Errorf("retrieval: embed document %s: %w", doc.ID, err)
	}

	if err := p.store.InsertChunks(ctx, doc.ID, chunks, vectors); err != nil {
		p.store.MarkFailed(ctx, doc.ID)
		return nil, nil, fmt.Errorf("retrieval: %w", err)
	}
	doc.EmbeddingStatus = StatusEmbedded

	p.bus.Publish(TopicDocumentIngested, IngestedEventPayload{
		DocumentID: doc.ID,
		OwnerID:    input.OwnerID,
		ChunkCount: len(chunks),
	})
	p.log.Info("document ingested", "document_id", doc.ID, "chunks", len(chunks), "bytes", doc.Size)

	return &doc, chunks, nil
}

// embedBatches embeds texts in groups of at most BatchSize, preserving input
// order across batches.
func (p *Pipeline) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.opts.BatchSize {
		end := start + p.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := p.embedder.Embed(ctx, llm.EmbedRequest{
			Model: p.opts.EmbedModel,
			Texts: texts[start:end],
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts",
				len(resp.Embeddings), end-start)
		}
		vectors = append(vectors, resp.Embeddings...)
	}
	return vectors, nil
}

// Retrieve embeds the query and returns the owner's most similar chunks:
// at most topK, each with similarity ≥ threshold, ordered by descending
// similarity. Zero topK falls back to the configured default; the threshold
// is taken as given (0 means no filtering).
//
// The whole call is bounded by the configured ceiling. If scoring is cut off
// mid-way the results gathered so far are returned rather than an error.
func (p *Pipeline) Retrieve(ctx context.Context, ownerID, query string, topK int, threshold float32) ([]Chunk, error) {
	if topK <= 0 {
		topK = p.opts.TopK
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	resp, err := p.embedder.Embed(ctx, llm.EmbedRequest{
		Model: p.opts.EmbedModel,
		Texts: []string{query},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("retrieval: embed query: empty response")
	}
	queryVec := resp.Embeddings[0]

	stored, err := p.store.embeddedVectors(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	scored := make([]Chunk, 0, len(stored))
	for i, sv := range stored {
		// keep partial results when the ceiling hits mid-scan
		if i%64 == 0 && ctx.Err() != nil {
			p.log.Warn("retrieval cut off by deadline", "scored", len(scored), "total", len(stored))
			break
		}
		sim := cosineSimilarity(queryVec, sv.vector)
		if sim < threshold {
			continue
		}
		c := sv.chunk
		c.Similarity = sim
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Documents lists the owner's documents.
func (p *Pipeline) Documents(ctx context.Context, ownerID string) ([]Document, error) {
	return p.store.ListDocuments(ctx, ownerID)
}

// Document returns one document by id.
func (p *Pipeline) Document(ctx context.Context, id string) (*Document, error) {
	return p.store.GetDocument(ctx, id)
}

// Delete removes a document and its chunks. Returns false when the id is
// unknown.
func (p *Pipeline) Delete(ctx context.Context, id string) (bool, error) {
	return p.store.DeleteDocument(ctx, id)
}
