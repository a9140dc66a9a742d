// Document endpoints backed by the retrieval pipeline.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llmgate/llmgate/internal/domain/retrieval"
)

// Ingestor is the slice of the retrieval pipeline the document endpoints
// need.
type Ingestor interface {
	Ingest(ctx context.Context, input retrieval.IngestInput) (*retrieval.Document, []retrieval.Chunk, error)
	Documents(ctx context.Context, ownerID string) ([]retrieval.Document, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// DocumentsHandler handles document ingestion HTTP requests.
type DocumentsHandler struct {
	pipeline Ingestor
}

// NewDocumentsHandler creates a DocumentsHandler.
func NewDocumentsHandler(pipeline Ingestor) *DocumentsHandler {
	return &DocumentsHandler{pipeline: pipeline}
}

// ingestRequest is the JSON request body for POST /api/v1/documents.
type ingestRequest struct {
	OwnerID     string `json:"owner_id"`
	Filename    string `json:"filename"`
	Title       string `json:"title,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content"`
}

// ingestResponse is the JSON response body for a successful ingest.
type ingestResponse struct {
	Document   retrieval.Document `json:"document"`
	ChunkCount int                `json:"chunk_count"`
}

// Ingest handles POST /api/v1/documents: chunks, embeds, and stores one
// document for later retrieval.
func (h *DocumentsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	doc, chunks, err := h.pipeline.Ingest(r.Context(), retrieval.IngestInput{
		OwnerID:     req.OwnerID,
		Filename:    req.Filename,
		Title:       req.Title,
		ContentType: req.ContentType,
		Content:     req.Content,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ingestResponse{Document: *doc, ChunkCount: len(chunks)})
}

// List handles GET /api/v1/documents?owner_id=...
func (h *DocumentsHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	docs, err := h.pipeline.Documents(r.Context(), ownerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if docs == nil {
		docs = []retrieval.Document{}
	}
	writeJSON(w, http.StatusOK, map[string][]retrieval.Document{"documents": docs})
}

// Delete handles DELETE /api/v1/documents/{id}: removes the document and its
// chunks from the corpus.
func (h *DocumentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.pipeline.Delete(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
