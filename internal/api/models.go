// Model catalog endpoints backed by the provider registry.
package api

import (
	"context"
	"net/http"

	"github.com/llmgate/llmgate/internal/infra/llm"
)

// Catalog is the slice of the provider registry the model endpoints need.
type Catalog interface {
	List() []llm.Model
	Refresh(ctx context.Context) error
}

// ModelsHandler serves the merged model catalog.
type ModelsHandler struct {
	catalog Catalog
}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler(catalog Catalog) *ModelsHandler {
	return &ModelsHandler{catalog: catalog}
}

// modelsResponse is the JSON response body for GET /api/v1/models.
type modelsResponse struct {
	Models []llm.Model `json:"models"`
}

// List handles GET /api/v1/models. The catalog is served from the last
// refresh; it never blocks on provider round-trips.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	models := h.catalog.List()
	if models == nil {
		models = []llm.Model{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{Models: models})
}

// Refresh handles POST /api/v1/models/refresh: re-queries every provider and
// swaps in the merged catalog.
func (h *ModelsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Refresh(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	h.List(w, r)
}
