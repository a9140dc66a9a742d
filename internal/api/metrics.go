// Metrics endpoint.
package api

import (
	"net/http"

	"github.com/llmgate/llmgate/internal/metrics"
)

// MetricsSource provides the point-in-time operational snapshot.
type MetricsSource interface {
	Snapshot() metrics.Snapshot
}

// MetricsHandler serves the collector snapshot as JSON.
type MetricsHandler struct {
	source MetricsSource
}

// NewMetricsHandler creates a MetricsHandler.
func NewMetricsHandler(source MetricsSource) *MetricsHandler {
	return &MetricsHandler{source: source}
}

// Snapshot handles GET /api/v1/metrics.
func (h *MetricsHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Snapshot())
}
