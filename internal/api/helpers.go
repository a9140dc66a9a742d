// Shared response helpers for the HTTP layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/llmgate/llmgate/internal/domain/chat"
	"github.com/llmgate/llmgate/internal/domain/retrieval"
	"github.com/llmgate/llmgate/internal/infra/llm"
)

const (
	headerContentType = "Content-Type"
	mimeJSON          = "application/json"

	errInvalidBody = "invalid request body"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set(headerContentType, mimeJSON)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeDomainError maps the service error taxonomy to HTTP status codes and
// writes the response. Unknown errors become a generic 500 so internal
// details never leak to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, llm.ErrModelNotFound),
		errors.Is(err, chat.ErrConversationNotFound),
		errors.Is(err, chat.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrEmptyPrompt),
		errors.Is(err, chat.ErrModelRequired),
		errors.Is(err, retrieval.ErrIngestion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrSessionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, llm.ErrModelUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, llm.ErrProviderUnreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, llm.ErrAdapterTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
