// Route registration and go-chi router setup.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps collects the services the HTTP layer exposes. Pipeline and Metrics
// may be nil; their routes are then not mounted.
type Deps struct {
	Gateway       Generator
	Conversations Conversations
	Catalog       Catalog
	Pipeline      Ingestor
	Metrics       MetricsSource
	Log           *slog.Logger
}

// NewRouter creates and configures a new chi router with all routes.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check — used by load balancers and health probes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerContentType, mimeJSON)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})

	modelsHandler := NewModelsHandler(deps.Catalog)
	chatHandler := NewChatHandler(deps.Gateway, deps.Conversations, deps.Log)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/models", func(r chi.Router) {
			r.Get("/", modelsHandler.List)            // GET  /api/v1/models
			r.Post("/refresh", modelsHandler.Refresh) // POST /api/v1/models/refresh
		})

		r.Route("/chat/{conversation_id}", func(r chi.Router) {
			r.Post("/", chatHandler.Generate)     // POST /api/v1/chat/{conversation_id}
			r.Post("/stream", chatHandler.Stream) // POST /api/v1/chat/{conversation_id}/stream
			r.Get("/ws", chatHandler.Websocket)   // GET  /api/v1/chat/{conversation_id}/ws
		})

		r.Delete("/sessions/{session_id}", chatHandler.CancelSession)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", chatHandler.ListConversations)
			r.Delete("/{conversation_id}", chatHandler.DeleteConversation)
		})

		if deps.Pipeline != nil {
			documentsHandler := NewDocumentsHandler(deps.Pipeline)
			r.Route("/documents", func(r chi.Router) {
				r.Post("/", documentsHandler.Ingest)       // POST   /api/v1/documents
				r.Get("/", documentsHandler.List)          // GET    /api/v1/documents
				r.Delete("/{id}", documentsHandler.Delete) // DELETE /api/v1/documents/{id}
			})
		}

		if deps.Metrics != nil {
			r.Get("/metrics", NewMetricsHandler(deps.Metrics).Snapshot)
		}
	})

	return r
}
