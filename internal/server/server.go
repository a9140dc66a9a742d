// HTTP server initialization and lifecycle management. Wires the full stack:
// database, provider registry, retrieval pipeline, session manager, gateway,
// metrics collector, and the chi router.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/llmgate/llmgate/internal/api"
	"github.com/llmgate/llmgate/internal/domain/chat"
	"github.com/llmgate/llmgate/internal/domain/retrieval"
	"github.com/llmgate/llmgate/internal/infra/config"
	"github.com/llmgate/llmgate/internal/infra/eventbus"
	"github.com/llmgate/llmgate/internal/infra/llm"
	"github.com/llmgate/llmgate/internal/infra/sqlite"
	"github.com/llmgate/llmgate/internal/metrics"
)

// Server owns the HTTP listener and every long-running component behind it.
type Server struct {
	cfg       config.Config
	log       *slog.Logger
	db        *sql.DB
	http      *http.Server
	registry  *llm.Registry
	manager   *chat.Manager
	collector *metrics.Collector
}

// New builds the full application stack from configuration. Nothing runs
// until Start is called.
func New(cfg config.Config, log *slog.Logger) (*Server, error) {
	db, err := sqlite.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("server: open database: %w", err)
	}
	if err := sqlite.MigrateUp(db); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("server: migrate: %w", err)
	}

	bus := eventbus.New()

	registry := llm.NewRegistry(log, cfg.Registry.ProbeInterval())
	embedder := registerProviders(registry, cfg, log)

	var pipeline *retrieval.Pipeline
	if embedder != nil {
		pipeline = retrieval.NewPipeline(retrieval.NewStore(db), embedder, bus, log, retrieval.Options{
			EmbedModel:         cfg.Retrieval.EmbeddingModel,
			BatchSize:          cfg.Retrieval.EmbeddingBatchSize,
			ChunkSize:          cfg.Retrieval.ChunkSize,
			ChunkOverlap:       cfg.Retrieval.ChunkOverlap,
			TopK:               cfg.Retrieval.TopK,
			RelevanceThreshold: float32(cfg.Retrieval.RelevanceThreshold),
			MaxDocuments:       cfg.Retrieval.FileMaxCount,
			MaxDocumentSize:    cfg.Retrieval.FileMaxSize,
			Timeout:            cfg.Retrieval.RetrievalTimeout(),
		})
	} else {
		log.Warn("no embedding-capable provider configured, retrieval disabled")
	}

	store := chat.NewStore(db)
	manager := chat.NewManager(log, bus, cfg.Session.SessionTimeout(), cfg.Session.Retention())

	var retriever chat.Retriever
	if pipeline != nil {
		retriever = pipeline
	}
	gateway := chat.NewGateway(registry, retriever, store, manager, log, chat.GatewayOptions{
		HistoryWindow:      cfg.Session.HistoryWindow,
		ReserveTokens:      cfg.Session.ReserveTokens,
		TopK:               cfg.Retrieval.TopK,
		RelevanceThreshold: float32(cfg.Retrieval.RelevanceThreshold),
	})

	collector := metrics.NewCollector(log, bus, registry, manager)

	var ingestor api.Ingestor
	if pipeline != nil {
		ingestor = pipeline
	}
	router := api.NewRouter(api.Deps{
		Gateway:       gateway,
		Conversations: store,
		Catalog:       registry,
		Pipeline:      ingestor,
		Metrics:       collector,
		Log:           log,
	})

	// No WriteTimeout: SSE and websocket responses stay open for the whole
	// generation.
	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		cfg:       cfg,
		log:       log,
		db:        db,
		http:      httpServer,
		registry:  registry,
		manager:   manager,
		collector: collector,
	}, nil
}

// Start launches the background loops and blocks serving HTTP until the
// listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.registry.Refresh(ctx); err != nil {
		// Providers may simply not be up yet; the prober keeps trying.
		s.log.Warn("initial catalog refresh failed", "error", err)
	}

	go s.registry.RunProber(ctx)
	go s.manager.RunReaper(ctx)
	go s.collector.Run(ctx)

	s.log.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and closes the database.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("server: close database: %w", err)
	}
	s.log.Info("server shutdown complete")
	return nil
}

// registerProviders builds the configured adapters, registers them, and
// returns the embedding provider for the retrieval pipeline: the
// lowest-priority local adapter, since hosted embedding endpoints are
// optional on OpenAI-compatible backends.
func registerProviders(registry *llm.Registry, cfg config.Config, log *slog.Logger) retrieval.Embedder {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := cfg.Providers[names[i]], cfg.Providers[names[j]]
		if pi.Priority != pj.Priority {
			return pi.Priority < pj.Priority
		}
		return names[i] < names[j]
	})

	var embedder retrieval.Embedder
	for _, name := range names {
		pc := cfg.Providers[name]
		switch pc.Type {
		case "ollama":
			p := llm.NewOllamaProvider(pc.BaseURL, pc.ChatTimeout(), pc.EmbedTimeout())
			registry.Register(p, pc.Priority)
			if embedder == nil {
				embedder = p
			}
			log.Info("registered provider", "name", p.Name(), "base_url", pc.BaseURL)
		case "openai":
			p := llm.NewOpenAIProvider(name, pc.BaseURL, pc.APIKey, pc.ChatTimeout(), pc.EmbedTimeout())
			registry.Register(p, pc.Priority)
			log.Info("registered provider", "name", name, "base_url", pc.BaseURL)
		default:
			// config.Load validates types; unreachable for loaded configs.
			log.Warn("skipping provider with unknown type", "name", name, "type", pc.Type)
		}
	}
	return embedder
}
