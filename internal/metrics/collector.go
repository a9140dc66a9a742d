// Package metrics aggregates the gateway's operational signals: session
// terminal-state counts from the event bus, ingestion totals, and provider
// health snapshots from the registry.
package metrics

import (
	"context"
	"log/slog"
	"sync"

	"github.com/llmgate/llmgate/internal/domain/chat"
	"github.com/llmgate/llmgate/internal/domain/retrieval"
	"github.com/llmgate/llmgate/internal/infra/eventbus"
	"github.com/llmgate/llmgate/internal/infra/llm"
)

// Snapshot is the point-in-time view served at the metrics endpoint.
type Snapshot struct {
	SessionsByState  map[string]uint64             `json:"sessions_by_state"`
	ActiveSessions   int                           `json:"active_sessions"`
	CompletionTokens uint64                        `json:"completion_tokens"`
	DocumentsIngest  uint64                        `json:"documents_ingested"`
	ChunksIngested   uint64                        `json:"chunks_ingested"`
	Providers        map[string]llm.HealthSnapshot `json:"providers"`
	EventsDropped    uint64                        `json:"events_dropped"`
}

// ProviderHealth is the slice of the registry the collector reads.
type ProviderHealth interface {
	Snapshots() map[string]llm.HealthSnapshot
}

// ActiveCounter reports in-flight sessions.
type ActiveCounter interface {
	ActiveCount() int
}

// Collector consumes bus events and answers Snapshot queries.
type Collector struct {
	log       *slog.Logger
	bus       *eventbus.Bus
	providers ProviderHealth
	sessions  ActiveCounter

	mu               sync.Mutex
	sessionsByState  map[string]uint64
	completionTokens uint64
	documents        uint64
	chunks           uint64
}

// NewCollector wires a Collector; call Run to start consuming.
func NewCollector(log *slog.Logger, bus *eventbus.Bus, providers ProviderHealth, sessions ActiveCounter) *Collector {
	return &Collector{
		log:             log,
		bus:             bus,
		providers:       providers,
		sessions:        sessions,
		sessionsByState: make(map[string]uint64),
	}
}

// Run consumes session and ingestion events until ctx is cancelled. Launch
// with: go collector.Run(ctx).
func (c *Collector) Run(ctx context.Context) {
	finished := c.bus.Subscribe(chat.TopicSessionFinished)
	ingested := c.bus.Subscribe(retrieval.TopicDocumentIngested)

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-finished:
			payload, ok := evt.Payload.(chat.FinishedEventPayload)
			if !ok {
				continue
			}
			c.recordSession(payload)
		case evt := <-ingested:
			payload, ok := evt.Payload.(retrieval.IngestedEventPayload)
			if !ok {
				continue
			}
			c.recordIngest(payload)
		}
	}
}

func (c *Collector) recordSession(p chat.FinishedEventPayload) {
	c.mu.Lock()
	c.sessionsByState[string(p.State)]++
	c.completionTokens += uint64(p.CompletionTokens)
	c.mu.Unlock()
}

func (c *Collector) recordIngest(p retrieval.IngestedEventPayload) {
	c.mu.Lock()
	c.documents++
	c.chunks += uint64(p.ChunkCount)
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters plus live provider
// health.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	byState := make(map[string]uint64, len(c.sessionsByState))
	for state, n := range c.sessionsByState {
		byState[state] = n
	}
	snap := Snapshot{
		SessionsByState:  byState,
		CompletionTokens: c.completionTokens,
		DocumentsIngest:  c.documents,
		ChunksIngested:   c.chunks,
	}
	c.mu.Unlock()

	if c.providers != nil {
		snap.Providers = c.providers.Snapshots()
	}
	if c.sessions != nil {
		snap.ActiveSessions = c.sessions.ActiveCount()
	}
	snap.EventsDropped = c.bus.Dropped()
	return snap
}
