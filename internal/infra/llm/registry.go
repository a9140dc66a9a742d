// Provider registry: unified model catalog, exact-match routing, and
// background health probing across all configured adapters.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// catalogEntry binds one model to the adapter that serves it.
type catalogEntry struct {
	provider Provider
	priority int
	model    Model
}

// Registry aggregates provider adapters behind a single catalog.
//
// Refresh rebuilds the catalog atomically: readers always see either the
// previous complete catalog or the new one, never a partial merge. When an
// adapter fails its catalog query, its previous models are retained and
// flagged unavailable rather than dropped, so model ids stay stable across
// provider blips.
type Registry struct {
	log           *slog.Logger
	probeInterval time.Duration

	// refreshMu serializes whole Refresh runs; the prober round and an
	// on-demand refresh would otherwise race read-prev-then-swap and lose
	// one side's stale-marking.
	refreshMu sync.Mutex

	mu        sync.RWMutex
	providers []registeredProvider
	catalog   map[string]catalogEntry
	models    []Model // sorted snapshot, rebuilt on every Refresh
	usage     map[string]uint64
}

type registeredProvider struct {
	provider Provider
	priority int
}

// NewRegistry creates an empty registry. probeInterval bounds how often the
// background prober re-checks each adapter; zero disables probing.
func NewRegistry(log *slog.Logger, probeInterval time.Duration) *Registry {
	return &Registry{
		log:           log,
		probeInterval: probeInterval,
		catalog:       map[string]catalogEntry{},
		usage:         map[string]uint64{},
	}
}

// Register adds an adapter. Lower priority wins catalog ordering ties.
// Register is not safe to call concurrently with Refresh; wire providers
// at startup.
func (r *Registry) Register(p Provider, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, registeredProvider{provider: p, priority: priority})
}

// Provider returns the adapter registered under name, or nil.
func (r *Registry) Provider(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rp := range r.providers {
		if rp.provider.Name() == name {
			return rp.provider
		}
	}
	return nil
}

// Refresh queries every adapter's catalog and swaps the merged result in
// atomically. Per-adapter failures are logged and degrade to stale entries;
// Refresh itself only fails when no adapter is registered.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.mu.RLock()
	providers := make([]registeredProvider, len(r.providers))
	copy(providers, r.providers)
	prev := r.catalog
	r.mu.RUnlock()

	if len(providers) == 0 {
		return fmt.Errorf("registry: no providers registered")
	}

	next := make(map[string]catalogEntry, len(prev))
	for _, rp := range providers {
		models, err := rp.provider.Models(ctx)
		if err != nil {
			r.log.Warn("provider catalog refresh failed, keeping stale entries",
				"provider", rp.provider.Name(), "error", err)
			for id, entry := range prev {
				if entry.provider.Name() != rp.provider.Name() {
					continue
				}
				entry.model.Available = false
				next[id] = entry
			}
			continue
		}
		reachable := rp.provider.Health().Reachable()
		for _, m := range models {
			m.Available = m.Available && reachable
			next[m.ID] = catalogEntry{provider: rp.provider, priority: rp.priority, model: m}
		}
	}

	r.mu.Lock()
	// counters outlive catalog rebuilds; a model that disappears and comes
	// back keeps its history
	for id, entry := range next {
		entry.model.UsageCount = r.usage[id]
		next[id] = entry
	}
	r.catalog = next
	r.models = sortedModels(next)
	sorted := r.models
	r.mu.Unlock()

	r.log.Info("model catalog refreshed", "models", len(sorted), "providers", len(providers))
	return nil
}

// List returns the current catalog snapshot: available models first, then by
// provider priority, then by display name.
func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}

// Get returns one model by exact id.
func (r *Registry) Get(modelID string) (Model, error) {
	r.mu.RLock()
	entry, ok := r.catalog[modelID]
	r.mu.RUnlock()
	if !ok {
		return Model{}, fmt.Errorf("registry: %q: %w", modelID, ErrModelNotFound)
	}
	return entry.model, nil
}

// RecordUsage bumps a model's completed-generation counter. Unknown ids are
// counted too, so a model mid-refresh or temporarily out of the catalog does
// not lose history.
func (r *Registry) RecordUsage(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage[modelID]++
	if entry, ok := r.catalog[modelID]; ok {
		entry.model.UsageCount = r.usage[modelID]
		r.catalog[modelID] = entry
	}
	for i := range r.models {
		if r.models[i].ID == modelID {
			r.models[i].UsageCount = r.usage[modelID]
		}
	}
}

// Select resolves a model id to the adapter serving it. Matching is exact:
// an unknown id is ErrModelNotFound, a known id on an unhealthy adapter is
// ErrModelUnavailable. The registry never substitutes a different model.
func (r *Registry) Select(modelID string) (Provider, Model, error) {
	r.mu.RLock()
	entry, ok := r.catalog[modelID]
	r.mu.RUnlock()

	if !ok {
		return nil, Model{}, fmt.Errorf("registry: %q: %w", modelID, ErrModelNotFound)
	}
	if !entry.model.Available || !entry.provider.Health().Reachable() {
		return nil, Model{}, fmt.Errorf("registry: %q: %w", modelID, ErrModelUnavailable)
	}
	return entry.provider, entry.model, nil
}

// Snapshots returns each provider's health snapshot keyed by provider name.
func (r *Registry) Snapshots() map[string]HealthSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthSnapshot, len(r.providers))
	for _, rp := range r.providers {
		out[rp.provider.Name()] = rp.provider.Health().Snapshot()
	}
	return out
}

// RunProber probes every adapter at the configured interval until ctx is
// cancelled. Probes run sequentially; an adapter that already has a probe in
// flight is skipped this round. After each round the catalog is refreshed so
// availability flags track the new verdicts.
func (r *Registry) RunProber(ctx context.Context) {
	if r.probeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
			if err := r.Refresh(ctx); err != nil {
				r.log.Warn("post-probe catalog refresh failed", "error", err)
			}
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	providers := make([]registeredProvider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	for _, rp := range providers {
		health := rp.provider.Health()
		if !health.BeginProbe() {
			continue
		}
		err := rp.provider.HealthCheck(ctx)
		health.EndProbe(err)
		if err != nil {
			r.log.Warn("provider probe failed", "provider", rp.provider.Name(), "error", err)
		}
	}
}

// sortedModels orders a catalog deterministically: available before
// unavailable, then ascending provider priority, then display name.
func sortedModels(catalog map[string]catalogEntry) []Model {
	type ranked struct {
		model    Model
		priority int
	}
	entries := make([]ranked, 0, len(catalog))
	for _, e := range catalog {
		entries = append(entries, ranked{model: e.model, priority: e.priority})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.model.Available != b.model.Available {
			return a.model.Available
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.model.DisplayName < b.model.DisplayName
	})

	out := make([]Model, len(entries))
	for i, e := range entries {
		out[i] = e.model
	}
	return out
}
