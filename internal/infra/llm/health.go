package llm

import (
	"sync"
	"time"
)

// healthWindow bounds the latency sample history per adapter.
const healthWindow = 32

// Health tracks one adapter's reachability and latency history.
// Adapters record a sample on every backend call; the registry's prober
// updates the reachability verdict. Probe runs for the same adapter are
// serialized: BeginProbe refuses a second concurrent probe so the health
// state moves monotonically within a probe cycle.
type Health struct {
	mu        sync.Mutex
	samples   []time.Duration // ring buffer, newest last
	reachable bool
	lastErr   error
	lastProbe time.Time
	probing   bool
}

// NewHealth returns a tracker that is optimistic until the first probe.
func NewHealth() *Health {
	return &Health{reachable: true}
}

// Record appends one latency sample, evicting the oldest past the window.
func (h *Health) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, d)
	if len(h.samples) > healthWindow {
		h.samples = h.samples[1:]
	}
}

// BeginProbe marks a probe as in flight. Returns false when another probe
// for this adapter is already running; the caller must skip its probe.
func (h *Health) BeginProbe() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.probing {
		return false
	}
	h.probing = true
	return true
}

// EndProbe records the probe outcome and releases the probe slot.
func (h *Health) EndProbe(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probing = false
	h.reachable = err == nil
	h.lastErr = err
	h.lastProbe = time.Now()
}

// Reachable reports the verdict of the most recent completed probe.
func (h *Health) Reachable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reachable
}

// HealthSnapshot is a read-only copy of an adapter's health state.
type HealthSnapshot struct {
	Reachable   bool          `json:"reachable"`
	LastProbe   time.Time     `json:"last_probe"`
	LastError   string        `json:"last_error,omitempty"`
	SampleCount int           `json:"sample_count"`
	AvgLatency  time.Duration `json:"avg_latency_ns"`
	LastLatency time.Duration `json:"last_latency_ns"`
}

// Snapshot returns a consistent copy of the current health state.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HealthSnapshot{
		Reachable:   h.reachable,
		LastProbe:   h.lastProbe,
		SampleCount: len(h.samples),
	}
	if h.lastErr != nil {
		snap.LastError = h.lastErr.Error()
	}
	if n := len(h.samples); n > 0 {
		var total time.Duration
		for _, s := range h.samples {
			total += s
		}
		snap.AvgLatency = total / time.Duration(n)
		snap.LastLatency = h.samples[n-1]
	}
	return snap
}
