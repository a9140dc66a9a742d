// Provider interface. Adapters (Ollama, OpenAI-compatible) implement it so
// the application is never coupled to a specific LLM vendor.
package llm

import (
	"context"
	"time"
)

// Provider is the uniform capability contract one backend adapter fulfills.
//
// Every call records a latency sample into the adapter's Health tracker.
// Transient faults (ErrProviderUnreachable, ErrAdapterTimeout) are retried
// once internally with a short backoff before being surfaced; all other
// errors propagate immediately.
type Provider interface {
	// Name returns the provider key ("ollama", "openai", ...).
	Name() string

	// Models queries the backend's catalog. An empty catalog is not an
	// error; a failed or timed-out network call is.
	Models(ctx context.Context) ([]Model, error)

	// Generate begins a generation and returns a token-producing handle.
	// The returned stream is lazy, finite, and non-restartable; cancelling
	// ctx closes the underlying connection.
	Generate(ctx context.Context, req ChatRequest) (TokenStream, error)

	// Embed computes dense vectors for a batch of texts. Output order
	// matches input order. Fails with ErrEmbeddingUnavailable when the
	// backend lacks embedding capability.
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error)

	// HealthCheck returns nil if the backend is reachable and operational.
	HealthCheck(ctx context.Context) error

	// Health exposes the adapter's reachability and latency history.
	Health() *Health
}

// TokenStream is the handle for one in-flight generation.
//
// Recv returns tokens strictly in the order the backend produced them.
// It returns io.EOF after the final token; a mid-stream provider fault
// surfaces as *StreamError carrying the last safely-delivered token offset.
// Close releases the underlying connection and is safe to call more than
// once; Recv after Close returns io.EOF.
type TokenStream interface {
	Recv() (string, error)
	Usage() Usage
	Close() error
}

const (
	retryAttempts = 2 // initial call + one retry
	retryBackoff  = 250 * time.Millisecond
)

// withRetry runs call, retrying exactly once after a short backoff when the
// failure is transient. Non-transient errors surface immediately.
func withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return classifyErr(ctx.Err())
			case <-time.After(retryBackoff):
			}
		}
		lastErr = call()
		if lastErr == nil || !transient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
