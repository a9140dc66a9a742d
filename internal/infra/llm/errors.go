package llm

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the provider layer. Callers match with errors.Is.
var (
	// ErrProviderUnreachable: the network call to the backend failed outright.
	ErrProviderUnreachable = errors.New("provider unreachable")

	// ErrAdapterTimeout: an adapter call exceeded its deadline.
	ErrAdapterTimeout = errors.New("adapter timeout")

	// ErrEmbeddingUnavailable: the backend lacks embedding capability.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrModelNotFound: no adapter declares the requested model id.
	ErrModelNotFound = errors.New("model not found")

	// ErrModelUnavailable: the model exists but its adapter is currently
	// marked unhealthy. The registry never substitutes another model.
	ErrModelUnavailable = errors.New("model unavailable")
)

// errEndpointMissing marks a 404 from the backend. Adapters translate it per
// call site: a missing /embeddings endpoint becomes ErrEmbeddingUnavailable,
// anything else is a reachability fault.
var errEndpointMissing = errors.New("endpoint missing")

// StreamError reports a provider-side fault in the middle of a token stream.
// Offset is the number of tokens that were safely delivered before the fault,
// so callers can preserve the partial output.
type StreamError struct {
	Offset int
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed after %d tokens: %v", e.Offset, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// classifyErr maps transport-level failures onto the sentinel taxonomy.
// Context cancellation passes through untouched so callers can tell a
// deliberate cancel apart from a provider fault.
func classifyErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrAdapterTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
}

// transient reports whether an error is worth one in-adapter retry.
// Only connection-level faults and deadlines qualify; anything else would
// risk duplicating output or masking a real error.
func transient(err error) bool {
	return errors.Is(err, ErrProviderUnreachable) || errors.Is(err, ErrAdapterTimeout)
}
