package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmgate/llmgate/internal/infra/eventbus"
	"github.com/llmgate/llmgate/internal/infra/llm"
)

// TopicSessionFinished is published on the event bus whenever a session
// reaches a terminal state.
const TopicSessionFinished = "session.finished"

// FinishedEventPayload is the metrics-facing record of one finished session.
type FinishedEventPayload struct {
	SessionID        string
	ConversationID   string
	ModelID          string
	State            State
	CompletionTokens int
	Duration         time.Duration
}

// ErrSessionConflict: a generation is already in flight for the conversation.
// Callers must cancel it before starting another.
var ErrSessionConflict = errors.New("session conflict")

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// State is a session's position in its lifecycle. Terminal states are sinks.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether no transition may leave this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// EventType tags one session event relayed to a live consumer.
type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one item on a session's relay channel. Token events carry one
// token; the single final done/error event carries the full output.
type Event struct {
	Type   EventType  `json:"type"`
	Token  string     `json:"token,omitempty"`
	Output string     `json:"output,omitempty"`
	State  State      `json:"state,omitempty"`
	Usage  *llm.Usage `json:"usage,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// ResultKind classifies a finished session for the caller.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultPartial ResultKind = "partial" // cancelled or failed, with partial output
	ResultFailure ResultKind = "failure"
)

// Result is the tagged outcome of one finished session.
type Result struct {
	Kind      ResultKind `json:"kind"`
	SessionID string     `json:"session_id"`
	State     State      `json:"state"`
	Output    string     `json:"output"`
	Usage     llm.Usage  `json:"usage"`
	Err       error      `json:"-"`
}

// Session is the live state of one in-flight generation. It is owned by the
// Manager until terminal; callers only read from it.
type Session struct {
	ID             string
	ConversationID string
	ModelID        string

	mu              sync.Mutex
	state           State
	output          strings.Builder
	tokenCount      int
	usage           llm.Usage
	err             error
	cancelRequested bool
	cancel          context.CancelFunc
	startedAt       time.Time
	finishedAt      time.Time

	events chan Event    // nil unless the caller asked for a live relay
	done   chan struct{} // closed on the transition into a terminal state
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Output returns a snapshot of the accumulated output.
func (s *Session) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

// Err returns the fault that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Events returns the live relay channel, or nil for sessions started without
// one. The channel is closed after the final done/error event.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is terminal or ctx expires.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return s.Result(), nil
	}
}

// Result classifies the finished session. Calling it before a terminal state
// reflects whatever has accumulated so far with an empty kind.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &Result{
		SessionID: s.ID,
		State:     s.state,
		Output:    s.output.String(),
		Usage:     s.usage,
		Err:       s.err,
	}
	switch {
	case s.state == StateCompleted:
		res.Kind = ResultSuccess
	case s.state.Terminal() && res.Output != "":
		res.Kind = ResultPartial
	case s.state.Terminal():
		res.Kind = ResultFailure
	}
	return res
}

// to moves the session into next unless it is already terminal. Returns
// whether the transition happened.
func (s *Session) to(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = next
	if next.Terminal() {
		s.finishedAt = time.Now()
		close(s.done)
	}
	return true
}

// complete records usage and moves the session to Completed — unless a
// cancel raced the natural end of the stream, in which case the cancel wins
// and the session lands in Cancelled. Returns the state reached.
func (s *Session) complete(usage llm.Usage) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.state
	}
	s.usage = usage
	if s.cancelRequested {
		s.state = StateCancelled
	} else {
		s.state = StateCompleted
	}
	s.finishedAt = time.Now()
	close(s.done)
	return s.state
}

func (s *Session) append(token string) {
	s.mu.Lock()
	s.output.WriteString(token)
	s.tokenCount++
	s.mu.Unlock()
}

// emit forwards one event to the relay consumer. The send blocks (that is
// the backpressure) but gives up when the session's context ends, so a
// vanished consumer cannot wedge the run loop.
func (s *Session) emit(ctx context.Context, evt Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- evt:
	case <-ctx.Done():
	}
}

// emitFinal delivers the terminal event. By then the run context is usually
// already cancelled (a cancel is what ended the session), so racing it would
// drop the event even with buffer space free. Only a full buffer drops it.
func (s *Session) emitFinal(evt Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

// Manager owns every streaming session from acceptance to terminal state and
// garbage collection. Transitions are serialized per session; unrelated
// sessions never contend.
type Manager struct {
	log       *slog.Logger
	bus       eventbus.EventBus
	timeout   time.Duration // per-session ceiling
	retention time.Duration // how long terminal sessions stay queryable

	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string // conversation id → in-flight session id
}

// relayBuffer bounds how many tokens may pile up ahead of a slow consumer
// before the producer blocks.
const relayBuffer = 64

// NewManager creates a Manager. timeout bounds each session end to end;
// retention controls when finished sessions are reaped.
func NewManager(log *slog.Logger, bus eventbus.EventBus, timeout, retention time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Manager{
		log:       log,
		bus:       bus,
		timeout:   timeout,
		retention: retention,
		sessions:  make(map[string]*Session),
		active:    make(map[string]string),
	}
}

// StartInput describes one generation to run.
type StartInput struct {
	ConversationID string
	ModelID        string
	Provider       llm.Provider
	Request        llm.ChatRequest
	Relay          bool // open a live event channel for the caller
}

// Start accepts a generation request, rejecting it with ErrSessionConflict
// when the conversation already has a session in flight, and launches the
// drive loop. The returned session is Pending; tokens start flowing once the
// adapter responds.
//
// The session inherits cancellation from ctx: if the caller's context ends,
// the generation is cancelled.
func (m *Manager) Start(ctx context.Context, in StartInput) (*Session, error) {
	sess := &Session{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		ModelID:        in.ModelID,
		state:          StatePending,
		startedAt:      time.Now(),
		done:           make(chan struct{}),
	}
	if in.Relay {
		sess.events = make(chan Event, relayBuffer)
	}

	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	sess.cancel = cancel

	m.mu.Lock()
	if sid, ok := m.active[in.ConversationID]; ok {
		if prev := m.sessions[sid]; prev != nil && !prev.State().Terminal() {
			m.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("%w: conversation %s has session %s in flight",
				ErrSessionConflict, in.ConversationID, sid)
		}
	}
	m.sessions[sess.ID] = sess
	m.active[in.ConversationID] = sess.ID
	m.mu.Unlock()

	go m.run(runCtx, cancel, sess, in.Provider, in.Request)
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// Cancel requests cancellation of a session. Idempotent: cancelling an
// already-terminal session is a no-op, not an error.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess.mu.Lock()
	if sess.state.Terminal() {
		sess.mu.Unlock()
		return nil
	}
	sess.cancelRequested = true
	cancel := sess.cancel
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// run drives one adapter stream to a terminal state. Tokens are forwarded in
// exactly the order the adapter produced them.
func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, sess *Session, provider llm.Provider, req llm.ChatRequest) {
	defer m.finish(sess)
	defer cancel()

	stream, err := provider.Generate(ctx, req)
	if err != nil {
		m.fail(sess, err)
		return
	}
	defer stream.Close() //nolint:errcheck

	if !sess.to(StateStreaming) {
		return
	}

	for {
		token, recvErr := stream.Recv()
		if recvErr == io.EOF {
			usage := stream.Usage()
			if final := sess.complete(usage); final.Terminal() {
				sess.emitFinal(Event{
					Type:   EventDone,
					Output: sess.Output(),
					State:  final,
					Usage:  &usage,
				})
			}
			return
		}
		if recvErr != nil {
			m.fail(sess, recvErr)
			return
		}
		sess.append(token)
		sess.emit(ctx, Event{Type: EventToken, Token: token})
	}
}

// fail routes a fault into Cancelled or Failed. A requested cancel (or the
// caller's context going away) is Cancelled; deadlines and provider faults
// are Failed with the partial output preserved.
func (m *Manager) fail(sess *Session, cause error) {
	sess.mu.Lock()
	requested := sess.cancelRequested
	sess.mu.Unlock()

	if requested || errors.Is(cause, context.Canceled) {
		if sess.to(StateCancelled) {
			sess.emitFinal(Event{Type: EventDone, Output: sess.Output(), State: StateCancelled})
		}
		return
	}

	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: session exceeded %s", llm.ErrAdapterTimeout, m.timeout)
	}
	sess.mu.Lock()
	sess.err = cause
	sess.mu.Unlock()

	if sess.to(StateFailed) {
		m.log.Warn("session failed",
			"session_id", sess.ID, "conversation_id", sess.ConversationID, "error", cause)
		sess.emitFinal(Event{
			Type:   EventError,
			Output: sess.Output(),
			State:  StateFailed,
			Error:  cause.Error(),
		})
	}
}

// finish releases the conversation slot, closes the relay, and publishes the
// terminal-state event for metrics.
func (m *Manager) finish(sess *Session) {
	m.mu.Lock()
	if m.active[sess.ConversationID] == sess.ID {
		delete(m.active, sess.ConversationID)
	}
	m.mu.Unlock()

	if sess.events != nil {
		close(sess.events)
	}

	sess.mu.Lock()
	payload := FinishedEventPayload{
		SessionID:        sess.ID,
		ConversationID:   sess.ConversationID,
		ModelID:          sess.ModelID,
		State:            sess.state,
		CompletionTokens: sess.tokenCount,
		Duration:         sess.finishedAt.Sub(sess.startedAt),
	}
	sess.mu.Unlock()
	m.bus.Publish(TopicSessionFinished, payload)
}

// RunReaper drops terminal sessions older than the retention window until
// ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context) {
	interval := m.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.reap(time.Now()); n > 0 {
				m.log.Debug("reaped finished sessions", "count", n)
			}
		}
	}
}

// reap removes terminal sessions whose retention has elapsed as of now.
func (m *Manager) reap(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped int
	for id, sess := range m.sessions {
		sess.mu.Lock()
		expired := sess.state.Terminal() && now.Sub(sess.finishedAt) >= m.retention
		sess.mu.Unlock()
		if expired {
			delete(m.sessions, id)
			reaped++
		}
	}
	return reaped
}

// ActiveCount reports how many sessions are currently non-terminal.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, sess := range m.sessions {
		if !sess.State().Terminal() {
			n++
		}
	}
	return n
}
