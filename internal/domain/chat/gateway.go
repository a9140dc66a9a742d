package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/llmgate/llmgate/internal/domain/retrieval"
	"github.com/llmgate/llmgate/internal/infra/llm"
)

var (
	// ErrEmptyPrompt rejects generation requests with no user message.
	ErrEmptyPrompt = errors.New("chat: empty prompt")
	// ErrModelRequired rejects a first message that names no model: the
	// conversation does not exist yet, so there is nothing to inherit from.
	ErrModelRequired = errors.New("chat: new conversation requires a model id")
)

// Registry is the slice of the provider registry the gateway needs.
type Registry interface {
	Select(modelID string) (llm.Provider, llm.Model, error)
	RecordUsage(modelID string)
}

// Retriever is the slice of the retrieval pipeline the gateway needs.
type Retriever interface {
	Retrieve(ctx context.Context, ownerID, query string, topK int, threshold float32) ([]retrieval.Chunk, error)
}

// GatewayOptions tune prompt assembly and history loading.
type GatewayOptions struct {
	HistoryWindow      int // most recent turns fed to the assembler
	ReserveTokens      int // output budget kept free in the context window
	TopK               int
	RelevanceThreshold float32
}

// Gateway is the single entry point for generation: it loads history, runs
// retrieval, assembles the prompt, picks the adapter, and hands the request
// to the session manager.
type Gateway struct {
	registry  Registry
	retriever Retriever
	store     *Store
	manager   *Manager
	log       *slog.Logger
	opts      GatewayOptions
}

// NewGateway wires the façade. retriever may be nil when retrieval is not
// configured; requests asking for it then run without context.
func NewGateway(registry Registry, retriever Retriever, store *Store, manager *Manager, log *slog.Logger, opts GatewayOptions) *Gateway {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	return &Gateway{
		registry:  registry,
		retriever: retriever,
		store:     store,
		manager:   manager,
		log:       log,
		opts:      opts,
	}
}

// GenerateInput is one generation request from the transport layer.
type GenerateInput struct {
	ConversationID string
	Prompt         string
	ModelID        string // overrides the conversation's model when set
	Params         map[string]any
	Retrieval      bool   // augment the prompt with retrieved context
	OwnerID        string // retrieval scope; defaults to the conversation id
	Stream         bool   // return a live session instead of waiting
}

// Generate runs one generation. For streaming requests it returns the live
// session and a nil result; otherwise it waits for the terminal state and
// returns the tagged result.
//
// The user turn is persisted once the session is accepted; the assistant
// turn only when the session completes. Retrieval faults degrade to
// generation without context rather than failing the request.
func (g *Gateway) Generate(ctx context.Context, in GenerateInput) (*Result, *Session, error) {
	if in.Prompt == "" {
		return nil, nil, ErrEmptyPrompt
	}

	conv, err := g.loadOrCreateConversation(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	modelID := in.ModelID
	if modelID == "" {
		modelID = conv.ModelID
	}

	provider, model, err := g.registry.Select(modelID)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: %w", err)
	}

	history, err := g.store.LoadHistory(ctx, conv.ID, g.opts.HistoryWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: %w", err)
	}

	chunks := g.retrieveContext(ctx, in)

	messages := Assemble(AssembleInput{
		SystemPrompt:  conv.SystemPrompt,
		History:       history,
		Chunks:        chunks,
		UserMessage:   in.Prompt,
		ContextLength: model.ContextLength,
		ReserveTokens: g.opts.ReserveTokens,
	})

	sess, err := g.manager.Start(ctx, StartInput{
		ConversationID: conv.ID,
		ModelID:        model.ID,
		Provider:       provider,
		Request: llm.ChatRequest{
			Model:    model.ID,
			Messages: messages,
			Params:   in.Params,
		},
		Relay: in.Stream,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: %w", err)
	}

	// The user turn is persisted only once the session is accepted, so a
	// rejected request never leaves an orphaned message in the history.
	if _, err := g.store.AppendMessage(ctx, StoredMessage{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        in.Prompt,
	}); err != nil {
		if cancelErr := g.manager.Cancel(sess.ID); cancelErr != nil {
			g.log.Error("cancel after failed persist",
				"session_id", sess.ID, "error", cancelErr)
		}
		return nil, nil, fmt.Errorf("gateway: persist user turn: %w", err)
	}

	go g.persistOnCompletion(sess)

	if in.Stream {
		return nil, sess, nil
	}

	result, err := sess.Wait(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: %w", err)
	}
	return result, nil, nil
}

// CancelSession cancels a live session; see Manager.Cancel for semantics.
func (g *Gateway) CancelSession(sessionID string) error {
	return g.manager.Cancel(sessionID)
}

// Session looks up a session by id.
func (g *Gateway) Session(sessionID string) (*Session, error) {
	return g.manager.Get(sessionID)
}

// loadOrCreateConversation fetches the conversation, creating it on first
// use so a chat can start without a separate setup call.
func (g *Gateway) loadOrCreateConversation(ctx context.Context, in GenerateInput) (*Conversation, error) {
	conv, err := g.store.GetConversation(ctx, in.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	if in.ModelID == "" {
		return nil, fmt.Errorf("%w (conversation %s)", ErrModelRequired, in.ConversationID)
	}

	created, err := g.store.CreateConversation(ctx, Conversation{
		ID:      in.ConversationID,
		Title:   titleFromPrompt(in.Prompt),
		ModelID: in.ModelID,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	return created, nil
}

// retrieveContext runs retrieval when asked for, degrading to no context on
// any fault or timeout.
func (g *Gateway) retrieveContext(ctx context.Context, in GenerateInput) []retrieval.Chunk {
	if !in.Retrieval || g.retriever == nil {
		return nil
	}
	ownerID := in.OwnerID
	if ownerID == "" {
		ownerID = in.ConversationID
	}
	chunks, err := g.retriever.Retrieve(ctx, ownerID, in.Prompt, g.opts.TopK, g.opts.RelevanceThreshold)
	if err != nil {
		g.log.Warn("retrieval degraded, generating without context",
			"conversation_id", in.ConversationID, "error", err)
		return nil
	}
	return chunks
}

// persistOnCompletion waits for the terminal state and stores the assistant
// turn for completed sessions. Cancelled partials are surfaced to the caller
// but never persisted; failed partials stay on the session record only.
func (g *Gateway) persistOnCompletion(sess *Session) {
	<-sess.Done()
	if sess.State() != StateCompleted {
		return
	}
	g.registry.RecordUsage(sess.ModelID)

	res := sess.Result()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := g.store.AppendMessage(ctx, StoredMessage{
		ConversationID: sess.ConversationID,
		Role:           "assistant",
		Content:        res.Output,
		TokenCount:     res.Usage.CompletionTokens,
	}); err != nil {
		g.log.Error("persist assistant turn failed",
			"session_id", sess.ID, "conversation_id", sess.ConversationID, "error", err)
	}
}

const persistTimeout = 10 * time.Second

// titleFromPrompt derives a short conversation title from the first prompt.
func titleFromPrompt(prompt string) string {
	const maxTitle = 60
	runes := []rune(prompt)
	if len(runes) <= maxTitle {
		return prompt
	}
	return string(runes[:maxTitle-3]) + "..."
}
