// Chat endpoints: synchronous generation, SSE and websocket token relay,
// session cancellation, and conversation listing.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/llmgate/llmgate/internal/domain/chat"
)

// headerSessionID carries the session id of a streaming response so the
// client can cancel it mid-flight.
const headerSessionID = "X-Session-Id"

// Generator is the slice of the gateway the chat endpoints need.
type Generator interface {
	Generate(ctx context.Context, in chat.GenerateInput) (*chat.Result, *chat.Session, error)
	CancelSession(sessionID string) error
}

// Conversations is the slice of the conversation store the chat endpoints
// need.
type Conversations interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)
}

// ChatHandler handles generation HTTP requests.
type ChatHandler struct {
	gateway       Generator
	conversations Conversations
	log           *slog.Logger
	upgrader      websocket.Upgrader
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(gateway Generator, conversations Conversations, log *slog.Logger) *ChatHandler {
	return &ChatHandler{
		gateway:       gateway,
		conversations: conversations,
		log:           log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// chatRequest is the JSON request body for the generation endpoints.
type chatRequest struct {
	Prompt    string         `json:"prompt"`
	ModelID   string         `json:"model_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Retrieval bool           `json:"retrieval,omitempty"`
	OwnerID   string         `json:"owner_id,omitempty"`
}

// Generate handles POST /api/v1/chat/{conversation_id}: runs one generation
// to its terminal state and returns the tagged result.
func (h *ChatHandler) Generate(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeInput(w, r)
	if !ok {
		return
	}

	result, _, err := h.gateway.Generate(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if result.Kind == chat.ResultFailure {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

// Stream handles POST /api/v1/chat/{conversation_id}/stream: relays session
// events as server-sent events, one JSON frame per event. The session id is
// exposed in the X-Session-Id response header.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	in, ok := h.decodeInput(w, r)
	if !ok {
		return
	}
	in.Stream = true

	_, sess, err := h.gateway.Generate(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set(headerContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(headerSessionID, sess.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for evt := range sess.Events() {
		data, marshalErr := json.Marshal(evt)
		if marshalErr != nil {
			h.log.Error("marshal session event", "session_id", sess.ID, "error", marshalErr)
			return
		}
		if _, writeErr := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); writeErr != nil {
			// Client went away; the request context is cancelled with it and
			// the session manager winds the generation down.
			return
		}
		flusher.Flush()
	}
}

// Websocket handles GET /api/v1/chat/{conversation_id}/ws: upgrades the
// connection and relays session events as JSON messages. The first message
// carries the session id; closing the connection cancels the generation.
func (h *ChatHandler) Websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close() //nolint:errcheck

	var req chatRequest
	if readErr := conn.ReadJSON(&req); readErr != nil {
		h.writeWSError(conn, "invalid request message")
		return
	}
	in := chat.GenerateInput{
		ConversationID: chi.URLParam(r, "conversation_id"),
		Prompt:         req.Prompt,
		ModelID:        req.ModelID,
		Params:         req.Params,
		Retrieval:      req.Retrieval,
		OwnerID:        req.OwnerID,
		Stream:         true,
	}

	// The relay context ends when the peer disconnects, which cancels the
	// in-flight generation.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_, sess, err := h.gateway.Generate(ctx, in)
	if err != nil {
		h.writeWSError(conn, err.Error())
		return
	}

	go func() {
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				cancel()
				return
			}
		}
	}()

	if writeErr := conn.WriteJSON(map[string]string{"session_id": sess.ID}); writeErr != nil {
		return
	}
	for evt := range sess.Events() {
		if writeErr := conn.WriteJSON(evt); writeErr != nil {
			return
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteMessage(websocket.CloseMessage, msg) //nolint:errcheck
}

// CancelSession handles DELETE /api/v1/sessions/{session_id}. Cancelling an
// already-terminal session is a no-op success.
func (h *ChatHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := h.gateway.CancelSession(id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConversations handles GET /api/v1/conversations.
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.conversations.ListConversations(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string][]chat.Conversation{"conversations": convs})
}

// DeleteConversation handles DELETE /api/v1/conversations/{conversation_id}.
func (h *ChatHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversation_id")
	deleted, err := h.conversations.DeleteConversation(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeInput parses the request body and path parameter into a
// GenerateInput, writing the error response itself on failure.
func (h *ChatHandler) decodeInput(w http.ResponseWriter, r *http.Request) (chat.GenerateInput, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return chat.GenerateInput{}, false
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, chat.ErrEmptyPrompt.Error())
		return chat.GenerateInput{}, false
	}
	return chat.GenerateInput{
		ConversationID: chi.URLParam(r, "conversation_id"),
		Prompt:         req.Prompt,
		ModelID:        req.ModelID,
		Params:         req.Params,
		Retrieval:      req.Retrieval,
		OwnerID:        req.OwnerID,
	}, true
}

// writeWSError sends a terminal error event over an established websocket.
func (h *ChatHandler) writeWSError(conn *websocket.Conn, msg string) {
	evt := chat.Event{Type: chat.EventError, Error: msg}
	if err := conn.WriteJSON(evt); err != nil {
		h.log.Debug("websocket error write failed", "error", err)
	}
}
