package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/llmgate/llmgate/internal/domain/chat"
	"github.com/llmgate/llmgate/internal/domain/retrieval"
	"github.com/llmgate/llmgate/internal/infra/eventbus"
	"github.com/llmgate/llmgate/internal/infra/llm"
	"github.com/llmgate/llmgate/internal/infra/sqlite"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeStream struct {
	tokens []string
	idx    int
	usage  llm.Usage
}

func (s *fakeStream) Recv() (string, error) {
	if s.idx >= len(s.tokens) {
		return "", io.EOF
	}
	tok := s.tokens[s.idx]
	s.idx++
	return tok, nil
}

func (s *fakeStream) Usage() llm.Usage { return s.usage }
func (s *fakeStream) Close() error     { return nil }

type fakeProvider struct {
	name   string
	tokens []string
	health *llm.Health
}

func newFakeProvider(tokens ...string) *fakeProvider {
	return &fakeProvider{name: "stub", tokens: tokens, health: llm.NewHealth()}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Models(ctx context.Context) ([]llm.Model, error) {
	return nil, nil
}

func (p *fakeProvider) Generate(ctx context.Context, req llm.ChatRequest) (llm.TokenStream, error) {
	return &fakeStream{
		tokens: p.tokens,
		usage:  llm.Usage{CompletionTokens: len(p.tokens), TotalTokens: len(p.tokens)},
	}, nil
}

func (p *fakeProvider) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	return nil, llm.ErrEmbeddingUnavailable
}

func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }
func (p *fakeProvider) Health() *llm.Health                   { return p.health }

// fakeCatalog serves one model and resolves it to one provider.
type fakeCatalog struct {
	model     llm.Model
	provider  llm.Provider
	refreshed int
	usage     atomic.Int64
}

func newFakeCatalog(provider llm.Provider) *fakeCatalog {
	return &fakeCatalog{
		model: llm.Model{
			ID:            "stub/model",
			Provider:      "stub",
			Name:          "model",
			ContextLength: 8192,
			Available:     true,
		},
		provider: provider,
	}
}

func (c *fakeCatalog) List() []llm.Model { return []llm.Model{c.model} }

func (c *fakeCatalog) Refresh(ctx context.Context) error {
	c.refreshed++
	return nil
}

func (c *fakeCatalog) Select(modelID string) (llm.Provider, llm.Model, error) {
	if modelID != c.model.ID {
		return nil, llm.Model{}, fmt.Errorf("%w: %s", llm.ErrModelNotFound, modelID)
	}
	return c.provider, c.model, nil
}

func (c *fakeCatalog) RecordUsage(modelID string) {
	c.usage.Add(1)
}

type fakePipeline struct {
	err  error
	docs []retrieval.Document
}

func (p *fakePipeline) Ingest(ctx context.Context, input retrieval.IngestInput) (*retrieval.Document, []retrieval.Chunk, error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	doc := retrieval.Document{ID: "doc-1", OwnerID: input.OwnerID, Filename: input.Filename}
	return &doc, []retrieval.Chunk{{ID: "ch-1"}, {ID: "ch-2"}}, nil
}

func (p *fakePipeline) Documents(ctx context.Context, ownerID string) ([]retrieval.Document, error) {
	return p.docs, nil
}

func (p *fakePipeline) Delete(ctx context.Context, id string) (bool, error) {
	return id == "doc-1", nil
}

// ─── harness ─────────────────────────────────────────────────────────────────

type testEnv struct {
	router  *chi.Mux
	store   *chat.Store
	catalog *fakeCatalog
	db      *sql.DB
}

func newTestEnv(t *testing.T, tokens ...string) *testEnv {
	t.Helper()

	db, err := sqlite.NewDB(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := chat.NewStore(db)
	manager := chat.NewManager(log, eventbus.New(), 5*time.Second, time.Minute)
	catalog := newFakeCatalog(newFakeProvider(tokens...))
	gateway := chat.NewGateway(catalog, nil, store, manager, log, chat.GatewayOptions{})

	router := NewRouter(Deps{
		Gateway:       gateway,
		Conversations: store,
		Catalog:       catalog,
		Pipeline:      &fakePipeline{},
		Log:           log,
	})
	return &testEnv{router: router, store: store, catalog: catalog, db: db}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(headerContentType, mimeJSON)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestRouter_Health_ReturnsOK(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := doJSON(t, env.router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestModels_List_ReturnsCatalog(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Models []llm.Model `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].ID != "stub/model" {
		t.Errorf("unexpected models %+v", resp.Models)
	}
}

func TestModels_Refresh_TriggersRegistryRefresh(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/models/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.catalog.refreshed != 1 {
		t.Errorf("expected 1 refresh, got %d", env.catalog.refreshed)
	}
}

func TestChat_Generate_SyncReturnsFullOutput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "The ", "sky ", "is ", "blue")
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/chat/conv-sync", chatRequest{
		Prompt:  "why is the sky blue?",
		ModelID: "stub/model",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result chat.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Kind != chat.ResultSuccess || result.Output != "The sky is blue" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Usage.CompletionTokens != 4 {
		t.Errorf("expected 4 completion tokens, got %d", result.Usage.CompletionTokens)
	}
}

func TestChat_Generate_UnknownModelReturns404(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "hi")
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/chat/conv-404", chatRequest{
		Prompt:  "hello",
		ModelID: "stub/ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChat_Generate_MissingModelForNewConversationReturns400(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "hi")
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/chat/conv-nomodel", chatRequest{
		Prompt: "hello",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChat_Generate_EmptyPromptReturns400(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "hi")
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/chat/conv-empty", chatRequest{
		ModelID: "stub/model",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChat_Generate_MalformedBodyReturns400(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conv-bad", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChat_Stream_RelaysTokensAsSSE(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "a", "b", "c")
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/chat/conv-sse/stream", chatRequest{
		Prompt:  "stream it",
		ModelID: "stub/model",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(headerContentType); ct != "text/event-stream" {
		t.Errorf("expected event-stream content type, got %q", ct)
	}
	if rec.Header().Get(headerSessionID) == "" {
		t.Error("expected a session id header")
	}

	var tokens []string
	var last chat.Event
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt chat.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		if evt.Type == chat.EventToken {
			tokens = append(tokens, evt.Token)
		}
		last = evt
	}
	if got := strings.Join(tokens, ""); got != "abc" {
		t.Errorf("expected tokens in order, got %q", got)
	}
	if last.Type != chat.EventDone || last.Output != "abc" || last.State != chat.StateCompleted {
		t.Errorf("unexpected final event %+v", last)
	}
}

func TestSessions_Cancel_UnknownReturns404(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := doJSON(t, env.router, http.MethodDelete, "/api/v1/sessions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSessions_Cancel_FinishedSessionIsNoOp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "x")
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/chat/conv-cancel/stream", chatRequest{
		Prompt:  "go",
		ModelID: "stub/model",
	})
	sid := rec.Header().Get(headerSessionID)
	if sid == "" {
		t.Fatal("expected a session id header")
	}

	rec = doJSON(t, env.router, http.MethodDelete, "/api/v1/sessions/"+sid, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestConversations_ListAndDelete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "hello")
	doJSON(t, env.router, http.MethodPost, "/api/v1/chat/conv-list", chatRequest{
		Prompt:  "first message",
		ModelID: "stub/model",
	})

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/conversations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].ID != "conv-list" {
		t.Fatalf("unexpected conversations %+v", resp.Conversations)
	}

	rec = doJSON(t, env.router, http.MethodDelete, "/api/v1/conversations/conv-list", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, env.router, http.MethodDelete, "/api/v1/conversations/conv-list", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestDocuments_Ingest_ReturnsDocumentAndChunkCount(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/documents", ingestRequest{
		OwnerID:  "owner-1",
		Filename: "notes.txt",
		Content:  "some text",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Document.ID != "doc-1" || resp.ChunkCount != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestDocuments_Ingest_MissingOwnerReturns400(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/documents", ingestRequest{
		Filename: "notes.txt",
		Content:  "some text",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDocuments_Ingest_RejectedDocumentReturns400(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	router := NewRouter(Deps{
		Gateway:       nil,
		Conversations: env.store,
		Catalog:       env.catalog,
		Pipeline:      &fakePipeline{err: fmt.Errorf("%w: empty document", retrieval.ErrIngestion)},
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	rec := doJSON(t, router, http.MethodPost, "/api/v1/documents", ingestRequest{
		OwnerID: "owner-1",
		Content: "",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDocuments_Delete_UnknownReturns404(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := doJSON(t, env.router, http.MethodDelete, "/api/v1/documents/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = doJSON(t, env.router, http.MethodDelete, "/api/v1/documents/doc-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
