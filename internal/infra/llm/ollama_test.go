package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func ollamaTagsHandler(names ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type tag struct {
			Name string `json:"name"`
		}
		tags := make([]tag, len(names))
		for i, n := range names {
			tags[i] = tag{Name: n}
		}
		json.NewEncoder(w).Encode(map[string]any{"models": tags}) //nolint:errcheck
	}
}

func ollamaChatHandler(t *testing.T, tokens []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		if !req.Stream {
			t.Error("chat request did not ask for streaming")
		}
		enc := json.NewEncoder(w)
		for _, tok := range tokens {
			enc.Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": tok}, "done": false}) //nolint:errcheck
		}
		enc.Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": ""}, "done": true, "prompt_eval_count": 12, "eval_count": len(tokens)}) //nolint:errcheck
	}
}

func drainStream(t *testing.T, stream TokenStream) (string, int) {
	t.Helper()
	var out string
	var count int
	for {
		tok, err := stream.Recv()
		if err == io.EOF {
			return out, count
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out += tok
		count++
	}
}

func TestOllamaProvider_Models_MapsCatalog(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		ollamaTagsHandler("llama3.2:3b", "nomic-embed-text")(w, r)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, time.Second)
	models, err := p.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}

	m := models[0]
	if m.ID != "ollama/llama3.2:3b" {
		t.Errorf("expected id ollama/llama3.2:3b, got %s", m.ID)
	}
	if m.Provider != "ollama" || m.Name != "llama3.2:3b" {
		t.Errorf("unexpected provider/name: %s/%s", m.Provider, m.Name)
	}
	if m.DisplayName != "Llama3.2:3b" {
		t.Errorf("unexpected display name %s", m.DisplayName)
	}
	if m.ContextLength != defaultContextLength {
		t.Errorf("expected default context length, got %d", m.ContextLength)
	}
	if !m.Capabilities.Chat || !m.Available {
		t.Error("expected chat-capable available model")
	}
	if _, ok := m.Parameters["temperature"]; !ok {
		t.Error("expected temperature in parameter schema")
	}
}

func TestOllamaProvider_Generate_DeliversTokensInOrder(t *testing.T) {
	t.Parallel()

	tokens := []string{"The", " sky", " is", " blue"}
	srv := httptest.NewServer(ollamaChatHandler(t, tokens))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, time.Second)
	stream, err := p.Generate(context.Background(), ChatRequest{
		Model:    "ollama/llama3.2:3b",
		Messages: []Message{{Role: "user", Content: "what color is the sky"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer stream.Close() //nolint:errcheck

	got, count := drainStream(t, stream)
	if got != "The sky is blue" {
		t.Errorf("expected %q, got %q", "The sky is blue", got)
	}
	if count != len(tokens) {
		t.Errorf("expected %d tokens, got %d", len(tokens), count)
	}
	if u := stream.Usage(); u.CompletionTokens != len(tokens) || u.PromptTokens != 12 {
		t.Errorf("unexpected usage %+v", u)
	}
}

func TestOllamaProvider_Generate_RecvAfterEOFStaysEOF(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(ollamaChatHandler(t, []string{"hi"}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, time.Second)
	stream, err := p.Generate(context.Background(), ChatRequest{Model: "ollama/m"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer stream.Close() //nolint:errcheck

	drainStream(t, stream)
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("expected io.EOF after stream end, got %v", err)
	}
}

func TestOllamaProvider_Generate_TruncatedStreamReportsOffset(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"message": map[string]string{"content": "partial"}, "done": false}) //nolint:errcheck
		enc.Encode(map[string]any{"message": map[string]string{"content": " answer"}, "done": false}) //nolint:errcheck
		// connection ends without a done chunk
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, time.Second)
	stream, err := p.Generate(context.Background(), ChatRequest{Model: "ollama/m"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer stream.Close() //nolint:errcheck

	var delivered int
	for {
		_, recvErr := stream.Recv()
		if recvErr == nil {
			delivered++
			continue
		}
		var streamErr *StreamError
		if !errors.As(recvErr, &streamErr) {
			t.Fatalf("expected StreamError, got %v", recvErr)
		}
		if streamErr.Offset != delivered {
			t.Errorf("expected offset %d, got %d", delivered, streamErr.Offset)
		}
		if !errors.Is(recvErr, ErrProviderUnreachable) {
			t.Errorf("expected ErrProviderUnreachable cause, got %v", recvErr)
		}
		break
	}
	if delivered != 2 {
		t.Errorf("expected 2 delivered tokens before the fault, got %d", delivered)
	}
}

func TestOllamaProvider_Generate_RetriesInitialPostOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		ollamaChatHandler(t, []string{"ok"})(w, r)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, time.Second)
	stream, err := p.Generate(context.Background(), ChatRequest{Model: "ollama/m"})
	if err != nil {
		t.Fatalf("Generate after retry: %v", err)
	}
	defer stream.Close() //nolint:errcheck

	if got, _ := drainStream(t, stream); got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected 2 POST attempts, got %d", n)
	}
}

func TestOllamaProvider_Generate_UnreachableBackend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening anymore

	p := NewOllamaProvider(srv.URL, time.Second, time.Second)
	_, err := p.Generate(context.Background(), ChatRequest{Model: "ollama/m"})
	if !errors.Is(err, ErrProviderUnreachable) {
		t.Fatalf("expected ErrProviderUnreachable, got %v", err)
	}
}

func TestOllamaProvider_Embed_PreservesInputOrder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode embed request: %v", err)
		}
		// vector encodes the prompt length so the test can check ordering
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{float32(len(req.Prompt))}}) //nolint:errcheck
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, time.Second)
	resp, err := p.Embed(context.Background(), EmbedRequest{
		Model: "ollama/nomic-embed-text",
		Texts: []string{"a", "bb", "ccc"},
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(resp.Embeddings) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(resp.Embeddings))
	}
	for i, want := range []float32{1, 2, 3} {
		if resp.Embeddings[i][0] != want {
			t.Errorf("vector %d: expected %v, got %v", i, want, resp.Embeddings[i][0])
		}
	}
}

func TestOllamaProvider_Embed_EmptyBatch(t *testing.T) {
	t.Parallel()

	p := NewOllamaProvider("http://127.0.0.1:1", time.Second, time.Second)
	resp, err := p.Embed(context.Background(), EmbedRequest{Model: "ollama/m"})
	if err != nil {
		t.Fatalf("Embed on empty batch: %v", err)
	}
	if len(resp.Embeddings) != 0 {
		t.Errorf("expected no vectors, got %d", len(resp.Embeddings))
	}
}

func TestOllamaProvider_HealthCheck_RecordsLatency(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(ollamaTagsHandler("m"))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, time.Second)
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if snap := p.Health().Snapshot(); snap.SampleCount == 0 {
		t.Error("expected a latency sample after health check")
	}
}

func TestOllamaProvider_HealthCheck_DeadlineMapsToTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	p := NewOllamaProvider(srv.URL, time.Second, 20*time.Millisecond)
	err := p.HealthCheck(context.Background())
	if !errors.Is(err, ErrAdapterTimeout) {
		t.Fatalf("expected ErrAdapterTimeout, got %v", err)
	}
}

func TestOllamaOptions_MapsKnownParameters(t *testing.T) {
	t.Parallel()

	opts := ollamaOptions(map[string]any{
		"temperature": 0.2,
		"max_tokens":  128,
		"unknown":     "dropped",
	})
	if opts["temperature"] != 0.2 {
		t.Errorf("expected temperature 0.2, got %v", opts["temperature"])
	}
	if opts["num_predict"] != 128 {
		t.Errorf("expected num_predict 128, got %v", opts["num_predict"])
	}
	if _, ok := opts["unknown"]; ok {
		t.Error("unknown parameter should be dropped")
	}
	if ollamaOptions(nil) != nil {
		t.Error("nil params should yield nil options")
	}
}
