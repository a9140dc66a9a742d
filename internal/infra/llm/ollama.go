// Ollama HTTP adapter.
// OllamaProvider calls the local Ollama REST API using stdlib net/http.
// Endpoints used:
//   - GET  /api/tags        — model catalog + health check
//   - POST /api/chat        — streaming chat completion (newline-delimited JSON)
//   - POST /api/embeddings  — single text embedding (no batch endpoint)
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
)

const (
	mimeJSON          = "application/json"
	headerContentType = "Content-Type"

	defaultContextLength = 4096
)

// OllamaProvider implements Provider against a running Ollama instance.
type OllamaProvider struct {
	baseURL      string
	chatTimeout  time.Duration
	embedTimeout time.Duration
	httpClient   *http.Client
	health       *Health
}

// NewOllamaProvider creates an OllamaProvider. The client carries no global
// timeout — streaming responses outlive any fixed bound — so non-streaming
// calls apply their deadline per call.
func NewOllamaProvider(baseURL string, chatTimeout, embedTimeout time.Duration) *OllamaProvider {
	if chatTimeout <= 0 {
		chatTimeout = 60 * time.Second
	}
	if embedTimeout <= 0 {
		embedTimeout = 15 * time.Second
	}
	return &OllamaProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		chatTimeout:  chatTimeout,
		embedTimeout: embedTimeout,
		httpClient:   &http.Client{},
		health:       NewHealth(),
	}
}

// Name returns the provider key.
func (p *OllamaProvider) Name() string { return "ollama" }

// Health exposes the adapter's latency and reachability tracker.
func (p *OllamaProvider) Health() *Health { return p.health }

// ─── internal Ollama JSON types ──────────────────────────────────────────────

type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Details struct {
			ContextLength int    `json:"context_length"`
			Description   string `json:"description"`
		} `json:"details"`
	} `json:"models"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

// ─── Provider implementation ─────────────────────────────────────────────────

// Models lists the local catalog via GET /api/tags.
// An empty catalog returns an empty slice, never an error.
func (p *OllamaProvider) Models(ctx context.Context) ([]Model, error) {
	var tags ollamaTagsResponse
	err := withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.embedTimeout)
		defer cancel()
		return p.getJSON(callCtx, "/api/tags", &tags)
	})
	if err != nil {
		return nil, fmt.Errorf("ollama models: %w", err)
	}

	models := make([]Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		ctxLen := m.Details.ContextLength
		if ctxLen == 0 {
			ctxLen = defaultContextLength
		}
		models = append(models, Model{
			ID:            "ollama/" + m.Name,
			Provider:      "ollama",
			Name:          m.Name,
			DisplayName:   displayName(m.Name),
			ContextLength: ctxLen,
			Description:   m.Details.Description,
			Capabilities:  Capabilities{Chat: true, Embedding: true},
			Parameters:    commonParameters(),
			Available:     true,
		})
	}
	return models, nil
}

// Generate starts a streaming chat via POST /api/chat.
// The initial POST is retried once on a transient fault; once the stream is
// open there is no retry (it would duplicate delivered tokens).
func (p *OllamaProvider) Generate(ctx context.Context, req ChatRequest) (TokenStream, error) {
	msgs := make([]ollamaChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollamaChatMessage(m)
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    strings.TrimPrefix(req.Model, "ollama/"),
		Messages: msgs,
		Stream:   true,
		Options:  ollamaOptions(req.Params),
	})
	if err != nil {
		return nil, fmt.Errorf("ollama generate: marshal: %w", err)
	}

	var respBody io.ReadCloser
	err = withRetry(ctx, func() error {
		var postErr error
		respBody, postErr = p.doPost(ctx, "/api/chat", body)
		return postErr
	})
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}

	return &ollamaStream{body: respBody, dec: json.NewDecoder(respBody)}, nil
}

// Embed computes embeddings via POST /api/embeddings, one call per text —
// Ollama has no batch embedding endpoint. Output order matches input order.
func (p *OllamaProvider) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	if len(req.Texts) == 0 {
		return &EmbedResponse{Embeddings: [][]float32{}}, nil
	}

	embeddings := make([][]float32, 0, len(req.Texts))
	for _, text := range req.Texts {
		vec, err := p.embedOne(ctx, req.Model, text)
		if err != nil {
			return nil, fmt.Errorf("ollama embed: %w", err)
		}
		embeddings = append(embeddings, vec)
	}
	return &EmbedResponse{Embeddings: embeddings}, nil
}

// embedOne sends a single /api/embeddings call with the embed deadline.
func (p *OllamaProvider) embedOne(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{
		Model:  strings.TrimPrefix(model, "ollama/"),
		Prompt: text,
	})
	if err != nil {
		return nil, err
	}

	var resp ollamaEmbedResponse
	err = withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.embedTimeout)
		defer cancel()

		respBody, postErr := p.doPost(callCtx, "/api/embeddings", body)
		if postErr != nil {
			return postErr
		}
		defer respBody.Close() //nolint:errcheck

		if decodeErr := json.NewDecoder(respBody).Decode(&resp); decodeErr != nil {
			return fmt.Errorf("decode embed response: %w", decodeErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// HealthCheck calls GET /api/tags — returns nil if Ollama is reachable.
func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, p.embedTimeout)
	defer cancel()

	var tags ollamaTagsResponse
	if err := p.getJSON(callCtx, "/api/tags", &tags); err != nil {
		return fmt.Errorf("ollama healthcheck: %w", err)
	}
	return nil
}

// ─── token stream ────────────────────────────────────────────────────────────

// ollamaStream decodes newline-delimited JSON chunks from /api/chat.
// Not safe for concurrent use; the session manager is the single reader.
type ollamaStream struct {
	body   io.ReadCloser
	dec    *json.Decoder
	tokens int
	usage  Usage
	done   bool
	closed bool
}

func (s *ollamaStream) Recv() (string, error) {
	if s.done || s.closed {
		return "", io.EOF
	}
	for {
		var chunk ollamaChatChunk
		if err := s.dec.Decode(&chunk); err != nil {
			s.done = true
			if err == io.EOF {
				// Stream ended without a done chunk — the provider died
				// mid-generation.
				return "", &StreamError{Offset: s.tokens, Err: fmt.Errorf("stream truncated: %w", ErrProviderUnreachable)}
			}
			return "", &StreamError{Offset: s.tokens, Err: classifyErr(err)}
		}

		if chunk.Done {
			s.done = true
			s.usage = Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			// The done chunk occasionally carries trailing content.
			if chunk.Message.Content != "" {
				s.tokens++
				return chunk.Message.Content, nil
			}
			return "", io.EOF
		}

		if chunk.Message.Content == "" {
			continue // keepalive or role-only chunk
		}
		s.tokens++
		return chunk.Message.Content, nil
	}
}

func (s *ollamaStream) Usage() Usage { return s.usage }

func (s *ollamaStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// ollamaOptions converts the request's sampling parameters into the Ollama
// options map. Unknown keys are dropped.
func ollamaOptions(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	opts := map[string]any{}
	for key, value := range params {
		switch key {
		case "temperature", "top_p", "top_k":
			opts[key] = value
		case "max_tokens":
			opts["num_predict"] = value
		}
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// displayName upper-cases the first rune of a model name for presentation.
func displayName(name string) string {
	if name == "" {
		return name
	}
	runes := []rune(name)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// doPost sends a POST to baseURL+path, records a latency sample, and returns
// the response body. Caller closes the returned ReadCloser.
func (p *OllamaProvider) doPost(ctx context.Context, path string, body []byte) (io.ReadCloser, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("post %s: build request: %w", path, err)
	}
	req.Header.Set(headerContentType, mimeJSON)

	resp, err := p.httpClient.Do(req)
	p.health.Record(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, classifyErr(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("post %s: %w: status %d", path, ErrProviderUnreachable, resp.StatusCode)
	}
	return resp.Body, nil
}

// getJSON sends a GET to baseURL+path, records a latency sample, and decodes
// the JSON response into out.
func (p *OllamaProvider) getJSON(ctx context.Context, path string, out any) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("get %s: build request: %w", path, err)
	}

	resp, err := p.httpClient.Do(req)
	p.health.Record(time.Since(start))
	if err != nil {
		return fmt.Errorf("get %s: %w", path, classifyErr(err))
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: %w: status %d", path, ErrProviderUnreachable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("get %s: decode: %w", path, err)
	}
	return nil
}
