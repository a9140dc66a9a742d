// Hosted-API adapter for OpenAI-compatible backends.
// Endpoints used:
//   - GET  /models           — catalog + health check
//   - POST /chat/completions — streaming chat (Server-Sent Events)
//   - POST /embeddings       — batch embeddings
//
// Works against api.openai.com and any service speaking the same dialect
// (vLLM, LiteLLM, OpenRouter, ...).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	headerAuthorization = "Authorization"

	hostedContextLength = 8192
	sseDoneSentinel     = "[DONE]"
)

// OpenAIProvider implements Provider against a hosted OpenAI-compatible API.
type OpenAIProvider struct {
	name         string
	baseURL      string
	apiKey       string
	chatTimeout  time.Duration
	embedTimeout time.Duration
	httpClient   *http.Client
	health       *Health
}

// NewOpenAIProvider creates an adapter for one hosted backend. name is the
// provider key used in model ids ("openai/gpt-4o"); baseURL should include
// the API version segment (e.g. "https://api.openai.com/v1").
func NewOpenAIProvider(name, baseURL, apiKey string, chatTimeout, embedTimeout time.Duration) *OpenAIProvider {
	if chatTimeout <= 0 {
		chatTimeout = 60 * time.Second
	}
	if embedTimeout <= 0 {
		embedTimeout = 15 * time.Second
	}
	return &OpenAIProvider{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		chatTimeout:  chatTimeout,
		embedTimeout: embedTimeout,
		httpClient:   &http.Client{},
		health:       NewHealth(),
	}
}

// Name returns the provider key.
func (p *OpenAIProvider) Name() string { return p.name }

// Health exposes the adapter's latency and reachability tracker.
func (p *OpenAIProvider) Health() *Health { return p.health }

// ─── internal wire types ─────────────────────────────────────────────────────

type openaiModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type openaiChatRequest struct {
	Model         string          `json:"model"`
	Messages      []openaiMessage `json:"messages"`
	Stream        bool            `json:"stream"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// ─── Provider implementation ─────────────────────────────────────────────────

// Models lists the hosted catalog via GET /models. The endpoint reports only
// ids, so context length and capabilities use conservative defaults;
// embedding capability is inferred from the id.
func (p *OpenAIProvider) Models(ctx context.Context) ([]Model, error) {
	var list openaiModelList
	err := withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.embedTimeout)
		defer cancel()
		return p.getJSON(callCtx, "/models", &list)
	})
	if err != nil {
		return nil, fmt.Errorf("%s models: %w", p.name, err)
	}

	models := make([]Model, 0, len(list.Data))
	for _, m := range list.Data {
		isEmbed := strings.Contains(m.ID, "embed")
		models = append(models, Model{
			ID:            p.name + "/" + m.ID,
			Provider:      p.name,
			Name:          m.ID,
			DisplayName:   displayName(m.ID),
			ContextLength: hostedContextLength,
			Capabilities:  Capabilities{Chat: !isEmbed, Embedding: isEmbed},
			Parameters:    commonParameters(),
			Available:     true,
		})
	}
	return models, nil
}

// Generate starts a streaming chat via POST /chat/completions with SSE.
// The initial POST is retried once on a transient fault; an open stream is
// never retried.
func (p *OpenAIProvider) Generate(ctx context.Context, req ChatRequest) (TokenStream, error) {
	msgs := make([]openaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openaiMessage(m)
	}

	wire := openaiChatRequest{
		Model:    strings.TrimPrefix(req.Model, p.name+"/"),
		Messages: msgs,
		Stream:   true,
	}
	wire.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}
	applyOpenAIParams(&wire, req.Params)

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%s generate: marshal: %w", p.name, err)
	}

	var respBody io.ReadCloser
	err = withRetry(ctx, func() error {
		var postErr error
		respBody, postErr = p.doPost(ctx, "/chat/completions", body)
		return postErr
	})
	if err != nil {
		if errors.Is(err, errEndpointMissing) {
			return nil, fmt.Errorf("%s generate: %w", p.name, ErrProviderUnreachable)
		}
		return nil, fmt.Errorf("%s generate: %w", p.name, err)
	}

	return &openaiStream{body: respBody, dec: newSSEDecoder(respBody)}, nil
}

// Embed computes embeddings via POST /embeddings in a single batch call.
// Vectors are reordered by the response index so output order matches input
// order. A 404 from the backend maps to ErrEmbeddingUnavailable.
func (p *OpenAIProvider) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	if len(req.Texts) == 0 {
		return &EmbedResponse{Embeddings: [][]float32{}}, nil
	}

	body, err := json.Marshal(openaiEmbedRequest{
		Model: strings.TrimPrefix(req.Model, p.name+"/"),
		Input: req.Texts,
	})
	if err != nil {
		return nil, fmt.Errorf("%s embed: marshal: %w", p.name, err)
	}

	var resp openaiEmbedResponse
	err = withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.embedTimeout)
		defer cancel()

		respBody, postErr := p.doPost(callCtx, "/embeddings", body)
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
		if errors.Is(err, errEndpointMissing) {
			return nil, fmt.Errorf("%s embed: %w", p.name, ErrEmbeddingUnavailable)
		}
		return nil, fmt.Errorf("%s embed: %w", p.name, err)
	}

	embeddings := make([][]float32, len(req.Texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, fmt.Errorf("%s embed: response index %d out of range", p.name, d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return &EmbedResponse{Embeddings: embeddings, Tokens: resp.Usage.TotalTokens}, nil
}

// HealthCheck calls GET /models — returns nil if the backend is reachable.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, p.embedTimeout)
	defer cancel()

	var list openaiModelList
	if err := p.getJSON(callCtx, "/models", &list); err != nil {
		return fmt.Errorf("%s healthcheck: %w", p.name, err)
	}
	return nil
}

// ─── token stream ────────────────────────────────────────────────────────────

// openaiStream decodes SSE chat-completion chunks.
// Not safe for concurrent use; the session manager is the single reader.
type openaiStream struct {
	body   io.ReadCloser
	dec    *sseDecoder
	tokens int
	usage  Usage
	done   bool
	closed bool
}

func (s *openaiStream) Recv() (string, error) {
	if s.done || s.closed {
		return "", io.EOF
	}
	for {
		data, err := s.dec.nextData()
		if err != nil {
			s.done = true
			if err == io.EOF {
				return "", &StreamError{Offset: s.tokens, Err: fmt.Errorf("stream truncated: %w", ErrProviderUnreachable)}
			}
			return "", &StreamError{Offset: s.tokens, Err: classifyErr(err)}
		}

		if data == sseDoneSentinel {
			s.done = true
			return "", io.EOF
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.done = true
			return "", &StreamError{Offset: s.tokens, Err: fmt.Errorf("malformed chunk: %w", err)}
		}

		if chunk.Usage != nil {
			s.usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue // usage-only frame
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			s.tokens++
			return delta, nil
		}
		// finish_reason frame with empty delta: wait for [DONE]
	}
}

func (s *openaiStream) Usage() Usage { return s.usage }

func (s *openaiStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// applyOpenAIParams copies known sampling parameters into the wire request.
// top_k is not part of the OpenAI dialect and is dropped.
func applyOpenAIParams(wire *openaiChatRequest, params map[string]any) {
	if f, ok := toFloat(params["temperature"]); ok {
		wire.Temperature = &f
	}
	if f, ok := toFloat(params["top_p"]); ok {
		wire.TopP = &f
	}
	if f, ok := toFloat(params["max_tokens"]); ok {
		n := int(f)
		wire.MaxTokens = &n
	}
}

// toFloat normalizes JSON-decoded numbers (float64, int) to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// doPost sends an authorized POST, records a latency sample, and returns the
// response body. Caller closes the returned ReadCloser.
func (p *OpenAIProvider) doPost(ctx context.Context, path string, body []byte) (io.ReadCloser, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("post %s: build request: %w", path, err)
	}
	req.Header.Set(headerContentType, mimeJSON)
	if p.apiKey != "" {
		req.Header.Set(headerAuthorization, "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	p.health.Record(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, classifyErr(err))
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("post %s: %w", path, errEndpointMissing)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("post %s: %w: status %d", path, ErrProviderUnreachable, resp.StatusCode)
	}
	return resp.Body, nil
}

// getJSON sends an authorized GET, records a latency sample, and decodes the
// JSON response into out.
func (p *OpenAIProvider) getJSON(ctx context.Context, path string, out any) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("get %s: build request: %w", path, err)
	}
	if p.apiKey != "" {
		req.Header.Set(headerAuthorization, "Bearer "+p.apiKey)
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
