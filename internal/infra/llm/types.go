// Package llm defines the model-agnostic LLM provider abstraction.
// All types here are shared between the provider interface, the adapters
// (Ollama, OpenAI-compatible), and the registry.
package llm

// Message represents a single turn in a conversation (role + content).
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Capabilities flags what a model can do.
type Capabilities struct {
	Chat            bool `json:"chat"`
	FunctionCalling bool `json:"function_calling"`
	Vision          bool `json:"vision"`
	Embedding       bool `json:"embedding"`
}

// Parameter describes one named sampling tunable a model accepts.
type Parameter struct {
	Type        string  `json:"type"` // "float" | "int" | "bool" | "string"
	Default     any     `json:"default"`
	Min         float64 `json:"min,omitempty"`
	Max         float64 `json:"max,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Model describes one generation target in a provider's catalog.
// Everything except Available and UsageCount is fixed at catalog time.
type Model struct {
	ID            string               `json:"id"`       // e.g. "ollama/llama3.2:3b"
	Provider      string               `json:"provider"` // e.g. "ollama"
	Name          string               `json:"name"`     // provider-local name, e.g. "llama3.2:3b"
	DisplayName   string               `json:"display_name"`
	ContextLength int                  `json:"context_length"` // max combined input+output tokens
	Description   string               `json:"description,omitempty"`
	Capabilities  Capabilities         `json:"capabilities"`
	Parameters    map[string]Parameter `json:"parameters,omitempty"`
	Available     bool                 `json:"available"`
	UsageCount    uint64               `json:"usage_count"` // completed generations served
}

// ChatRequest is the input for a (streaming or synchronous) chat completion.
type ChatRequest struct {
	// Model is the provider-local model name (registry strips the
	// "<provider>/" prefix before dispatching).
	Model    string
	Messages []Message
	// Params carries sampling parameters by name (temperature, top_p,
	// top_k, max_tokens). Unknown keys are dropped by the adapter.
	Params map[string]any
}

// Usage is the token accounting for one completed generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbedRequest is the input for a batch embedding call.
type EmbedRequest struct {
	// Model overrides the provider default when non-empty.
	Model string
	Texts []string
}

// EmbedResponse is the output from a batch embedding call.
// Embeddings[i] corresponds to Texts[i] in the request.
type EmbedResponse struct {
	Embeddings [][]float32
	Tokens     int
}

// commonParameters is the sampling parameter schema shared by the adapters.
// Mirrors what the backends themselves accept.
func commonParameters() map[string]Parameter {
	return map[string]Parameter{
		"temperature": {
			Type: "float", Default: 0.7, Min: 0, Max: 2,
			Description: "Controls randomness: lower is more deterministic",
		},
		"top_p": {
			Type: "float", Default: 1.0, Min: 0, Max: 1,
			Description: "Nucleus sampling: consider only most likely tokens",
		},
		"top_k": {
			Type: "int", Default: 40, Min: 1, Max: 100,
			Description: "Consider only top k most likely tokens",
		},
		"max_tokens": {
			Type: "int", Default: 2000, Min: 1, Max: 32000,
			Description: "Maximum response length in tokens",
		},
	}
}
