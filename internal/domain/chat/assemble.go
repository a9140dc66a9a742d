package chat

import (
	"fmt"
	"strings"

	"github.com/llmgate/llmgate/internal/domain/retrieval"
	"github.com/llmgate/llmgate/internal/infra/llm"
)

// Token budgets are estimated with a plain character heuristic; neither
// backend exposes its tokenizer over the wire.
const charsPerToken = 4

// defaultReserveTokens is kept free for the model's output when no reserve
// is configured.
const defaultReserveTokens = 1024

// contextPreamble introduces retrieved passages inside the system prompt.
const contextPreamble = "Use the following context to answer the question. " +
	"If the context does not contain the answer, say so."

// AssembleInput carries everything the assembler merges into one prompt.
type AssembleInput struct {
	SystemPrompt  string
	History       []llm.Message
	Chunks        []retrieval.Chunk
	UserMessage   string
	ContextLength int // model context window, in tokens
	ReserveTokens int // output budget to leave free; 0 → default
}

// Assemble builds the final message sequence: system prompt (with retrieved
// passages folded in), then as much recent history as fits, then the user
// message. When the total would exceed the context window minus the output
// reserve, history is truncated oldest-first; retrieved context and the user
// message are never dropped.
func Assemble(input AssembleInput) []llm.Message {
	reserve := input.ReserveTokens
	if reserve <= 0 {
		reserve = defaultReserveTokens
	}
	budget := input.ContextLength - reserve
	if input.ContextLength <= 0 {
		budget = 0 // no window info: keep system + user only
	}

	system := buildSystemPrompt(input.SystemPrompt, input.Chunks)

	fixed := estimateTokens(input.UserMessage)
	if system != "" {
		fixed += estimateTokens(system)
	}

	// newest history first, stop when the budget runs out
	var kept []llm.Message
	remaining := budget - fixed
	for i := len(input.History) - 1; i >= 0; i-- {
		cost := estimateTokens(input.History[i].Content)
		if remaining-cost < 0 {
			break
		}
		remaining -= cost
		kept = append(kept, input.History[i])
	}

	msgs := make([]llm.Message, 0, len(kept)+2)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: system})
	}
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs, kept[i])
	}
	return append(msgs, llm.Message{Role: "user", Content: input.UserMessage})
}

// buildSystemPrompt folds retrieved passages into the system prompt.
func buildSystemPrompt(systemPrompt string, chunks []retrieval.Chunk) string {
	if len(chunks) == 0 {
		return systemPrompt
	}

	var sb strings.Builder
	if systemPrompt != "" {
		sb.WriteString(systemPrompt)
		sb.WriteString("\n\n")
	}
	sb.WriteString(contextPreamble)
	sb.WriteString("\n\nContext:\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "\n[%d] %s\n", i+1, c.Content)
	}
	return sb.String()
}

// estimateTokens approximates the token cost of a message's content,
// including a small per-message framing overhead.
func estimateTokens(content string) int {
	return len(content)/charsPerToken + 4
}
