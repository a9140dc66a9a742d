// Package chat owns the conversational core: persisted history, prompt
// assembly, streaming session lifecycle, and the gateway façade that ties
// them to the provider registry and retrieval pipeline.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmgate/llmgate/internal/infra/llm"
)

// ErrConversationNotFound is returned for unknown conversation ids.
var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is one persisted chat thread.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ModelID      string    `json:"model_id"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StoredMessage is one persisted turn of a conversation.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists conversations and messages. It is the authoritative history
// the assembler reads; retention is the caller's concern, not the store's.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateConversation inserts a conversation. A missing id is generated.
func (s *Store) CreateConversation(ctx context.Context, conv Conversation) (*Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation (id, title, model_id, system_prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.ModelID, nullIfEmpty(conv.SystemPrompt),
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// GetConversation returns one conversation or ErrConversationNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model_id, system_prompt, created_at, updated_at
		 FROM conversation WHERE id = ?`, id)

	var conv Conversation
	var sysPrompt sql.NullString
	var created, updated string
	err := row.Scan(&conv.ID, &conv.Title, &conv.ModelID, &sysPrompt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.SystemPrompt = sysPrompt.String
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)
	return &conv, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, model_id, system_prompt, created_at, updated_at
		 FROM conversation ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var sysPrompt sql.NullString
		var created, updated string
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.ModelID, &sysPrompt, &created, &updated); err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		conv.SystemPrompt = sysPrompt.String
		conv.CreatedAt = parseTime(created)
		conv.UpdatedAt = parseTime(updated)
		out = append(out, conv)
	}
	return out, rows.Err()
}

// AppendMessage persists one turn and touches the conversation's updated_at.
func (s *Store) AppendMessage(ctx context.Context, msg StoredMessage) (*StoredMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append message: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message (id, conversation_id, role, content, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		nullIfZero(msg.TokenCount), formatTime(msg.CreatedAt)); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), msg.ConversationID); err != nil {
		return nil, fmt.Errorf("append message: touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append message: commit: %w", err)
	}
	return &msg, nil
}

// LoadHistory returns the most recent window turns in chronological order.
// A window of 0 loads everything.
func (s *Store) LoadHistory(ctx context.Context, conversationID string, window int) ([]llm.Message, error) {
	query := `SELECT role, content FROM message
		 WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{conversationID}
	if window > 0 {
		query += ` LIMIT ?`
		args = append(args, window)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var newestFirst []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse into chronological order
	out := make([]llm.Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(out)-1-i] = m
	}
	return out, nil
}

// DeleteConversation removes a conversation and its messages (cascade).
// Returns false when the id is unknown.
func (s *Store) DeleteConversation(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
