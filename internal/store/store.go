// Package store provides conversation persistence. The primary
// implementation is SQLite-backed; Memory is the degraded mode used
// when the database cannot be opened at startup.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gridpilot/gridpilot/internal/llm"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// titleLimit bounds auto-generated conversation titles, in runes.
const titleLimit = 60

// Message is one persisted conversation message. Tool-result messages
// (role "tool") are persisted and fed back to the model but hidden
// from transcript display.
type Message struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"` // system, user, assistant, tool
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Hidden reports whether the message is excluded from transcript
// display.
func (m Message) Hidden() bool {
	return m.Role == "tool" || m.Role == "system"
}

// Conversation owns an ordered message list plus the serialized
// spreadsheet excerpt used as model context. The message list is
// rewritten as a unit on every save.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Context      string    `json:"context,omitempty"`
	DocumentPath string    `json:"document_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Messages     []Message `json:"messages"`
}

// Summary is one row of the conversation list.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview,omitempty"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the conversation persistence interface.
type Store interface {
	// Save writes the conversation as a single unit: metadata upsert
	// plus full message replacement. All or nothing.
	Save(ctx context.Context, c *Conversation) error

	// Load returns a conversation with its messages in order, or
	// ErrNotFound.
	Load(ctx context.Context, id string) (*Conversation, error)

	// List returns summaries, most recently updated first.
	List(ctx context.Context) ([]Summary, error)

	// Delete removes a conversation and its messages, or ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Close releases underlying resources.
	Close() error
}

// autoTitle derives a title from the first user message when the
// conversation has none.
func autoTitle(c *Conversation) string {
	if c.Title != "" {
		return c.Title
	}
	for _, m := range c.Messages {
		if m.Role != "user" || m.Content == "" {
			continue
		}
		runes := []rune(m.Content)
		if len(runes) > titleLimit {
			return string(runes[:titleLimit])
		}
		return m.Content
	}
	return "New conversation"
}

// preview returns the last visible message's content for list rows.
func preview(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Hidden() || messages[i].Content == "" {
			continue
		}
		runes := []rune(messages[i].Content)
		if len(runes) > 120 {
			return string(runes[:120])
		}
		return messages[i].Content
	}
	return ""
}
