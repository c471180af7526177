package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-process fallback store used when the database is
// unavailable at startup. Conversations survive for the process
// lifetime only.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{conversations: make(map[string]*Conversation)}
}

// Save implements Store.
func (s *Memory) Save(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("save: conversation id is required")
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Title = autoTitle(c)
	for i := range c.Messages {
		if c.Messages[i].ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("save: generate message id: %w", err)
			}
			c.Messages[i].ID = id.String()
		}
		if c.Messages[i].Timestamp.IsZero() {
			c.Messages[i].Timestamp = now
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = copyConversation(c)
	return nil
}

// Load implements Store.
func (s *Memory) Load(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// List implements Store.
func (s *Memory) List(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, Summary{
			ID:        c.ID,
			Title:     c.Title,
			Preview:   preview(c.Messages),
			Messages:  len(c.Messages),
			UpdatedAt: c.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete implements Store.
func (s *Memory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

// Close implements Store.
func (s *Memory) Close() error { return nil }

func copyConversation(c *Conversation) *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return &out
}
