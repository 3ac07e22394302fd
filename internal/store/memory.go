package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process ConversationStore. Data lives only as long as the process.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	order         []string // conversation IDs in creation order
	messages      map[string][]Message
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		now:           time.Now,
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, title string) (*Conversation, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := Conversation{
		ID:        id,
		Title:     title,
		Status:    StatusActive,
		CreatedAt: s.now(),
	}
	s.conversations[id] = conv
	s.order = append(s.order, id)

	out := cloneConversation(conv)
	return &out, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	out := cloneConversation(conv)
	return &out, nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(true, func(Conversation) bool { return true }), nil
}

func (s *MemoryStore) SaveConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[conv.ID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrNotFound)
	}
	updated := cloneConversation(*conv)
	updated.CreatedAt = existing.CreatedAt
	s.conversations[conv.ID] = updated
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, sender Sender, content string) (*Message, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	msg := Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      s.now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return &msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) FetchAnalyzed(_ context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(false, func(c Conversation) bool { return c.Embedding != nil }), nil
}

func (s *MemoryStore) FetchUnanalyzed(_ context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(false, func(c Conversation) bool { return c.Embedding == nil }), nil
}

func (s *MemoryStore) FetchUnanalyzedMatching(_ context.Context, substr string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(substr)
	return s.collect(true, func(c Conversation) bool {
		if c.Embedding != nil {
			return false
		}
		for _, m := range s.messages[c.ID] {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				return true
			}
		}
		return false
	}), nil
}

// collect must be called with s.mu held.
func (s *MemoryStore) collect(newestFirst bool, keep func(Conversation) bool) []Conversation {
	out := []Conversation{}
	for i := range s.order {
		idx := i
		if newestFirst {
			idx = len(s.order) - 1 - i
		}
		conv := s.conversations[s.order[idx]]
		if keep(conv) {
			out = append(out, cloneConversation(conv))
		}
	}
	return out
}

func cloneConversation(c Conversation) Conversation {
	out := c
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.Summary != nil {
		s := *c.Summary
		out.Summary = &s
	}
	if c.KeyPoints != nil {
		out.KeyPoints = append([]string{}, c.KeyPoints...)
	}
	if c.Embedding != nil {
		out.Embedding = append([]float32{}, c.Embedding...)
	}
	return out
}
