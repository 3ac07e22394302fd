package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a referenced conversation does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore persists conversations, their messages and analysis results.
//
// Ordering contract:
//   - ListConversations and FetchUnanalyzedMatching return newest first.
//   - FetchAnalyzed and FetchUnanalyzed return ascending ID (creation) order.
//   - ListMessages returns oldest first.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	SaveConversation(ctx context.Context, conv *Conversation) error

	AppendMessage(ctx context.Context, conversationID string, sender Sender, content string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	// FetchAnalyzed returns every conversation with an embedding.
	FetchAnalyzed(ctx context.Context) ([]Conversation, error)
	// FetchUnanalyzed returns every conversation without an embedding.
	FetchUnanalyzed(ctx context.Context) ([]Conversation, error)
	// FetchUnanalyzedMatching returns conversations without an embedding that own at
	// least one message containing substr, compared case-insensitively.
	FetchUnanalyzedMatching(ctx context.Context, substr string) ([]Conversation, error)

	Close() error
}

// Open builds the store for the given driver name.
func Open(driver, dataSourceName string) (ConversationStore, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(dataSourceName)
	case "postgres":
		return NewPostgresStore(dataSourceName)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}
