package store

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

type Conversation struct {
	ID        string     `json:"id"` // UUIDv7, ordered by creation time
	Title     string     `json:"title"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"start_timestamp"`
	EndedAt   *time.Time `json:"end_timestamp,omitempty"`
	Summary   *string    `json:"summary,omitempty"`
	KeyPoints []string   `json:"key_points,omitempty"`
	Embedding []float32  `json:"-"` // nil until the conversation is analyzed
}

// Analyzed reports whether the conversation carries an embedding.
func (c *Conversation) Analyzed() bool {
	return c.Embedding != nil
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"timestamp"`
}
