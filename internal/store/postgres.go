package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
)

// PostgresStore keeps embeddings in a pgvector column. The column is left
// unconstrained so the configured embedding dimensionality can change.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) initSchema() error {
	schema := `
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('active', 'ended')),
			created_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			summary TEXT,
			key_points JSONB,
			embedding vector
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations (id),
			sender TEXT NOT NULL CHECK (sender IN ('user', 'ai')),
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const pgConversationColumns = "id, title, status, created_at, ended_at, summary, key_points::text, embedding::text"

func (s *PostgresStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	stmt := `INSERT INTO conversations (id, title, status, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, stmt, id, title, string(StatusActive), now); err != nil {
		return nil, errors.Wrap(err, "failed to insert conversation")
	}
	return &Conversation{ID: id, Title: title, Status: StatusActive, CreatedAt: now}, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgConversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanPgConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, errors.Wrap(err, "failed to get conversation")
	}
	return conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	return s.queryConversations(ctx, `SELECT `+pgConversationColumns+` FROM conversations ORDER BY id DESC`)
}

func (s *PostgresStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	var keyPoints any
	if conv.KeyPoints != nil {
		b, err := json.Marshal(conv.KeyPoints)
		if err != nil {
			return errors.Wrap(err, "failed to marshal key points")
		}
		keyPoints = string(b)
	}
	var embedding any
	if conv.Embedding != nil {
		embedding = pgvector.NewVector(conv.Embedding)
	}
	var endedAt any
	if conv.EndedAt != nil {
		endedAt = conv.EndedAt.UTC()
	}

	stmt := `
		UPDATE conversations
		SET title = $1, status = $2, ended_at = $3, summary = $4, key_points = $5::jsonb, embedding = $6
		WHERE id = $7
	`
	res, err := s.db.ExecContext(ctx, stmt, conv.Title, string(conv.Status), endedAt, conv.Summary, keyPoints, embedding, conv.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update conversation")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, sender Sender, content string) (*Message, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	stmt := `
		INSERT INTO messages (id, conversation_id, sender, content, created_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::timestamptz
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = $2::text)
	`
	res, err := s.db.ExecContext(ctx, stmt, msg.ID, msg.ConversationID, string(msg.Sender), msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert message")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	query := `
		SELECT id, conversation_id, sender, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	list := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		list = append(list, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *PostgresStore) FetchAnalyzed(ctx context.Context) ([]Conversation, error) {
	return s.queryConversations(ctx, `SELECT `+pgConversationColumns+` FROM conversations WHERE embedding IS NOT NULL ORDER BY id ASC`)
}

func (s *PostgresStore) FetchUnanalyzed(ctx context.Context) ([]Conversation, error) {
	return s.queryConversations(ctx, `SELECT `+pgConversationColumns+` FROM conversations WHERE embedding IS NULL ORDER BY id ASC`)
}

func (s *PostgresStore) FetchUnanalyzedMatching(ctx context.Context, substr string) ([]Conversation, error) {
	query := `
		SELECT ` + pgConversationColumns + `
		FROM conversations c
		WHERE c.embedding IS NULL
			AND EXISTS (
				SELECT 1 FROM messages m
				WHERE m.conversation_id = c.id AND strpos(lower(m.content), lower($1)) > 0
			)
		ORDER BY c.id DESC
	`
	return s.queryConversations(ctx, query, substr)
}

func (s *PostgresStore) queryConversations(ctx context.Context, query string, args ...any) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query conversations")
	}
	defer rows.Close()

	list := []Conversation{}
	for rows.Next() {
		conv, err := scanPgConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		list = append(list, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func scanPgConversation(row rowScanner) (*Conversation, error) {
	var (
		conv      Conversation
		endedAt   sql.NullTime
		summary   sql.NullString
		keyPoints sql.NullString
		embedding sql.NullString
	)
	if err := row.Scan(&conv.ID, &conv.Title, &conv.Status, &conv.CreatedAt, &endedAt, &summary, &keyPoints, &embedding); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		conv.EndedAt = &endedAt.Time
	}
	if summary.Valid {
		conv.Summary = &summary.String
	}
	if keyPoints.Valid {
		if err := json.Unmarshal([]byte(keyPoints.String), &conv.KeyPoints); err != nil {
			return nil, errors.Wrapf(err, "failed to decode key points for conversation %s", conv.ID)
		}
	}
	if embedding.Valid {
		var vector pgvector.Vector
		if err := vector.Scan(embedding.String); err != nil {
			return nil, errors.Wrapf(err, "failed to decode embedding for conversation %s", conv.ID)
		}
		conv.Embedding = vector.Slice()
	}
	return &conv, nil
}
