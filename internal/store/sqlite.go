package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// sqliteDriverName is go-sqlite3 with unicode_lower registered on every connection.
// SQLite's built-in lower() only folds ASCII letters.
const sqliteDriverName = "sqlite3_chat_history"

var registerDriver sync.Once

func registerSQLiteDriver() {
	registerDriver.Do(func() {
		sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("unicode_lower", strings.ToLower, true)
			},
		})
	})
}

const conversationColumns = "id, title, status, created_at, ended_at, summary, key_points_json, embedding_json"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	registerSQLiteDriver()
	db, err := sql.Open(sqliteDriverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUIDv7
        title TEXT NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('active', 'ended')),
        created_at DATETIME NOT NULL,
        ended_at DATETIME,
        summary TEXT,
        key_points_json TEXT, -- JSON array of strings
        embedding_json TEXT   -- JSON array of float32, NULL until analyzed
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUIDv7
        conversation_id TEXT NOT NULL,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'ai')),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Conversation methods
func (s *SQLiteStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO conversations (id, title, status, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare conversation insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	if _, err = stmt.ExecContext(ctx, id, title, StatusActive, now); err != nil {
		return nil, fmt.Errorf("failed to execute conversation insert: %w", err)
	}
	return &Conversation{ID: id, Title: title, Status: StatusActive, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	return s.queryConversations(ctx, "SELECT "+conversationColumns+" FROM conversations ORDER BY id DESC")
}

func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	keyPointsJSON, embeddingJSON, err := encodeAnalysis(conv)
	if err != nil {
		return err
	}

	stmt, err := s.db.PrepareContext(ctx, `UPDATE conversations
        SET title = ?, status = ?, ended_at = ?, summary = ?, key_points_json = ?, embedding_json = ?
        WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare conversation update: %w", err)
	}
	defer stmt.Close()

	var endedAt sql.NullTime
	if conv.EndedAt != nil {
		endedAt = sql.NullTime{Time: conv.EndedAt.UTC(), Valid: true}
	}

	res, err := stmt.ExecContext(ctx, conv.Title, conv.Status, endedAt, conv.Summary, keyPointsJSON, embeddingJSON, conv.ID)
	if err != nil {
		return fmt.Errorf("failed to execute conversation update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrNotFound)
	}
	return nil
}

// Message methods
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, sender Sender, content string) (*Message, error) {
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

	res, err := s.db.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, sender, content, created_at)
        SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ?)`,
		msg.ID, msg.ConversationID, msg.Sender, msg.Content, msg.CreatedAt, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute message insert: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	query := "SELECT id, conversation_id, sender, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC"
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

// Search methods
func (s *SQLiteStore) FetchAnalyzed(ctx context.Context) ([]Conversation, error) {
	return s.queryConversations(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE embedding_json IS NOT NULL ORDER BY id ASC")
}

func (s *SQLiteStore) FetchUnanalyzed(ctx context.Context) ([]Conversation, error) {
	return s.queryConversations(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE embedding_json IS NULL ORDER BY id ASC")
}

func (s *SQLiteStore) FetchUnanalyzedMatching(ctx context.Context, substr string) ([]Conversation, error) {
	query := `
        SELECT ` + conversationColumns + `
        FROM conversations c
        WHERE c.embedding_json IS NULL
          AND EXISTS (
              SELECT 1 FROM messages m
              WHERE m.conversation_id = c.id AND instr(unicode_lower(m.content), unicode_lower(?)) > 0
          )
        ORDER BY c.id DESC
    `
	return s.queryConversations(ctx, query, substr)
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := []Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conversations = append(conversations, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return conversations, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv          Conversation
		endedAt       sql.NullTime
		summary       sql.NullString
		keyPointsJSON sql.NullString
		embeddingJSON sql.NullString
	)
	if err := row.Scan(&conv.ID, &conv.Title, &conv.Status, &conv.CreatedAt, &endedAt, &summary, &keyPointsJSON, &embeddingJSON); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		conv.EndedAt = &endedAt.Time
	}
	if summary.Valid {
		conv.Summary = &summary.String
	}
	if keyPointsJSON.Valid {
		if err := json.Unmarshal([]byte(keyPointsJSON.String), &conv.KeyPoints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal key points for conversation %s: %w", conv.ID, err)
		}
	}
	if embeddingJSON.Valid {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &conv.Embedding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding for conversation %s: %w", conv.ID, err)
		}
		if conv.Embedding == nil {
			conv.Embedding = []float32{}
		}
	}
	return &conv, nil
}

// encodeAnalysis renders the JSON columns; nil slices become NULL.
func encodeAnalysis(conv *Conversation) (keyPoints, embedding sql.NullString, err error) {
	if conv.KeyPoints != nil {
		b, err := json.Marshal(conv.KeyPoints)
		if err != nil {
			return keyPoints, embedding, fmt.Errorf("failed to marshal key points: %w", err)
		}
		keyPoints = sql.NullString{String: string(b), Valid: true}
	}
	if conv.Embedding != nil {
		b, err := json.Marshal(conv.Embedding)
		if err != nil {
			return keyPoints, embedding, fmt.Errorf("failed to marshal embedding: %w", err)
		}
		embedding = sql.NullString{String: string(b), Valid: true}
	}
	return keyPoints, embedding, nil
}
