package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"gwi.com/chat-history/internal/metrics"
	"gwi.com/chat-history/internal/store"
)

const (
	DefaultTitle   = "New Conversation"
	maxTitleLength = 50

	providerErrorPrefix = "Error: Could not get AI response. "
)

type ChatService struct {
	dbStore  store.ConversationStore
	provider AIProvider
	metrics  *metrics.Metrics
	log      logr.Logger
}

func NewChatService(db store.ConversationStore, provider AIProvider, m *metrics.Metrics, log logr.Logger) *ChatService {
	return &ChatService{
		dbStore:  db,
		provider: provider,
		metrics:  m,
		log:      log.WithName("chat"),
	}
}

// Turn is one user message waiting for its streamed AI reply.
type Turn struct {
	Conversation *store.Conversation
	UserMessage  *store.Message

	history []ChatTurn
	service *ChatService
	once    sync.Once
}

// StartTurn records the user's message and prepares the provider history for the reply.
// An empty conversationID starts a new conversation; an existing one is reopened before
// the message is appended.
func (s *ChatService) StartTurn(ctx context.Context, conversationID, content string) (*Turn, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidArgument)
	}

	var conv *store.Conversation
	var err error
	if conversationID == "" {
		conv, err = s.dbStore.CreateConversation(ctx, TitleFor(content))
		if err != nil {
			return nil, storeError("create conversation", err)
		}
		s.log.Info("Conversation started", "conversationID", conv.ID)
	} else {
		conv, err = s.dbStore.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, storeError("load conversation", err)
		}
		if conv.Status != store.StatusActive || conv.EndedAt != nil {
			s.log.V(1).Info("Reopening conversation", "conversationID", conv.ID)
		}
		conv.Status = store.StatusActive
		conv.EndedAt = nil
		if err := s.dbStore.SaveConversation(ctx, conv); err != nil {
			return nil, storeError("reopen conversation", err)
		}
	}

	userMsg, err := s.dbStore.AppendMessage(ctx, conv.ID, store.SenderUser, content)
	if err != nil {
		return nil, storeError("store user message", err)
	}

	messages, err := s.dbStore.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, storeError("load history", err)
	}

	return &Turn{
		Conversation: conv,
		UserMessage:  userMsg,
		history:      historyFor(messages),
		service:      s,
	}, nil
}

// Relay streams the reply fragments to emit in arrival order and, once the provider
// finishes cleanly, stores their concatenation as a single AI message. A Turn can be
// relayed once.
func (t *Turn) Relay(ctx context.Context, emit func(fragment string) error) error {
	err := fmt.Errorf("%w: turn for conversation %s was already relayed", ErrInvalidState, t.Conversation.ID)
	t.once.Do(func() {
		start := time.Now()
		err = t.relay(ctx, emit)
		t.service.metrics.ObserveChatTurn(chatStatus(ctx, err), time.Since(start))
	})
	return err
}

func (t *Turn) relay(ctx context.Context, emit func(string) error) error {
	s := t.service

	stream, err := s.provider.StreamChat(ctx, t.history)
	if err != nil {
		return t.fail(emit, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			s.log.V(1).Info("Closing reply stream failed", "conversationID", t.Conversation.ID, "error", cerr.Error())
		}
	}()

	var reply strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return t.fail(emit, err)
		}
		if fragment == "" {
			continue
		}

		reply.WriteString(fragment)
		if err := emit(fragment); err != nil {
			s.log.Info("Client went away during reply", "conversationID", t.Conversation.ID, "error", err.Error())
			return fmt.Errorf("emit fragment: %w", err)
		}
		s.metrics.ChatFragment()
	}

	if _, err := s.dbStore.AppendMessage(ctx, t.Conversation.ID, store.SenderAI, reply.String()); err != nil {
		return storeError("store ai message", err)
	}
	return nil
}

// fail emits the terminal error fragment; nothing is persisted for the reply.
func (t *Turn) fail(emit func(string) error, cause error) error {
	t.service.log.Error(cause, "AI provider failed", "conversationID", t.Conversation.ID)
	if err := emit(providerErrorPrefix + cause.Error()); err != nil {
		t.service.log.V(1).Info("Could not deliver error fragment", "error", err.Error())
	}
	return providerError("stream reply", cause)
}

func (s *ChatService) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	convs, err := s.dbStore.ListConversations(ctx)
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	for i := range convs {
		convs[i].Embedding = nil
	}
	return convs, nil
}

func (s *ChatService) GetConversation(ctx context.Context, id string) (*store.Conversation, []store.Message, error) {
	conv, err := s.dbStore.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, storeError("get conversation", err)
	}
	messages, err := s.dbStore.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, storeError("get messages", err)
	}
	conv.Embedding = nil
	return conv, messages, nil
}

// TitleFor derives a conversation title from its first message.
func TitleFor(firstMessage string) string {
	trimmed := strings.TrimSpace(firstMessage)
	if trimmed == "" {
		return DefaultTitle
	}
	runes := []rune(trimmed)
	if len(runes) > maxTitleLength {
		runes = runes[:maxTitleLength]
	}
	return string(runes)
}

func historyFor(messages []store.Message) []ChatTurn {
	history := make([]ChatTurn, 0, len(messages))
	for _, m := range messages {
		role := RoleUser
		if m.Sender == store.SenderAI {
			role = RoleModel
		}
		history = append(history, ChatTurn{Role: role, Text: m.Content})
	}
	return history
}

func chatStatus(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case ctx.Err() != nil:
		return "cancelled"
	default:
		return "error"
	}
}
