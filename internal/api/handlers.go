package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"gwi.com/chat-history/internal/core"
	"gwi.com/chat-history/internal/store"
)

type APIHandler struct {
	chatService   *core.ChatService
	searchService *core.SearchService
	analyzer      *core.Analyzer
	log           logr.Logger
}

func NewAPIHandler(cs *core.ChatService, ss *core.SearchService, an *core.Analyzer, log logr.Logger) *APIHandler {
	return &APIHandler{
		chatService:   cs,
		searchService: ss,
		analyzer:      an,
		log:           log.WithName("api"),
	}
}

// ConversationListItem is the metadata shown in the conversation list.
type ConversationListItem struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	CreatedAt time.Time    `json:"start_timestamp"`
	Status    store.Status `json:"status"`
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chatService.ListConversations(r.Context())
	if err != nil {
		h.writeError(w, "Failed to list conversations", err)
		return
	}

	items := make([]ConversationListItem, 0, len(convs))
	for _, c := range convs {
		items = append(items, ConversationListItem{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, Status: c.Status})
	}
	writeJSON(w, http.StatusOK, items)
}

type ConversationDetailResponse struct {
	*store.Conversation
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	conv, messages, err := h.chatService.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, "Failed to get conversation", err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, ConversationDetailResponse{Conversation: conv, Messages: messages})
}

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatHandler streams the AI reply as plain-text chunks. The conversation ID travels in the
// X-Conversation-ID header so clients learn the ID of a newly created conversation.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	turn, err := h.chatService.StartTurn(r.Context(), req.ConversationID, req.Message)
	if err != nil {
		h.writeError(w, "Failed to start chat turn", err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Conversation-ID", turn.Conversation.ID)
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	err = turn.Relay(r.Context(), func(fragment string) error {
		if _, err := w.Write([]byte(fragment)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are already sent; the error fragment, if any, was streamed by Relay.
		h.log.Info("Chat turn ended with error", "conversationID", turn.Conversation.ID, "error", err.Error())
	}
}

type SearchRequest struct {
	Query string `json:"query"`
}

func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	results, err := h.searchService.Search(r.Context(), req.Query)
	if err != nil {
		h.writeError(w, "Search failed", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *APIHandler) AnalyzeHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	analysis, err := h.analyzer.Analyze(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, "Failed to analyze conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps core error kinds onto HTTP status codes.
func (h *APIHandler) writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, core.ErrInvalidState):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrProvider), errors.Is(err, core.ErrAnalysisParse):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.log.Error(err, msg)
	}
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg + ": " + err.Error())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
