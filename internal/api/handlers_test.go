package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gwi.com/chat-history/internal/core"
	"gwi.com/chat-history/internal/metrics"
	"gwi.com/chat-history/internal/store"
)

const dims = 4

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) StreamChat(ctx context.Context, history []core.ChatTurn) (core.ChatStream, error) {
	args := m.Called(ctx, history)
	stream, _ := args.Get(0).(core.ChatStream)
	return stream, args.Error(1)
}

func (m *mockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	vec, _ := args.Get(0).([]float32)
	return vec, args.Error(1)
}

func (m *mockProvider) AnalyzeTranscript(ctx context.Context, transcript string) (string, error) {
	args := m.Called(ctx, transcript)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) Dimensions() int { return dims }
func (m *mockProvider) Close() error { return nil }

type sliceStream struct {
	fragments []string
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.fragments) == 0 {
		return "", io.EOF
	}
	f := s.fragments[0]
	s.fragments = s.fragments[1:]
	return f, nil
}

func (s *sliceStream) Close() error { return nil }

type testServer struct {
	db       *store.MemoryStore
	provider *mockProvider
	handler  http.Handler
}

func newTestServer() *testServer {
	db := store.NewMemoryStore()
	provider := &mockProvider{}
	m := metrics.New()
	log := logr.Discard()

	h := NewAPIHandler(
		core.NewChatService(db, provider, m, log),
		core.NewSearchService(db, provider, nil, m, log),
		core.NewAnalyzer(db, provider, m, log),
		log,
	)
	return &testServer{db: db, provider: provider, handler: NewRouter(h, m.Handler())}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := newTestServer().do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestChatHandler_StreamsReplyAndReturnsConversationID(t *testing.T) {
	srv := newTestServer()
	srv.provider.On("StreamChat", mock.Anything, mock.Anything).
		Return(&sliceStream{fragments: []string{"Hello", ", ", "world"}}, nil)

	rec := srv.do(http.MethodPost, "/api/chat", `{"message":"Hi there"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello, world", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	convID := rec.Header().Get("X-Conversation-ID")
	require.NotEmpty(t, convID)

	messages, err := srv.db.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello, world", messages[1].Content)
}

func TestChatHandler_Errors(t *testing.T) {
	srv := newTestServer()

	rec := srv.do(http.MethodPost, "/api/chat", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(http.MethodPost, "/api/chat", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(http.MethodPost, "/api/chat", `{"message":"hi","conversation_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	srv.provider.AssertNotCalled(t, "StreamChat", mock.Anything, mock.Anything)
}

func TestConversationEndpoints(t *testing.T) {
	srv := newTestServer()
	ctx := context.Background()
	conv, err := srv.db.CreateConversation(ctx, "Deploy questions")
	require.NoError(t, err)
	_, err = srv.db.AppendMessage(ctx, conv.ID, store.SenderUser, "how do I deploy?")
	require.NoError(t, err)

	rec := srv.do(http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ConversationListItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)
	assert.Equal(t, "Deploy questions", list[0].Title)
	assert.Equal(t, store.StatusActive, list[0].Status)

	rec = srv.do(http.MethodGet, "/api/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		ID       string          `json:"id"`
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, conv.ID, detail.ID)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "how do I deploy?", detail.Messages[0].Content)

	rec = srv.do(http.MethodGet, "/api/conversations/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchHandler(t *testing.T) {
	srv := newTestServer()
	ctx := context.Background()
	conv, err := srv.db.CreateConversation(ctx, "Billing")
	require.NoError(t, err)
	_, err = srv.db.AppendMessage(ctx, conv.ID, store.SenderUser, "my invoice is wrong")
	require.NoError(t, err)
	srv.provider.On("Embed", mock.Anything, "invoice").Return([]float32{1, 0, 0, 0}, nil)

	rec := srv.do(http.MethodPost, "/api/search", `{"query":"invoice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var results []store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, conv.ID, results[0].ID)

	srv.provider.On("Embed", mock.Anything, "zzz-nothing").Return([]float32{1, 0, 0, 0}, nil)
	rec = srv.do(http.MethodPost, "/api/search", `{"query":"zzz-nothing"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = srv.do(http.MethodPost, "/api/search", `{"query":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeHandler(t *testing.T) {
	srv := newTestServer()
	ctx := context.Background()
	empty, err := srv.db.CreateConversation(ctx, "empty")
	require.NoError(t, err)
	conv, err := srv.db.CreateConversation(ctx, "full")
	require.NoError(t, err)
	_, err = srv.db.AppendMessage(ctx, conv.ID, store.SenderUser, "hello")
	require.NoError(t, err)

	srv.provider.On("AnalyzeTranscript", mock.Anything, "user: hello").
		Return(`{"summary":"A greeting.","key_points":["hello"]}`, nil)
	srv.provider.On("Embed", mock.Anything, "A greeting.").Return([]float32{0, 1, 0, 0}, nil)

	rec := srv.do(http.MethodPost, "/api/conversations/"+conv.ID+"/analyze", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"summary":"A greeting.","key_points":["hello"]}`, rec.Body.String())

	rec = srv.do(http.MethodPost, "/api/conversations/"+empty.ID+"/analyze", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(http.MethodPost, "/api/conversations/missing/analyze", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyzeHandler_BadProviderPayload(t *testing.T) {
	srv := newTestServer()
	conv, err := srv.db.CreateConversation(context.Background(), "t")
	require.NoError(t, err)
	_, err = srv.db.AppendMessage(context.Background(), conv.ID, store.SenderUser, "hello")
	require.NoError(t, err)
	srv.provider.On("AnalyzeTranscript", mock.Anything, mock.Anything).Return("not json", nil)

	rec := srv.do(http.MethodPost, "/api/conversations/"+conv.ID+"/analyze", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer()
	srv.do(http.MethodPost, "/api/search", `{"query":""}`)

	rec := srv.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `chat_history_search_requests_total{status="invalid_argument"} 1`)
}
