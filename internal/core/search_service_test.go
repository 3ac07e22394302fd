package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gwi.com/chat-history/internal/cache"
	"gwi.com/chat-history/internal/metrics"
	"gwi.com/chat-history/internal/store"
)

const testDims = 8

func seedAnalyzed(t *testing.T, db store.ConversationStore, title string, embedding []float32) *store.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := db.CreateConversation(ctx, title)
	require.NoError(t, err)
	summary := "summary of " + title
	conv.Summary = &summary
	conv.KeyPoints = []string{"point"}
	conv.Embedding = embedding
	conv.Status = store.StatusEnded
	require.NoError(t, db.SaveConversation(ctx, conv))
	return conv
}

func seedWithMessage(t *testing.T, db store.ConversationStore, title, content string) *store.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := db.CreateConversation(ctx, title)
	require.NoError(t, err)
	_, err = db.AppendMessage(ctx, conv.ID, store.SenderUser, content)
	require.NoError(t, err)
	return conv
}

func ids(convs []store.Conversation) []string {
	out := make([]string, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.ID)
	}
	return out
}

func TestSearch_BlankQueryNeverCallsProvider(t *testing.T) {
	provider := newMockProvider(testDims)
	svc := NewSearchService(store.NewMemoryStore(), provider, nil, nil, testLogger)

	for _, q := range []string{"", "   ", "\n\t"} {
		results, err := svc.Search(context.Background(), q)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Nil(t, results)
	}
	provider.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestSearch_SemanticHitsPrecedeKeywordHits(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryStore()
	semantic := seedAnalyzed(t, db, "pricing", unitAt(0.9, testDims))
	keyword := seedWithMessage(t, db, "chat", "what did we say about Pricing tiers?")
	seedWithMessage(t, db, "other", "nothing relevant here")

	provider := newMockProvider(testDims)
	provider.On("Embed", mock.Anything, "pricing").Return(axis(testDims), nil).Once()

	results, err := NewSearchService(db, provider, nil, nil, testLogger).Search(ctx, "pricing")
	require.NoError(t, err)
	assert.Equal(t, []string{semantic.ID, keyword.ID}, ids(results))
	for _, r := range results {
		assert.Nil(t, r.Embedding)
	}
	require.NotNil(t, results[0].Summary)
	assert.Equal(t, "summary of pricing", *results[0].Summary)
	provider.AssertExpectations(t)
}

func TestSearch_BelowThresholdIsExcluded(t *testing.T) {
	db := store.NewMemoryStore()
	seedAnalyzed(t, db, "weak", unitAt(0.4, testDims))
	seedAnalyzed(t, db, "orthogonal", unitAt(0, testDims))

	provider := newMockProvider(testDims)
	provider.On("Embed", mock.Anything, "query").Return(axis(testDims), nil)

	results, err := NewSearchService(db, provider, nil, nil, testLogger).Search(context.Background(), "query")
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearch_RanksByScoreDescending(t *testing.T) {
	db := store.NewMemoryStore()
	low := seedAnalyzed(t, db, "low", unitAt(0.6, testDims))
	high := seedAnalyzed(t, db, "high", unitAt(0.95, testDims))
	mid := seedAnalyzed(t, db, "mid", unitAt(0.8, testDims))
	tieFirst := seedAnalyzed(t, db, "tie-a", unitAt(0.7, testDims))
	tieSecond := seedAnalyzed(t, db, "tie-b", unitAt(0.7, testDims))

	provider := newMockProvider(testDims)
	provider.On("Embed", mock.Anything, "q").Return(axis(testDims), nil)

	results, err := NewSearchService(db, provider, nil, nil, testLogger).Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{high.ID, mid.ID, tieFirst.ID, tieSecond.ID, low.ID}, ids(results))
}

func TestSearch_CapsResults(t *testing.T) {
	db := store.NewMemoryStore()
	var semanticIDs []string
	for i := 0; i < 50; i++ {
		c := seedAnalyzed(t, db, fmt.Sprintf("analyzed-%d", i), unitAt(0.9, testDims))
		semanticIDs = append(semanticIDs, c.ID)
	}
	for i := 0; i < 50; i++ {
		seedWithMessage(t, db, fmt.Sprintf("raw-%d", i), "deploy the thing")
	}

	provider := newMockProvider(testDims)
	provider.On("Embed", mock.Anything, "deploy").Return(axis(testDims), nil)

	results, err := NewSearchService(db, provider, nil, nil, testLogger).Search(context.Background(), "deploy")
	require.NoError(t, err)
	require.Len(t, results, MaxSearchResults)
	assert.Equal(t, semanticIDs[:MaxSearchResults], ids(results))
}

func TestSearch_KeywordHitsNewestFirstAfterSemantic(t *testing.T) {
	db := store.NewMemoryStore()
	for i := 0; i < 8; i++ {
		seedAnalyzed(t, db, fmt.Sprintf("analyzed-%d", i), unitAt(0.9, testDims))
	}
	older := seedWithMessage(t, db, "older", "kubernetes question")
	newer := seedWithMessage(t, db, "newer", "another KUBERNETES question")
	seedWithMessage(t, db, "newest", "kubernetes again")

	provider := newMockProvider(testDims)
	provider.On("Embed", mock.Anything, "kubernetes").Return(axis(testDims), nil)

	results, err := NewSearchService(db, provider, nil, nil, testLogger).Search(context.Background(), "kubernetes")
	require.NoError(t, err)
	require.Len(t, results, MaxSearchResults)
	got := ids(results)
	assert.NotContains(t, got, older.ID)
	assert.Equal(t, newer.ID, got[MaxSearchResults-1])
}

func TestSearch_SkipsMismatchedStoredEmbedding(t *testing.T) {
	db := store.NewMemoryStore()
	seedAnalyzed(t, db, "legacy", []float32{1, 0})
	good := seedAnalyzed(t, db, "good", unitAt(0.9, testDims))

	provider := newMockProvider(testDims)
	provider.On("Embed", mock.Anything, "q").Return(axis(testDims), nil)
	m := metrics.New()

	results, err := NewSearchService(db, provider, nil, m, testLogger).Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{good.ID}, ids(results))
}

func TestSearch_ProviderFailure(t *testing.T) {
	boom := errors.New("quota exceeded")

	t.Run("embed error", func(t *testing.T) {
		provider := newMockProvider(testDims)
		provider.On("Embed", mock.Anything, "q").Return(nil, boom)

		_, err := NewSearchService(store.NewMemoryStore(), provider, nil, nil, testLogger).Search(context.Background(), "q")
		assert.ErrorIs(t, err, ErrSearchFailed)
		assert.ErrorIs(t, err, ErrProvider)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("wrong query dimension", func(t *testing.T) {
		provider := newMockProvider(testDims)
		provider.On("Embed", mock.Anything, "q").Return([]float32{1, 0, 0}, nil)

		_, err := NewSearchService(store.NewMemoryStore(), provider, nil, nil, testLogger).Search(context.Background(), "q")
		assert.ErrorIs(t, err, ErrSearchFailed)
		assert.ErrorIs(t, err, ErrProvider)
	})
}

func TestSearch_CachesQueryEmbedding(t *testing.T) {
	db := store.NewMemoryStore()
	conv := seedAnalyzed(t, db, "cached", unitAt(0.9, testDims))

	provider := newMockProvider(testDims)
	provider.On("Embed", mock.Anything, "again").Return(axis(testDims), nil).Once()
	svc := NewSearchService(db, provider, cache.NewQueryCache(10, time.Minute), nil, testLogger)

	for i := 0; i < 3; i++ {
		results, err := svc.Search(context.Background(), "again")
		require.NoError(t, err)
		assert.Equal(t, []string{conv.ID}, ids(results))
	}
	provider.AssertNumberOfCalls(t, "Embed", 1)
}
