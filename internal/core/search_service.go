package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"gwi.com/chat-history/internal/cache"
	"gwi.com/chat-history/internal/metrics"
	"gwi.com/chat-history/internal/store"
	"gwi.com/chat-history/internal/utils"
)

const (
	SimilarityThreshold = 0.5 // Scores must be strictly greater to count as a semantic hit
	MaxSearchResults    = 10
)

type SearchService struct {
	dbStore  store.ConversationStore
	provider AIProvider
	cache    *cache.QueryCache // optional
	metrics  *metrics.Metrics  // optional
	log      logr.Logger
}

func NewSearchService(db store.ConversationStore, provider AIProvider, queryCache *cache.QueryCache, m *metrics.Metrics, log logr.Logger) *SearchService {
	return &SearchService{
		dbStore:  db,
		provider: provider,
		cache:    queryCache,
		metrics:  m,
		log:      log.WithName("search"),
	}
}

type ScoredCandidate struct {
	Conversation store.Conversation
	Score        float64
}

// Search merges vector-similarity hits over analyzed conversations with keyword hits over
// unanalyzed ones. Semantic hits come first, best score first; at most MaxSearchResults
// conversations are returned.
func (s *SearchService) Search(ctx context.Context, query string) ([]store.Conversation, error) {
	start := time.Now()
	results, semantic, keyword, err := s.search(ctx, query)
	s.metrics.ObserveSearch(searchStatus(err), time.Since(start), semantic, keyword)
	return results, err
}

func (s *SearchService) search(ctx context.Context, query string) ([]store.Conversation, int, int, error) {
	if strings.TrimSpace(query) == "" {
		return nil, 0, 0, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}

	queryVector, err := s.queryEmbedding(ctx, query)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrSearchFailed, err)
	}

	scored, err := s.semanticCandidates(ctx, queryVector)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrSearchFailed, err)
	}

	keywordMatches, err := s.dbStore.FetchUnanalyzedMatching(ctx, query)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: keyword search: %w", ErrSearchFailed, err)
	}

	results := make([]store.Conversation, 0, MaxSearchResults)
	seen := make(map[string]struct{}, len(scored)+len(keywordMatches))
	semanticCount, keywordCount := 0, 0

	for _, candidate := range scored {
		if len(results) == MaxSearchResults {
			break
		}
		if _, dup := seen[candidate.Conversation.ID]; dup {
			continue
		}
		seen[candidate.Conversation.ID] = struct{}{}
		results = append(results, withoutEmbedding(candidate.Conversation))
		semanticCount++
	}
	for _, conv := range keywordMatches {
		if len(results) == MaxSearchResults {
			break
		}
		if _, dup := seen[conv.ID]; dup {
			continue
		}
		seen[conv.ID] = struct{}{}
		results = append(results, withoutEmbedding(conv))
		keywordCount++
	}

	s.log.V(1).Info("Search completed", "semantic", semanticCount, "keyword", keywordCount, "candidates", len(scored))
	return results, semanticCount, keywordCount, nil
}

// semanticCandidates scores every analyzed conversation and keeps those above the threshold,
// best first. Equal scores keep the store's ascending-ID order.
func (s *SearchService) semanticCandidates(ctx context.Context, queryVector []float32) ([]ScoredCandidate, error) {
	analyzed, err := s.dbStore.FetchAnalyzed(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch analyzed conversations: %w", err)
	}

	scored := make([]ScoredCandidate, 0, len(analyzed))
	for _, conv := range analyzed {
		similarity, err := utils.CosineSimilarity(queryVector, conv.Embedding)
		if err != nil {
			s.log.Info("Skipping conversation with unusable embedding", "conversationID", conv.ID, "error", err.Error())
			s.metrics.SkippedEmbedding()
			continue
		}
		if similarity > SimilarityThreshold {
			scored = append(scored, ScoredCandidate{Conversation: conv, Score: similarity})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored, nil
}

func (s *SearchService) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if s.cache != nil {
		if vector, ok := s.cache.Get(query); ok {
			s.metrics.QueryCacheLookup(true)
			return vector, nil
		}
		s.metrics.QueryCacheLookup(false)
	}

	vector, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, providerError("embed query", err)
	}
	if want := s.provider.Dimensions(); len(vector) != want {
		return nil, fmt.Errorf("%w: query embedding has %d dimensions, want %d", ErrProvider, len(vector), want)
	}

	if s.cache != nil {
		s.cache.Put(query, vector)
	}
	return vector, nil
}

func withoutEmbedding(c store.Conversation) store.Conversation {
	c.Embedding = nil
	return c
}

func searchStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	default:
		return "error"
	}
}
