package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"gwi.com/chat-history/internal/metrics"
	"gwi.com/chat-history/internal/store"
)

// Analyzer summarizes a conversation, embeds the summary and marks the conversation ended.
// Concurrent calls for the same conversation share one provider round-trip and one save.
type Analyzer struct {
	dbStore  store.ConversationStore
	provider AIProvider
	metrics  *metrics.Metrics
	log      logr.Logger

	group   singleflight.Group
	now     func() time.Time
	timeout time.Duration // bound on one shared analysis
}

const defaultAnalysisTimeout = 2 * time.Minute

func NewAnalyzer(db store.ConversationStore, provider AIProvider, m *metrics.Metrics, log logr.Logger) *Analyzer {
	return &Analyzer{
		dbStore:  db,
		provider: provider,
		metrics:  m,
		log:      log.WithName("analyzer"),
		now:      time.Now,
		timeout:  defaultAnalysisTimeout,
	}
}

func (a *Analyzer) Analyze(ctx context.Context, conversationID string) (*Analysis, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidArgument)
	}

	start := time.Now()
	ch := a.group.DoChan(conversationID, func() (interface{}, error) {
		// Joined callers must not fail because the first caller went away.
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		return a.analyze(workCtx, conversationID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		a.metrics.ObserveAnalysis("cancelled", time.Since(start))
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Shared {
		a.log.V(1).Info("Analysis shared with a concurrent caller", "conversationID", conversationID)
	}
	if res.Err != nil {
		a.metrics.ObserveAnalysis(analysisStatus(res.Err), time.Since(start))
		return nil, res.Err
	}
	a.metrics.ObserveAnalysis("ok", time.Since(start))

	result := res.Val.(*Analysis)
	return &Analysis{
		Summary:   result.Summary,
		KeyPoints: append([]string(nil), result.KeyPoints...),
	}, nil
}

func (a *Analyzer) analyze(ctx context.Context, conversationID string) (*Analysis, error) {
	conv, err := a.dbStore.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeError("load conversation", err)
	}

	messages, err := a.dbStore.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, storeError("load messages", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: conversation %s has no messages, nothing to analyze", ErrInvalidState, conversationID)
	}

	payload, err := a.provider.AnalyzeTranscript(ctx, Transcript(messages))
	if err != nil {
		return nil, providerError("analyze transcript", err)
	}
	analysis, err := ParseAnalysis(payload)
	if err != nil {
		a.log.Info("Provider returned an unusable analysis", "conversationID", conversationID, "error", err.Error())
		return nil, err
	}

	embedding, err := a.provider.Embed(ctx, analysis.Summary)
	if err != nil {
		return nil, providerError("embed summary", err)
	}
	if want := a.provider.Dimensions(); len(embedding) != want {
		return nil, fmt.Errorf("%w: summary embedding has %d dimensions, want %d", ErrProvider, len(embedding), want)
	}

	endedAt := a.now().UTC()
	summary := analysis.Summary
	conv.Summary = &summary
	conv.KeyPoints = append([]string{}, analysis.KeyPoints...)
	conv.Embedding = embedding
	conv.Status = store.StatusEnded
	conv.EndedAt = &endedAt
	if err := a.dbStore.SaveConversation(ctx, conv); err != nil {
		return nil, storeError("save analysis", err)
	}

	a.log.Info("Conversation analyzed", "conversationID", conversationID, "keyPoints", len(analysis.KeyPoints))
	return analysis, nil
}

// Transcript renders messages as "<sender>: <content>" lines, oldest first.
func Transcript(messages []store.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Sender, m.Content))
	}
	return strings.Join(lines, "\n")
}

func analysisStatus(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAnalysisParse):
		return "parse_error"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	default:
		return "error"
	}
}
