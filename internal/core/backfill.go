package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type BackfillOptions struct {
	MinAge      time.Duration // only conversations started at least this long ago
	Concurrency int
	Limiter     *rate.Limiter // optional; paces provider round-trips
	OnStart     func(total int)
	OnProgress  func() // called once per processed conversation, possibly concurrently
}

type BackfillResult struct {
	Candidates int
	Analyzed   int64
	Skipped    int64 // conversations without messages
	Failed     int64
}

// Backfill analyzes every unanalyzed conversation older than MinAge. A single conversation
// failing is logged and counted; only cancellation aborts the run.
func (a *Analyzer) Backfill(ctx context.Context, opts BackfillOptions) (*BackfillResult, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	convs, err := a.dbStore.FetchUnanalyzed(ctx)
	if err != nil {
		return nil, storeError("fetch unanalyzed conversations", err)
	}

	cutoff := a.now().Add(-opts.MinAge)
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		if !c.CreatedAt.After(cutoff) {
			ids = append(ids, c.ID)
		}
	}

	result := &BackfillResult{Candidates: len(ids)}
	a.log.Info("Starting backfill", "candidates", len(ids), "concurrency", opts.Concurrency)
	if opts.OnStart != nil {
		opts.OnStart(len(ids))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if opts.Limiter != nil {
				if err := opts.Limiter.Wait(gctx); err != nil {
					return err
				}
			}
			defer func() {
				if opts.OnProgress != nil {
					opts.OnProgress()
				}
			}()

			_, err := a.Analyze(gctx, id)
			switch {
			case err == nil:
				atomic.AddInt64(&result.Analyzed, 1)
			case errors.Is(err, ErrInvalidState):
				atomic.AddInt64(&result.Skipped, 1)
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				atomic.AddInt64(&result.Failed, 1)
				a.log.Error(err, "Backfill analysis failed", "conversationID", id)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("backfill aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("backfill aborted: %w", err)
	}

	a.log.Info("Backfill complete", "analyzed", result.Analyzed, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}
