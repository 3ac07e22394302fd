package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"gwi.com/chat-history/internal/core"
)

var (
	backfillMinAge      time.Duration
	backfillConcurrency int
	backfillRate        float64
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Analyze conversations that were never analyzed",
	Long: `Summarizes and embeds every conversation without an analysis that started
at least --min-age ago, so semantic search can find it. Runs once and exits.`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().DurationVar(&backfillMinAge, "min-age", time.Hour, "only analyze conversations started at least this long ago")
	backfillCmd.Flags().IntVarP(&backfillConcurrency, "concurrency", "c", 4, "number of conversations analyzed in parallel")
	backfillCmd.Flags().Float64Var(&backfillRate, "rate", 2, "maximum analyses started per second (0 = unlimited)")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	analyzer := core.NewAnalyzer(a.store, a.provider, a.metrics, a.log)

	var limiter *rate.Limiter
	if backfillRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(backfillRate), 1)
	}

	var bar *progressbar.ProgressBar
	result, err := analyzer.Backfill(ctx, core.BackfillOptions{
		MinAge:      backfillMinAge,
		Concurrency: backfillConcurrency,
		Limiter:     limiter,
		OnStart: func(total int) {
			bar = progressbar.NewOptions(total,
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Analyzing[reset]"),
				progressbar.OptionOnCompletion(func() {
					fmt.Println()
				}),
			)
		},
		OnProgress: func() {
			_ = bar.Add(1)
		},
	})
	if result != nil {
		fmt.Printf("Analyzed %d of %d conversations (%d without messages, %d failed)\n",
			result.Analyzed, result.Candidates, result.Skipped, result.Failed)
	}
	return err
}
