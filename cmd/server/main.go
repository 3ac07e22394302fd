package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"gwi.com/chat-history/internal/api"
	"gwi.com/chat-history/internal/cache"
	"gwi.com/chat-history/internal/config"
	"gwi.com/chat-history/internal/core"
	"gwi.com/chat-history/internal/metrics"
	"gwi.com/chat-history/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "chat-history",
	Short: "Chat history backend with hybrid conversation search",
	Long: `Serves the chat API: streamed AI replies, conversation history,
conversation analysis and hybrid (semantic + keyword) search.

Example usage:
  chat-history                       # Start the HTTP server
  chat-history backfill --min-age 1h # Analyze idle conversations and exit`,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds everything both commands share.
type app struct {
	cfg      *config.Config
	log      logr.Logger
	store    store.ConversationStore
	provider core.AIProvider
	metrics  *metrics.Metrics
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile))
	if cfg.Debug() {
		stdr.SetVerbosity(1)
		logger.Info("Service starting in DEBUG mode")
	}

	dbStore, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		dbStore.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      logger,
		store:    dbStore,
		provider: provider,
		metrics:  metrics.New(),
	}, nil
}

func newProvider(ctx context.Context, cfg *config.Config, logger logr.Logger) (core.AIProvider, error) {
	switch cfg.AIProvider {
	case config.ProviderOpenAI:
		return core.NewOpenAIProvider(cfg, logger), nil
	default:
		return core.NewGeminiProvider(ctx, cfg, logger)
	}
}

func (a *app) Close() {
	if err := a.provider.Close(); err != nil {
		a.log.Error(err, "Closing AI provider failed")
	}
	if err := a.store.Close(); err != nil {
		a.log.Error(err, "Closing database failed")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	queryCache := cache.NewQueryCache(a.cfg.QueryCacheSize, a.cfg.QueryCacheTTL)
	chatService := core.NewChatService(a.store, a.provider, a.metrics, a.log)
	searchService := core.NewSearchService(a.store, a.provider, queryCache, a.metrics, a.log)
	analyzer := core.NewAnalyzer(a.store, a.provider, a.metrics, a.log)

	apiHandler := api.NewAPIHandler(chatService, searchService, analyzer, a.log)
	router := api.NewRouter(apiHandler, a.metrics.Handler())

	serverAddr := fmt.Sprintf(":%s", a.cfg.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Streamed replies and analysis both wait on the model.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info("Starting server. Press Ctrl+C to quit.", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}
	a.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("Server exiting gracefully")
	return nil
}
