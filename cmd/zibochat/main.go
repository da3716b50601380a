package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/catalog"
	"github.com/zibochat/engine/internal/chat"
	"github.com/zibochat/engine/internal/config"
	"github.com/zibochat/engine/internal/conversation"
	"github.com/zibochat/engine/internal/embed"
	"github.com/zibochat/engine/internal/genai"
	"github.com/zibochat/engine/internal/httpapi"
	"github.com/zibochat/engine/internal/memory"
	"github.com/zibochat/engine/internal/observability"
	"github.com/zibochat/engine/internal/profile"
	"github.com/zibochat/engine/internal/queue"
	"github.com/zibochat/engine/internal/storage"
)

func main() {
	// Local runs keep secrets in .env; absence is fine in production.
	_ = godotenv.Load()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	backend, err := storage.NewBackend(ctx, cfg.StorageBackend, cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage backend init failed")
	}
	defer backend.Close()

	turns := conversation.NewLog(backend, cfg.HistoryMaxLimit, logger.With().Str("component", "conversation").Logger())

	profiles, err := profile.NewCache(backend, cfg.ProfileCacheSize, cfg.ProfileCacheTTL, metrics, logger.With().Str("component", "profile").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("profile cache init failed")
	}
	defer profiles.Close()

	memories := memory.NewSummarizer(backend, logger.With().Str("component", "memory").Logger())

	embedder := embed.NewLocal(cfg.EmbeddingDim)
	index := catalog.NewIndex(embedder, cfg.RetrievalStrict, metrics, logger.With().Str("component", "catalog").Logger())

	q := queue.New(queue.Config{
		Workers:    cfg.QueueWorkers,
		Depth:      cfg.QueueDepth,
		MaxRetries: cfg.QueueMaxRetries,
	}, metrics, logger.With().Str("component", "queue").Logger())

	generator, err := genai.New(cfg.GeneratorMode, cfg.GeneratorURL, cfg.GeneratorAPIKey, cfg.GeneratorModel, cfg.GeneratorTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("generator init failed")
	}

	engine := chat.NewEngine(chat.Options{
		HistoryWindow:   cfg.HistoryWindow,
		TopK:            cfg.RetrievalTopK,
		AssembleTimeout: cfg.AssembleTimeout,
	}, turns, profiles, memories, index, q, generator, backend, metrics, logger.With().Str("component", "chat").Logger())

	api := httpapi.New(cfg, engine, logger.With().Str("component", "httpapi").Logger())
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	// Give acknowledged turns a chance to commit before exit.
	q.Drain(10 * time.Second)

	logger.Info().Msg("shutdown complete")
}
