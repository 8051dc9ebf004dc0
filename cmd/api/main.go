package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/docchat/internal/api"
	"github.com/nikhilbhutani/docchat/internal/api/handlers"
	"github.com/nikhilbhutani/docchat/internal/auth"
	"github.com/nikhilbhutani/docchat/internal/chat"
	"github.com/nikhilbhutani/docchat/internal/config"
	"github.com/nikhilbhutani/docchat/internal/database"
	"github.com/nikhilbhutani/docchat/internal/document"
	"github.com/nikhilbhutani/docchat/internal/embedding"
	"github.com/nikhilbhutani/docchat/internal/llm"
	"github.com/nikhilbhutani/docchat/internal/lock"
	"github.com/nikhilbhutani/docchat/internal/queue"
	"github.com/nikhilbhutani/docchat/internal/rag"
	"github.com/nikhilbhutani/docchat/internal/status"
	"github.com/nikhilbhutani/docchat/internal/storage"
	"github.com/nikhilbhutani/docchat/internal/vectorstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db, cfg.Database.MigrationsPath); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	blobs, err := storage.NewS3Storage(ctx, cfg.Storage)
	if err != nil {
		slog.Error("object storage unavailable", "error", err)
		os.Exit(1)
	}

	repo := document.NewPostgresRepository(db)
	bus := status.NewRedisBroadcaster(rdb)
	tracker := status.NewTracker(repo, bus, logger)
	vectors := vectorstore.NewPgVectorStore(db)
	locker := lock.NewRedisLocker(rdb)

	asynqClient := asynq.NewClient(queue.RedisOpt(cfg.Redis))
	defer asynqClient.Close()
	inspector := asynq.NewInspector(queue.RedisOpt(cfg.Redis))
	defer inspector.Close()
	dispatcher := queue.NewDispatcher(asynqClient, inspector, tracker, cfg.Ingestion, logger)

	docs := document.NewService(repo, blobs, vectors, dispatcher, locker, tracker,
		document.NewProcessorFromConfig(cfg.Ingestion, logger), logger)

	gw := llm.NewGateway(cfg.LLM, cfg.Embedding.Provider)
	embedder, err := embedding.NewService(gw, embedding.OptionsFromConfig(cfg.Embedding), logger)
	if err != nil {
		slog.Error("embedding service", "error", err)
		os.Exit(1)
	}
	defer embedder.Release()

	orch := chat.NewOrchestrator(chat.NewPostgresStore(db), rag.NewRetriever(vectors, embedder), gw, locker,
		chat.OptionsFromConfig(cfg.Chat, cfg.LLM), logger)

	router := api.NewRouter(api.Deps{
		Config:       cfg.Server,
		Documents:    docs,
		Chat:         orch,
		Push:         status.NewPushWatcher(repo, bus, cfg.Server.StatusResyncInterval),
		Poll:         status.NewPollWatcher(repo, cfg.Server.StatusPollInterval),
		Authenticate: auth.NewJWTMiddleware(cfg.Auth.JWTSecret).Authenticate,
		Checks: map[string]handlers.Pinger{
			"database": db,
			"redis":    handlers.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router.Setup(ctx),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: chat and status streams stay open longer than
		// any fixed limit; generation has its own timeout
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
