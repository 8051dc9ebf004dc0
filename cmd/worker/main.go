package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/docchat/internal/config"
	"github.com/nikhilbhutani/docchat/internal/database"
	"github.com/nikhilbhutani/docchat/internal/document"
	"github.com/nikhilbhutani/docchat/internal/embedding"
	"github.com/nikhilbhutani/docchat/internal/janitor"
	"github.com/nikhilbhutani/docchat/internal/llm"
	"github.com/nikhilbhutani/docchat/internal/lock"
	"github.com/nikhilbhutani/docchat/internal/queue"
	"github.com/nikhilbhutani/docchat/internal/queue/workers"
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
	tracker := status.NewTracker(repo, status.NewRedisBroadcaster(rdb), logger)
	vectors := vectorstore.NewPgVectorStore(db)
	locker := lock.NewRedisLocker(rdb)
	processor := document.NewProcessorFromConfig(cfg.Ingestion, logger)

	gw := llm.NewGateway(cfg.LLM, cfg.Embedding.Provider)
	embedder, err := embedding.NewService(gw, embedding.OptionsFromConfig(cfg.Embedding), logger)
	if err != nil {
		slog.Error("embedding service", "error", err)
		os.Exit(1)
	}
	defer embedder.Release()

	pipeline := rag.NewPipeline(processor, embedder, vectors, logger)
	ingest := workers.NewIngestWorker(repo, blobs, pipeline, tracker, locker, cfg.Ingestion.LockTTL, logger)

	// the janitor purges through the document service so vectors, blob and
	// row go together
	asynqClient := asynq.NewClient(queue.RedisOpt(cfg.Redis))
	defer asynqClient.Close()
	inspector := asynq.NewInspector(queue.RedisOpt(cfg.Redis))
	defer inspector.Close()
	dispatcher := queue.NewDispatcher(asynqClient, inspector, tracker, cfg.Ingestion, logger)
	docs := document.NewService(repo, blobs, vectors, dispatcher, locker, tracker, processor, logger)

	jan := janitor.New(docs, cfg.Janitor, logger)
	if err := jan.Start(ctx); err != nil {
		slog.Error("invalid janitor schedule", "error", err)
		os.Exit(1)
	}
	defer jan.Stop()

	srv := queue.NewServer(queue.RedisOpt(cfg.Redis), cfg.Ingestion, logger)
	if err := srv.Start(queue.NewMux(asynq.HandlerFunc(ingest.ProcessTask))); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
	slog.Info("starting worker", "concurrency", cfg.Ingestion.Concurrency)

	<-ctx.Done()
	slog.Info("shutting down worker...")
	srv.Shutdown()
	slog.Info("worker stopped")
}
