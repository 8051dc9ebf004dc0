package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/config"
)

const (
	retryBase = 2 * time.Second
	retryCap  = 10 * time.Minute
)

// RetryDelay backs off exponentially from two seconds, capped at ten
// minutes, with up to 20% jitter.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	d := retryBase
	for i := 0; i < n && d < retryCap; i++ {
		d *= 2
	}
	d = min(d, retryCap)
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// IsFailure keeps lock contention out of the retry budget: a job that found
// its document locked is rescheduled without counting an attempt.
func IsFailure(err error) bool {
	return !errors.Is(err, apperr.ErrBusy)
}

// NewServer builds the asynq worker server for ingestion jobs.
func NewServer(redis asynq.RedisClientOpt, cfg config.IngestionConfig, logger *slog.Logger) *asynq.Server {
	return asynq.NewServer(redis, asynq.Config{
		Concurrency:    cfg.Concurrency,
		Queues:         map[string]int{QueueIngest: 1},
		RetryDelayFunc: RetryDelay,
		IsFailure:      IsFailure,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Warn("ingest job failed",
				"type", task.Type(),
				"attempt", retried+1,
				"error", err,
			)
		}),
		Logger:          slogAdapter{logger},
		ShutdownTimeout: 30 * time.Second,
	})
}

// NewMux routes ingestion tasks to h.
func NewMux(h asynq.Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeDocumentIngest, h)
	return mux
}

// slogAdapter lets asynq log through slog.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a slogAdapter) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}
