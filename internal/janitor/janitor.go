// Package janitor purges documents that have sat in the failed state past
// their retention period.
package janitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nikhilbhutani/docchat/internal/config"
)

const batchSize = 100

// Purger deletes failed documents last updated before cutoff.
type Purger interface {
	PurgeFailed(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type Janitor struct {
	purger    Purger
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	running   atomic.Bool
	ctx       context.Context
	now       func() time.Time
	logger    *slog.Logger
}

func New(purger Purger, cfg config.JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Janitor{
		purger:    purger,
		retention: cfg.FailedRetention,
		schedule:  cfg.Schedule,
		cron:      cron.New(cron.WithParser(parser)),
		now:       time.Now,
		logger:    logger.With("job", "purge_failed"),
	}
}

// Start schedules the purge. A run still in progress when the next one is
// due causes that one to be skipped.
func (j *Janitor) Start(ctx context.Context) error {
	j.ctx = ctx
	if _, err := j.cron.AddFunc(j.schedule, j.tick); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor scheduled", "schedule", j.schedule, "retention", j.retention)
	return nil
}

func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) tick() {
	if _, err := j.RunOnce(j.ctx); err != nil {
		j.logger.Error("purge failed documents", "error", err)
	}
}

// RunOnce purges in batches until nothing older than the retention remains.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	if !j.running.CompareAndSwap(false, true) {
		j.logger.Info("job skipped: still running")
		return 0, nil
	}
	defer j.running.Store(false)

	start := time.Now()
	cutoff := j.now().Add(-j.retention)
	total := 0
	for {
		n, err := j.purger.PurgeFailed(ctx, cutoff, batchSize)
		total += n
		if err != nil {
			return total, err
		}
		// a short batch means the rest were skipped or gone
		if n < batchSize {
			break
		}
	}
	j.logger.Info("job finished", "purged", total, "duration", time.Since(start))
	return total, nil
}
