package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/panjf2000/ants/v2"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/config"
	"github.com/nikhilbhutani/docchat/internal/llm"
)

// Provider is the part of the LLM gateway the embedding service needs.
type Provider interface {
	Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error)
}

// Vector is one embedding tagged with the model that produced it, so a
// model change can be detected at query time.
type Vector struct {
	Values []float32
	Model  string
}

type Options struct {
	Model       string
	Dimension   int
	BatchSize   int
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	CacheSize   int
	CacheTTL    time.Duration
}

func OptionsFromConfig(cfg config.EmbeddingConfig) Options {
	return Options{
		Model:       cfg.Model,
		Dimension:   cfg.Dimension,
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    30 * time.Second,
		Timeout:     cfg.Timeout,
		CacheSize:   cfg.CacheSize,
		CacheTTL:    cfg.CacheTTL,
	}
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = "text-embedding-3-small"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 1024
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 30 * time.Minute
	}
	return o
}

type Service struct {
	provider Provider
	opts     Options
	pool     *ants.Pool
	queries  *expirable.LRU[string, []float32]
	logger   *slog.Logger
}

func NewService(p Provider, opts Options, logger *slog.Logger) (*Service, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	return &Service{
		provider: p,
		opts:     opts,
		pool:     pool,
		queries:  expirable.NewLRU[string, []float32](opts.CacheSize, nil, opts.CacheTTL),
		logger:   logger,
	}, nil
}

func (s *Service) Model() string { return s.opts.Model }

// Release stops the worker pool. The service must not be used afterwards.
func (s *Service) Release() { s.pool.Release() }

// Embed returns one vector per text, in input order. Batches run
// concurrently on the pool; each is retried while its error is transient.
func (s *Service) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([]Vector, len(texts))
	numBatches := (len(texts) + s.opts.BatchSize - 1) / s.opts.BatchSize
	errs := make([]error, numBatches)

	var wg sync.WaitGroup
	for b := 0; b < numBatches; b++ {
		lo := b * s.opts.BatchSize
		hi := min(lo+s.opts.BatchSize, len(texts))

		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			vecs, err := s.embedBatch(ctx, texts[lo:hi])
			if err != nil {
				errs[b] = err
				cancel()
				return
			}
			copy(out[lo:hi], vecs)
		})
		if err != nil {
			wg.Done()
			errs[b] = apperr.Transient(fmt.Errorf("submit embedding batch: %w", err))
			cancel()
			break
		}
	}
	wg.Wait()

	if err := firstError(errs); err != nil {
		return nil, err
	}
	return out, nil
}

// firstError prefers the failure that caused the cancellation over the
// context errors of sibling batches.
func firstError(errs []error) error {
	var fallback error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if fallback == nil {
			fallback = err
		}
	}
	return fallback
}

func (s *Service) embedBatch(ctx context.Context, batch []string) ([]Vector, error) {
	var vecs []Vector
	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
			defer cancel()

			resp, err := s.provider.Embed(callCtx, llm.EmbeddingRequest{Model: s.opts.Model, Input: batch})
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					return apperr.Transient(fmt.Errorf("embedding call timed out: %w", err))
				}
				return err
			}
			if len(resp.Embeddings) != len(batch) {
				return apperr.Transient(fmt.Errorf("got %d embeddings for %d inputs", len(resp.Embeddings), len(batch)))
			}

			model := resp.Model
			if model == "" {
				model = s.opts.Model
			}
			vecs = make([]Vector, len(resp.Embeddings))
			for i, e := range resp.Embeddings {
				if s.opts.Dimension > 0 && len(e) != s.opts.Dimension {
					return apperr.Permanent(fmt.Errorf("%w: model %s returned %d, want %d",
						apperr.ErrDimensionMismatch, model, len(e), s.opts.Dimension))
				}
				vecs[i] = Vector{Values: e, Model: model}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.opts.MaxAttempts)),
		retry.Delay(s.opts.BaseDelay),
		retry.MaxDelay(s.opts.MaxDelay),
		retry.MaxJitter(s.opts.BaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(apperr.IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("retrying embedding batch",
				"attempt", n+1,
				"batch_size", len(batch),
				"error", err,
			)
		}),
	)
	switch {
	case err == nil:
		return vecs, nil
	case apperr.IsPermanent(err):
		return nil, err
	case ctx.Err() != nil:
		return nil, apperr.Transient(fmt.Errorf("embed: %w", ctx.Err()))
	default:
		return nil, apperr.Transient(fmt.Errorf("embedding retries exhausted: %w", err))
	}
}

// EmbedQuery embeds a single chat query. Results are cached by model and
// text since users often repeat or retry questions.
func (s *Service) EmbedQuery(ctx context.Context, text string) (Vector, error) {
	key := cacheKey(s.opts.Model, text)
	if cached, ok := s.queries.Get(key); ok {
		return Vector{Values: clone(cached), Model: s.opts.Model}, nil
	}

	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return Vector{}, err
	}
	v := vecs[0]
	if v.Model == s.opts.Model {
		s.queries.Add(key, clone(v.Values))
	}
	return v, nil
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "embed:" + model + ":" + hex.EncodeToString(sum[:])
}

func clone(values []float32) []float32 {
	out := make([]float32, len(values))
	copy(out, values)
	return out
}
