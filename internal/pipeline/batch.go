package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/sitemirror/internal/model"
)

// MirrorFunc mirrors one seed and returns its summary.
type MirrorFunc func(ctx context.Context, seed string) (*model.Summary, error)

// BatchProcessor mirrors several seeds concurrently, one crawl per seed.
type BatchProcessor struct {
	mirror      MirrorFunc
	concurrency int
	logger      *slog.Logger

	results []*model.Summary
	mu      sync.Mutex
}

// BatchOption configures a BatchProcessor.
type BatchOption func(*BatchProcessor)

// WithBatchLogger sets a custom logger for batch processing.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *BatchProcessor) {
		b.logger = logger
	}
}

// WithConcurrency sets the number of seeds mirrored at once.
// Default is 1 if not specified.
func WithConcurrency(n int) BatchOption {
	return func(b *BatchProcessor) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// NewBatchProcessor creates a new BatchProcessor.
func NewBatchProcessor(mirror MirrorFunc, opts ...BatchOption) *BatchProcessor {
	bp := &BatchProcessor{
		mirror:      mirror,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(bp)
	}
	if bp.logger == nil {
		bp.logger = slog.Default()
	}
	return bp
}

// ProcessBatch mirrors every seed and returns one summary per seed, in input
// order. A failing seed does not stop the others; its summary carries the
// error and the joined seed errors are returned alongside the summaries.
func (bp *BatchProcessor) ProcessBatch(ctx context.Context, seeds []string) ([]*model.Summary, error) {
	bp.logger.Info("starting batch",
		"seeds", len(seeds),
		"concurrency", bp.concurrency,
	)
	startTime := time.Now()

	bp.results = make([]*model.Summary, len(seeds))
	errs := make([]error, len(seeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bp.concurrency)

	for i, seed := range seeds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				bp.store(i, failedSummary(seed, err))
				errs[i] = fmt.Errorf("%s: %w", seed, err)
				return nil
			}

			summary, err := bp.mirror(gctx, seed)
			if err != nil {
				if summary == nil {
					summary = failedSummary(seed, err)
				} else if summary.Error == "" {
					summary.Error = err.Error()
				}
				errs[i] = fmt.Errorf("%s: %w", seed, err)
				bp.logger.Warn("mirror failed", "seed", seed, "error", err)
			} else if summary == nil {
				summary = model.NewSummary(seed, "")
			}
			bp.store(i, summary)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors

	bp.logger.Info("batch complete",
		"seeds", len(seeds),
		"elapsed", time.Since(startTime),
	)
	return bp.results, errors.Join(errs...)
}

func (bp *BatchProcessor) store(i int, s *model.Summary) {
	bp.mu.Lock()
	bp.results[i] = s
	bp.mu.Unlock()
}

func failedSummary(seed string, err error) *model.Summary {
	s := model.NewSummary(seed, "")
	s.Error = err.Error()
	s.Finish()
	return s
}
