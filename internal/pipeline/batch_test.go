package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/sitemirror/internal/model"
)

// TestBatchProcessorNew tests the BatchProcessor constructor.
func TestBatchProcessorNew(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, string) (*model.Summary, error) { return nil, nil }

	t.Run("defaults to one seed at a time", func(t *testing.T) {
		t.Parallel()

		bp := NewBatchProcessor(noop)
		if bp.concurrency != 1 {
			t.Errorf("expected default concurrency 1, got %d", bp.concurrency)
		}
		if bp.logger == nil {
			t.Error("expected non-nil logger")
		}
	})

	t.Run("ignores non-positive concurrency", func(t *testing.T) {
		t.Parallel()

		if bp := NewBatchProcessor(noop, WithConcurrency(0)); bp.concurrency != 1 {
			t.Errorf("expected concurrency 1, got %d", bp.concurrency)
		}
		if bp := NewBatchProcessor(noop, WithConcurrency(4)); bp.concurrency != 4 {
			t.Errorf("expected concurrency 4, got %d", bp.concurrency)
		}
	})
}

// TestBatchProcessorProcessBatch tests batch processing.
func TestBatchProcessorProcessBatch(t *testing.T) {
	t.Parallel()

	t.Run("keeps input order", func(t *testing.T) {
		t.Parallel()

		bp := NewBatchProcessor(func(_ context.Context, seed string) (*model.Summary, error) {
			if strings.HasSuffix(seed, "a") {
				time.Sleep(20 * time.Millisecond)
			}
			return model.NewSummary(seed, "/out/"+seed), nil
		}, WithConcurrency(3))

		seeds := []string{"a", "b", "c"}
		results, err := bp.ProcessBatch(context.Background(), seeds)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, s := range results {
			if s.Seed != seeds[i] {
				t.Errorf("result %d: expected %s, got %s", i, seeds[i], s.Seed)
			}
		}
	})

	t.Run("respects the concurrency limit", func(t *testing.T) {
		t.Parallel()

		var running, peak atomic.Int32
		bp := NewBatchProcessor(func(_ context.Context, seed string) (*model.Summary, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return model.NewSummary(seed, ""), nil
		}, WithConcurrency(2))

		if _, err := bp.ProcessBatch(context.Background(), []string{"1", "2", "3", "4", "5"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if peak.Load() > 2 {
			t.Errorf("expected at most 2 concurrent mirrors, got %d", peak.Load())
		}
	})

	t.Run("records seed failures without stopping", func(t *testing.T) {
		t.Parallel()

		sentinel := errors.New("seed unreachable")
		bp := NewBatchProcessor(func(_ context.Context, seed string) (*model.Summary, error) {
			if seed == "bad" {
				return nil, sentinel
			}
			return model.NewSummary(seed, ""), nil
		}, WithConcurrency(2))

		results, err := bp.ProcessBatch(context.Background(), []string{"good", "bad"})
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected joined seed error, got %v", err)
		}
		if results[0].Error != "" {
			t.Errorf("expected good seed without error, got %q", results[0].Error)
		}
		if results[1] == nil || results[1].Error != sentinel.Error() {
			t.Errorf("expected failed summary for bad seed, got %+v", results[1])
		}
	})

	t.Run("cancelled batch reports every seed", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var calls atomic.Int32
		bp := NewBatchProcessor(func(context.Context, string) (*model.Summary, error) {
			calls.Add(1)
			return nil, nil
		})

		results, err := bp.ProcessBatch(ctx, []string{"x", "y"})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if calls.Load() != 0 {
			t.Errorf("expected no mirror to start, got %d", calls.Load())
		}
		for i, s := range results {
			if s == nil || s.Error == "" {
				t.Errorf("result %d: expected failed summary", i)
			}
		}
	})
}
