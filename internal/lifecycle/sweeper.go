package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/repolens/internal/store"
)

const sweepBatch = 100

// Sweeper fails jobs that have been running longer than staleAfter without a
// callback. A zero staleAfter disables it.
type Sweeper struct {
	store      store.Store
	finalizer  *Finalizer
	staleAfter time.Duration
	interval   time.Duration
}

func NewSweeper(st store.Store, f *Finalizer, staleAfter, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:      st,
		finalizer:  f,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

func (s *Sweeper) Enabled() bool {
	return s.staleAfter > 0
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	slog.Info("stale job sweeper started", "stale_after", s.staleAfter.String(), "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("stale job sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce fails every currently stale job and returns how many it finalized.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.staleAfter)
	msg := fmt.Sprintf("no callback received within %s", s.staleAfter)

	swept := 0
	for {
		ids, err := s.store.ListStaleRunning(ctx, cutoff, sweepBatch)
		if err != nil {
			return swept, fmt.Errorf("list stale jobs: %w", err)
		}
		for _, id := range ids {
			_, already, err := s.finalizer.Finalize(ctx, id, Failed(msg, nil))
			if err != nil {
				return swept, fmt.Errorf("finalize stale job %s: %w", id, err)
			}
			if !already {
				swept++
				slog.Warn("stale job failed", "correlation_id", id, "stale_after", s.staleAfter.String())
			}
		}
		if len(ids) < sweepBatch {
			return swept, nil
		}
	}
}
