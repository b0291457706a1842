package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/store"
)

// Sweeper re-dispatches Running executions that have not been updated for a
// while. It is how an execution abandoned by a crashed worker gets resumed.
type Sweeper struct {
	store      store.Store
	dispatcher Dispatcher
	clock      Clock
	after      time.Duration
	interval   time.Duration
	logger     *slog.Logger
}

func NewSweeper(st store.Store, dispatcher Dispatcher, clock Clock, after, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: st, dispatcher: dispatcher, clock: clock, after: after, interval: interval, logger: logger}
}

// Sweep dispatches every stale execution once and reports how many it found.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.ListRunning(ctx, s.clock.Now().Add(-s.after))
	if err != nil {
		return 0, fmt.Errorf("list stale executions: %w", err)
	}
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)
	for _, exec := range stale {
		id := exec.ID
		eg.Go(func() error {
			if err := s.dispatcher.Dispatch(gctx, id); err != nil {
				return fmt.Errorf("resume %s: %w", id, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return len(stale), err
	}
	if len(stale) > 0 {
		s.logger.Info("Resumed stale executions.", "count", len(stale))
	}
	return len(stale), nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Resume sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
