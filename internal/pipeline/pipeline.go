// Package pipeline drives each document through the fixed stage sequence
// Router, Splitter, Guardrail, Ingest. Every transition is committed to the
// store before the next stage is dispatched, so a crashed worker's execution
// is resumed from its last committed state by whichever worker picks it up.
package pipeline

import (
	"context"
	"time"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

// StageHandler invokes one external stage. A returned error is a transport
// failure and is retried like a TransientError.
type StageHandler interface {
	Invoke(ctx context.Context, req models.StageRequest) (models.StageResponse, error)
}

// StageFunc adapts a function to StageHandler.
type StageFunc func(ctx context.Context, req models.StageRequest) (models.StageResponse, error)

func (f StageFunc) Invoke(ctx context.Context, req models.StageRequest) (models.StageResponse, error) {
	return f(ctx, req)
}

// Runner drives one execution to a terminal state or until it must yield.
type Runner interface {
	Run(ctx context.Context, executionID string) error
}

// Dispatcher hands an execution to some worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID string) error
}

// Clock abstracts time so retries can be tested without waiting.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff returns the delay before retry number attempt (1-based), doubling
// from initial and capped at ceiling.
func Backoff(initial, ceiling time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
