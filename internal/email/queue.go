package email

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

// Queue runs extractions inside the process for deployments without Pub/Sub.
// A transient failure is retried with doubling backoff; a malformed message
// is not. A message that exhausts its attempts stays pending and is announced
// again when the sender redelivers it.
type Queue struct {
	extract     func(ctx context.Context, n models.ExtractionNotification) ([]models.DocumentObject, error)
	pending     chan models.ExtractionNotification
	maxAttempts int
	initial     time.Duration
	ceiling     time.Duration
	logger      *slog.Logger
}

func NewQueue(extractor *Extractor, capacity, maxAttempts int, initial, ceiling time.Duration, logger *slog.Logger) *Queue {
	return &Queue{
		extract:     extractor.Extract,
		pending:     make(chan models.ExtractionNotification, capacity),
		maxAttempts: max(maxAttempts, 1),
		initial:     initial,
		ceiling:     ceiling,
		logger:      logger,
	}
}

// NotifyExtraction enqueues n, blocking while the queue is full.
func (q *Queue) NotifyExtraction(ctx context.Context, n models.ExtractionNotification) error {
	select {
	case q.pending <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run extracts queued messages one at a time until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-q.pending:
			q.process(ctx, n)
		}
	}
}

func (q *Queue) process(ctx context.Context, n models.ExtractionNotification) {
	logCtx := q.logger.With("messageId", n.MessageID)
	backoff := q.initial
	for attempt := 1; ; attempt++ {
		_, err := q.extract(ctx, n)
		switch {
		case err == nil, ctx.Err() != nil:
			return
		case errors.Is(err, ErrMalformedMessage):
			return
		case attempt >= q.maxAttempts:
			logCtx.Error("Extraction failed, giving up until redelivery", "attempts", attempt, "error", err)
			return
		}
		logCtx.Warn("Extraction failed, retrying.", "attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff *= 2; q.ceiling > 0 && backoff > q.ceiling {
			backoff = q.ceiling
		}
	}
}
