package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/store"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

// ReasonInterrupted closes an invocation that was dispatched by a worker
// which never recorded its outcome.
const ReasonInterrupted = "interrupted"

// ErrNoHandler is returned when a stage has no handler wired in.
var ErrNoHandler = errors.New("no handler for stage")

// Options are the orchestrator's retry and timeout settings.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DedupeWindow   time.Duration
	// StageTimeouts bounds each invocation. A missing entry uses DefaultTimeout.
	StageTimeouts  map[models.Stage]time.Duration
	DefaultTimeout time.Duration
	StageConfig    map[models.Stage]map[string]string
}

func (o Options) timeout(stage models.Stage) time.Duration {
	if d, ok := o.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return o.DefaultTimeout
}

// Orchestrator runs executions through the stage state machine.
type Orchestrator struct {
	store      store.Store
	handlers   map[models.Stage]StageHandler
	quarantine *QuarantineWriter
	alerter    telemetry.Alerter
	clock      Clock
	logger     *slog.Logger
	opts       Options
	newID      func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDs replaces the execution id generator.
func WithIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

func NewOrchestrator(
	st store.Store,
	handlers map[models.Stage]StageHandler,
	quarantine *QuarantineWriter,
	alerter telemetry.Alerter,
	logger *slog.Logger,
	opts Options,
	options ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		handlers:   handlers,
		quarantine: quarantine,
		alerter:    alerter,
		clock:      SystemClock{},
		logger:     logger,
		opts:       opts,
		newID:      uuid.NewString,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Admit creates a Running execution for an accepted notification unless the
// store reports a duplicate or an active run for the same key.
func (o *Orchestrator) Admit(ctx context.Context, n models.Notification, documentRef string) (store.AdmitResult, *models.Execution, error) {
	exec := &models.Execution{
		ID:          o.newID(),
		DocumentKey: n.DocumentKey,
		DocumentRef: documentRef,
		ContentHash: n.Hash,
		Provenance:  n.Provenance(),
		State:       models.StateStarted,
		Status:      models.StatusRunning,
		InputRef:    documentRef,
	}
	logCtx := o.logger.With("documentKey", n.DocumentKey, "contentHash", n.Hash)

	res, err := o.store.Admit(ctx, exec, o.opts.DedupeWindow)
	if err != nil {
		logCtx.Error("Failed to admit execution", "error", err)
		return store.AdmitResult{}, nil, err
	}
	switch {
	case res.Admitted:
		logCtx.Info("Execution admitted.", "executionId", exec.ID, "provenance", exec.Provenance)
		return res, exec, nil
	case res.Reason == store.ReasonActiveRun && res.ExistingHash != n.Hash:
		logCtx.Warn("Document key already has a running execution with different content. Ignoring notification.",
			"existingExecutionId", res.ExistingID, "existingHash", res.ExistingHash)
	default:
		logCtx.Info("Duplicate notification. Skipping.", "reason", res.Reason, "existingExecutionId", res.ExistingID)
	}
	return res, nil, nil
}

// Run drives execution id until it reaches a terminal state. It returns nil
// without further work when another worker has committed past this one.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	exec, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	logCtx := o.logger.With("executionId", exec.ID, "documentKey", exec.DocumentKey)
	if exec.Status != models.StatusRunning {
		logCtx.Info("Execution already finished.", "status", exec.Status)
		return nil
	}

	if last := exec.Last(); last != nil && last.InFlight() {
		if o.clock.Now().Sub(last.StartedAt) < o.opts.timeout(last.Stage) {
			logCtx.Info("Stage invocation still within its timeout on another worker. Yielding.", "stage", last.Stage, "attempt", last.Attempt)
			return nil
		}
		logCtx.Warn("Closing interrupted stage invocation.", "stage", last.Stage, "attempt", last.Attempt)
		last.Outcome = models.OutcomeTransientError
		last.Reason = ReasonInterrupted
		last.CompletedAt = o.clock.Now()
		var alert *telemetry.Alert
		if o.exhausted(exec, last.Stage) {
			alert = o.fail(logCtx, exec, last.Stage, retriesExhausted(exec, last.Stage), telemetry.AlertRetriesExhausted)
		}
		if done, err := o.commit(ctx, logCtx, exec); done || err != nil {
			return err
		}
		o.raise(ctx, alert)
	}

	for !exec.State.Terminal() {
		if exec.State == models.StateStarted {
			next, _ := exec.State.Next()
			exec.State = next
			if done, err := o.commit(ctx, logCtx, exec); done || err != nil {
				return err
			}
			continue
		}
		if yield, err := o.step(ctx, logCtx, exec); yield || err != nil {
			return err
		}
	}
	logCtx.Info("Execution finished.", "status", exec.Status, "state", exec.State)
	return nil
}

// step performs one invocation of the current state's stage and commits the
// result. yield is true when Run must stop without error.
func (o *Orchestrator) step(ctx context.Context, logCtx *slog.Logger, exec *models.Execution) (yield bool, err error) {
	stage, ok := exec.State.Stage()
	if !ok {
		return true, fmt.Errorf("state %s has no stage", exec.State)
	}
	handler, ok := o.handlers[stage]
	if !ok {
		return true, fmt.Errorf("%w %s", ErrNoHandler, stage)
	}
	logCtx = logCtx.With("stage", stage)

	attempts := exec.Attempts(stage)
	if attempts > 0 {
		backoff := Backoff(o.opts.InitialBackoff, o.opts.MaxBackoff, attempts)
		logCtx.Info("Retrying stage after backoff.", "attempt", attempts+1, "backoff", backoff.String())
		if err := o.clock.Sleep(ctx, backoff); err != nil {
			return true, err
		}
	}

	exec.History = append(exec.History, models.StageInvocation{
		Stage:     stage,
		Attempt:   attempts + 1,
		InputRef:  exec.InputRef,
		StartedAt: o.clock.Now(),
	})
	if done, err := o.commit(ctx, logCtx, exec); done || err != nil {
		return true, err
	}

	req := models.StageRequest{
		DocumentKey: exec.DocumentKey,
		ExecutionID: exec.ID,
		StageName:   stage,
		InputRef:    exec.InputRef,
		Attempt:     attempts + 1,
		StageConfig: o.opts.StageConfig[stage],
	}
	resp, err := o.invoke(ctx, handler, req)
	if err != nil {
		// The worker is shutting down. The invocation stays in flight and is
		// closed as interrupted by whoever resumes the execution.
		return true, err
	}

	inv := exec.Last()
	inv.Outcome = resp.Outcome
	inv.OutputRef = resp.OutputRef
	inv.Reason = resp.Reason
	inv.CompletedAt = o.clock.Now()
	logCtx = logCtx.With("attempt", inv.Attempt, "outcome", resp.Outcome)

	var alert *telemetry.Alert
	switch resp.Outcome {
	case models.OutcomeAccepted:
		if resp.OutputRef != "" {
			exec.InputRef = resp.OutputRef
		}
		next, _ := exec.State.Next()
		exec.State = next
		if next == models.StateSucceeded {
			exec.Status = models.StatusSucceeded
		}
		logCtx.Info("Stage accepted.", "outputRef", resp.OutputRef, "nextState", next)
	case models.OutcomeRejected:
		if err := o.quarantineExecution(ctx, logCtx, exec, stage, resp.Reason); err != nil {
			return true, err
		}
	case models.OutcomeTransientError:
		if o.exhausted(exec, stage) {
			alert = o.fail(logCtx, exec, stage, retriesExhausted(exec, stage), telemetry.AlertRetriesExhausted)
		} else {
			logCtx.Warn("Stage failed transiently, will retry.", "reason", resp.Reason)
		}
	case models.OutcomePermanentError:
		alert = o.fail(logCtx, exec, stage, resp.Reason, telemetry.AlertPermanentFailure)
	}

	// Only the worker whose commit lands raises the alert.
	if done, err := o.commit(ctx, logCtx, exec); done || err != nil {
		return true, err
	}
	o.raise(ctx, alert)
	return false, nil
}

// invoke calls handler under the stage timeout and folds every failure mode
// into a StageResponse. It only returns an error when ctx itself is done.
func (o *Orchestrator) invoke(ctx context.Context, handler StageHandler, req models.StageRequest) (models.StageResponse, error) {
	timeout := o.opts.timeout(req.StageName)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A handler that ignores callCtx is abandoned at the deadline. Its late
	// result lands in the buffered channel and is dropped.
	type result struct {
		resp models.StageResponse
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := handler.Invoke(callCtx, req)
		results <- result{resp, err}
	}()

	var res result
	select {
	case res = <-results:
	case <-callCtx.Done():
	}
	if ctx.Err() != nil {
		return models.StageResponse{}, ctx.Err()
	}
	if callCtx.Err() != nil {
		return models.TransientError(fmt.Sprintf("timeout after %s", timeout)), nil
	}
	resp, err := res.resp, res.err
	if err != nil {
		return models.TransientError(err.Error()), nil
	}
	switch resp.Outcome {
	case models.OutcomeAccepted, models.OutcomeRejected, models.OutcomeTransientError, models.OutcomePermanentError:
		return resp, nil
	default:
		return models.PermanentError(fmt.Sprintf("handler returned unknown outcome %q", resp.Outcome)), nil
	}
}

func (o *Orchestrator) quarantineExecution(ctx context.Context, logCtx *slog.Logger, exec *models.Execution, stage models.Stage, reason string) error {
	ref, err := o.quarantine.Write(ctx, models.QuarantineRecord{
		DocumentKey: exec.DocumentKey,
		DocumentRef: exec.DocumentRef,
		ExecutionID: exec.ID,
		Stage:       stage,
		Reason:      reason,
		Timestamp:   o.clock.Now(),
	})
	if err != nil {
		logCtx.Error("Failed to write quarantine record", "error", err)
		return err
	}
	exec.State = models.StateQuarantined
	exec.Status = models.StatusQuarantined
	exec.FailedStage = stage
	exec.Reason = reason
	logCtx.Warn("Document quarantined.", "reason", reason, "quarantineRef", ref)
	return nil
}

// fail moves exec to Failed and returns the alert to raise once the state is
// committed.
func (o *Orchestrator) fail(logCtx *slog.Logger, exec *models.Execution, stage models.Stage, reason string, kind telemetry.AlertKind) *telemetry.Alert {
	exec.State = models.StateFailed
	exec.Status = models.StatusFailed
	exec.FailedStage = stage
	exec.Reason = reason
	logCtx.Error("Execution failed.", "failedStage", stage, "reason", reason)
	return &telemetry.Alert{
		Kind:        kind,
		ExecutionID: exec.ID,
		DocumentKey: exec.DocumentKey,
		Stage:       string(stage),
		Cause:       reason,
	}
}

func (o *Orchestrator) raise(ctx context.Context, alert *telemetry.Alert) {
	if alert != nil {
		o.alerter.Alert(ctx, *alert)
	}
}

func (o *Orchestrator) exhausted(exec *models.Execution, stage models.Stage) bool {
	return exec.Attempts(stage) >= o.opts.MaxAttempts
}

func retriesExhausted(exec *models.Execution, stage models.Stage) string {
	cause := ""
	if last := exec.Last(); last != nil {
		cause = last.Reason
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %s", exec.Attempts(stage), cause)
}

// commit persists exec. done reports that this worker must stop: either the
// commit failed or another worker has moved the execution on.
func (o *Orchestrator) commit(ctx context.Context, logCtx *slog.Logger, exec *models.Execution) (done bool, err error) {
	err = o.store.Commit(ctx, exec)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, store.ErrConflict):
		logCtx.Info("Execution advanced by another worker. Yielding.", "version", exec.Version)
		return true, nil
	default:
		logCtx.Error("Failed to commit execution state", "error", err)
		return true, err
	}
}
