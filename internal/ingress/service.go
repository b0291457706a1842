package ingress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/pipeline"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/store"
)

// Admitter creates executions for accepted notifications.
type Admitter interface {
	Admit(ctx context.Context, n models.Notification, documentRef string) (store.AdmitResult, *models.Execution, error)
}

// Result summarizes what happened to one notification.
type Result struct {
	Decision    Decision
	Admission   store.AdmitResult
	ExecutionID string
}

// Service filters notifications, admits executions and dispatches them.
type Service struct {
	filter     *Filter
	substrate  *storage.Substrate
	admitter   Admitter
	dispatcher pipeline.Dispatcher
	logger     *slog.Logger
}

func NewService(filter *Filter, substrate *storage.Substrate, admitter Admitter, dispatcher pipeline.Dispatcher, logger *slog.Logger) *Service {
	return &Service{filter: filter, substrate: substrate, admitter: admitter, dispatcher: dispatcher, logger: logger}
}

// Handle processes one notification. An error means the notification should
// be redelivered; dedupe makes the redelivery harmless.
func (s *Service) Handle(ctx context.Context, n models.Notification) (Result, error) {
	logCtx := s.logger.With("documentKey", n.DocumentKey, "zone", n.Zone, "eventType", n.EventType)

	d := s.filter.Evaluate(n)
	if !d.Accept {
		logCtx.Debug("Notification ignored.", "reason", d.Reason)
		return Result{Decision: d}, nil
	}
	ref, err := s.substrate.Ref(d.DocumentKey)
	if err != nil {
		return Result{Decision: d}, fmt.Errorf("resolve %s: %w", d.DocumentKey, err)
	}
	res, exec, err := s.admitter.Admit(ctx, n, ref)
	if err != nil {
		return Result{Decision: d}, err
	}
	out := Result{Decision: d, Admission: res}
	if exec == nil {
		return out, nil
	}
	out.ExecutionID = exec.ID
	if err := s.dispatcher.Dispatch(ctx, exec.ID); err != nil {
		// The execution is committed as Running; the resume sweep picks it up.
		logCtx.Error("Failed to dispatch admitted execution", "executionId", exec.ID, "error", err)
		return out, fmt.Errorf("dispatch %s: %w", exec.ID, err)
	}
	logCtx.Info("Execution dispatched.", "executionId", exec.ID)
	return out, nil
}

// Notify adapts Handle to storage.NotifyFunc for in-process backends.
func (s *Service) Notify(ctx context.Context, n models.Notification) {
	if _, err := s.Handle(ctx, n); err != nil {
		s.logger.Error("Failed to handle storage notification", "documentKey", n.DocumentKey, "error", err)
	}
}
