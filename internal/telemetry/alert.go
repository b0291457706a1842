package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// AlertKind classifies an operator-visible failure.
type AlertKind string

const (
	AlertPermanentFailure  AlertKind = "permanent_failure"
	AlertRetriesExhausted  AlertKind = "retries_exhausted"
	AlertExtractionFailure AlertKind = "extraction_failure"
)

// Alert carries the execution id, failing stage and cause of a failure.
type Alert struct {
	Kind        AlertKind
	ExecutionID string
	DocumentKey string
	Stage       string
	MessageID   string
	Cause       string
}

func (a Alert) String() string {
	return fmt.Sprintf("%s: %s", a.Kind, a.Cause)
}

// Alerter delivers operational alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts at Error level. It is used when no Sentry DSN is configured.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l LogAlerter) Alert(ctx context.Context, a Alert) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "Operational alert.",
		"alertKind", a.Kind,
		"executionId", a.ExecutionID,
		"documentKey", a.DocumentKey,
		"stage", a.Stage,
		"messageId", a.MessageID,
		"cause", a.Cause,
	)
}

// SentryConfig configures the Sentry client.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string

	// Transport overrides the HTTP transport. Tests use it to capture events.
	Transport sentry.Transport
}

// SentryAlerter reports alerts to Sentry and mirrors them to the log.
type SentryAlerter struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

// NewSentryAlerter builds a hub of its own so alerts never depend on global state.
func NewSentryAlerter(cfg SentryConfig, logger *slog.Logger) (*SentryAlerter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		ServerName:  cfg.ServerName,
		Transport:   cfg.Transport,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if event.Request != nil && event.Request.Headers != nil {
				delete(event.Request.Headers, "Authorization")
				delete(event.Request.Headers, "Cookie")
			}
			return event
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	logger.Info("Sentry initialized", "environment", cfg.Environment, "release", cfg.Release)
	return &SentryAlerter{hub: sentry.NewHub(client, sentry.NewScope()), logger: logger}, nil
}

func (s *SentryAlerter) Alert(ctx context.Context, a Alert) {
	LogAlerter{Logger: s.logger}.Alert(ctx, a)
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("alertKind", string(a.Kind))
		if a.ExecutionID != "" {
			scope.SetTag("executionId", a.ExecutionID)
		}
		if a.Stage != "" {
			scope.SetTag("stage", a.Stage)
		}
		if a.MessageID != "" {
			scope.SetTag("messageId", a.MessageID)
		}
		scope.SetContext("document", sentry.Context{"key": a.DocumentKey})
		s.hub.CaptureException(errors.New(a.String()))
	})
}

// Flush waits for queued events. Call it before the process exits.
func (s *SentryAlerter) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

// NewAlerter returns a SentryAlerter when dsn is set and a LogAlerter otherwise.
func NewAlerter(cfg SentryConfig, logger *slog.Logger) (Alerter, error) {
	if cfg.DSN == "" {
		logger.Warn("Sentry DSN not configured - alerts go to the log only")
		return LogAlerter{Logger: logger}, nil
	}
	return NewSentryAlerter(cfg, logger)
}
