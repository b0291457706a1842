// Package telemetry sets up structured logging and the operational alert
// channel shared by every pipeline process.
package telemetry

import (
	"io"
	"log/slog"
	"os"
)

// HandlerOptions maps slog's keys onto the ones Cloud Logging reads.
func HandlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: a.Value}
			case slog.LevelKey:
				return slog.Attr{Key: "severity", Value: a.Value}
			}
			return a
		},
	}
}

// NewLogger returns a JSON logger writing to stdout tagged with service.
func NewLogger(service string, level slog.Level) *slog.Logger {
	return NewLoggerTo(os.Stdout, service, level)
}

// NewLoggerTo is NewLogger with an explicit sink.
func NewLoggerTo(w io.Writer, service string, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, HandlerOptions(level))).With("service", service)
}

// Init installs the service logger as the process default and returns it.
func Init(service string, level slog.Level) *slog.Logger {
	logger := NewLogger(service, level)
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
