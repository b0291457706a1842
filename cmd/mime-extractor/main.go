package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/bootstrap"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/email"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gcp"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

const serviceName = "mime-extractor"

var (
	deps      *bootstrap.Deps
	extractor *email.Extractor
	once      sync.Once
	initErr   error
)

func init() {
	slog.SetDefault(telemetry.NewLogger(serviceName, slog.LevelInfo))

	// Subscribed to the extraction topic through Eventarc.
	functions.CloudEvent("ExtractEmail", extractEmail)
}

// main is required by the Go Functions Framework.
func main() {}

func setup(ctx context.Context) error {
	var err error
	if deps, err = bootstrap.Init(ctx, serviceName); err != nil {
		return err
	}
	extractor, err = deps.Extractor()
	return err
}

func extractEmail(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		initErr = setup(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var n models.ExtractionNotification
	msg, err := gcp.DecodePushEvent(e, &n)
	if err != nil {
		deps.Logger.Error("Failed to decode extraction notification", "error", err, "eventId", e.ID())
		return fmt.Errorf("decode extraction notification: %w", err)
	}
	logCtx := deps.Logger.With("messageId", n.MessageID, "pubsubMessageId", msg.Message.MessageID)

	docs, err := extractor.Extract(ctx, n)
	if errors.Is(err, email.ErrMalformedMessage) {
		// Already alerted and recorded as failed; a redelivery cannot fix it.
		logCtx.Warn("Dropping malformed message.", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	logCtx.Info("Extraction finished.", "documents", len(docs))
	return nil
}
