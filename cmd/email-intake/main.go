package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/bootstrap"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/email"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

const serviceName = "email-intake"

var (
	handler http.HandlerFunc
	once    sync.Once
	initErr error
)

func init() {
	slog.SetDefault(telemetry.NewLogger(serviceName, slog.LevelInfo))

	// "ReceiveEmail" is the entry point name configured in GCP.
	functions.HTTP("ReceiveEmail", receiveEmail)
}

// main is required by the Go Functions Framework.
func main() {}

func setup(ctx context.Context) error {
	deps, err := bootstrap.Init(ctx, serviceName)
	if err != nil {
		return err
	}
	publisher, err := deps.Publisher(ctx)
	if err != nil {
		return err
	}
	notifier := email.NewTopicNotifier(publisher, deps.Config.Queue.ExtractionTopic)
	handler = email.IntakeHandler(deps.Intake(notifier), deps.Logger)
	return nil
}

func receiveEmail(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		initErr = setup(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: email intake initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	handler(w, r)
}
