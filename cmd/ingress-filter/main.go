package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/bootstrap"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/ingress"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

const serviceName = "ingress-filter"

var (
	deps    *bootstrap.Deps
	service *ingress.Service
	once    sync.Once
	initErr error
)

func init() {
	slog.SetDefault(telemetry.NewLogger(serviceName, slog.LevelInfo))

	// Triggered by Eventarc for every object finalized in any zone bucket.
	functions.CloudEvent("FilterStorageEvent", filterStorageEvent)
}

// main is required by the Go Functions Framework.
func main() {}

func setup(ctx context.Context) error {
	var err error
	if deps, err = bootstrap.Init(ctx, serviceName); err != nil {
		return err
	}
	dispatcher, err := deps.RunDispatcher(ctx)
	if err != nil {
		return err
	}
	// The function only admits; stages run on the orchestrator workers.
	service, err = deps.Ingress(deps.Orchestrator(nil), dispatcher)
	return err
}

func filterStorageEvent(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		initErr = setup(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	n, err := ingress.FromStorageEvent(deps.Topology, e)
	if err != nil {
		deps.Logger.Error("Failed to decode storage event", "error", err, "eventId", e.ID(), "data", string(e.Data()))
		return fmt.Errorf("decode storage event: %w", err)
	}
	if _, err := service.Handle(ctx, n); err != nil {
		// Returning the error makes Eventarc redeliver; admission dedupes it.
		return err
	}
	return nil
}
