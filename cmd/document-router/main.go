package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/bootstrap"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gcp"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/pipeline"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/services"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

const serviceName = "document-router"

var (
	handler http.HandlerFunc
	once    sync.Once
	initErr error
)

func init() {
	slog.SetDefault(telemetry.NewLogger(serviceName, slog.LevelInfo))

	// Called by the orchestrator with a StageRequest for the router stage.
	functions.HTTP("RouteDocument", routeDocument)
}

// main is required by the Go Functions Framework.
func main() {}

func setup(ctx context.Context) error {
	deps, err := bootstrap.Init(ctx, serviceName)
	if err != nil {
		return err
	}
	cfg := deps.Config
	vertexClient, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.Vertex.Region, cfg.Vertex.Model)
	if err != nil {
		return err
	}
	router := services.NewRouter(deps.Substrate, vertexClient, cfg.Pipeline.ScratchZone, deps.Logger)
	handler = pipeline.ServeStage(router, deps.Logger)
	return nil
}

func routeDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		initErr = setup(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: router initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	handler(w, r)
}
