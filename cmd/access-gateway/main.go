package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/bootstrap"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gateway"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

const serviceName = "access-gateway"

var (
	handler http.HandlerFunc
	once    sync.Once
	initErr error
)

func init() {
	slog.SetDefault(telemetry.NewLogger(serviceName, slog.LevelInfo))

	functions.HTTP("IssueGrant", issueGrant)
}

// main is required by the Go Functions Framework.
func main() {}

func setup(ctx context.Context) error {
	deps, err := bootstrap.Init(ctx, serviceName)
	if err != nil {
		return err
	}
	g, _, err := deps.Gateway()
	if err != nil {
		return err
	}
	handler = gateway.GrantHandler(g, deps.Logger)
	return nil
}

func issueGrant(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		initErr = setup(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: access gateway initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	handler(w, r)
}
