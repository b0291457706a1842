// Command orchestrator-worker pulls run requests from Pub/Sub and drives
// executions through the stage handlers. It also sweeps for executions whose
// worker died mid-stage and publishes them again.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/bootstrap"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/pipeline"
)

const serviceName = "orchestrator-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	deps, err := bootstrap.Init(ctx, serviceName)
	if err != nil {
		return err
	}
	defer deps.Close()

	handlers, err := deps.StageHandlers(ctx)
	if err != nil {
		return err
	}
	client, err := deps.PubSub(ctx)
	if err != nil {
		return err
	}
	dispatcher, err := deps.RunDispatcher(ctx)
	if err != nil {
		return err
	}

	cfg := deps.Config
	orch := deps.Orchestrator(handlers)
	subscriber := pipeline.NewSubscriber(client.Subscription(cfg.Queue.RunSubscription), orch, cfg.Pipeline.Workers, deps.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return subscriber.Run(gctx) })
	g.Go(func() error { return deps.Sweeper(dispatcher).Run(gctx) })
	deps.Logger.Info("Orchestrator worker started.", "workers", cfg.Pipeline.Workers, "subscription", cfg.Queue.RunSubscription)
	return g.Wait()
}
