// Command pipelined runs the whole pipeline in one process against a local
// directory or in-memory object store. Writes into zone directories are
// picked up by a filesystem watcher and fed through the same ingress path
// the Cloud Storage trigger uses.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/bootstrap"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/email"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/pipeline"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
)

const serviceName = "pipelined"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Daemon stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	deps, err := bootstrap.Init(ctx, serviceName)
	if err != nil {
		return err
	}
	defer deps.Close()
	cfg := deps.Config
	logger := deps.Logger

	handlers, err := deps.StageHandlers(ctx)
	if err != nil {
		return err
	}
	orch := deps.Orchestrator(handlers)
	pool := pipeline.NewPool(orch, cfg.Pipeline.Workers, cfg.Pipeline.QueueCapacity, logger)
	svc, err := deps.Ingress(orch, pool)
	if err != nil {
		return err
	}
	extractor, err := deps.Extractor()
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)

	extractions := email.NewQueue(extractor, cfg.Pipeline.QueueCapacity, cfg.Pipeline.MaxAttempts, cfg.Pipeline.InitialBackoff, cfg.Pipeline.MaxBackoff, logger)
	intake := deps.Intake(extractions)
	g.Go(func() error { return extractions.Run(gctx) })

	switch backend := deps.Backend.(type) {
	case *storage.LocalBackend:
		watcher := storage.NewWatcher(backend, deps.Topology, svc.Notify, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	case *storage.MemoryBackend:
		storage.NotifyOnWrite(backend, deps.Topology, svc.Notify)
	default:
		logger.Warn("Storage backend has no local change feed. Only direct API writes reach the pipeline.", "backend", cfg.Storage.Backend)
	}

	routes, err := newAPI(deps, intake, pool)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           routes.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pool.Start(gctx)
	g.Go(func() error {
		pool.Wait()
		return nil
	})
	g.Go(func() error { return deps.Sweeper(pool).Run(gctx) })
	g.Go(func() error {
		logger.Info("Listening.", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
