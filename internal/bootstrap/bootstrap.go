// Package bootstrap builds the pipeline components from a validated
// config.Config. Every process entry point goes through it so a function and
// the local daemon wire the same pieces the same way.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/config"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/email"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gateway"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gcp"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/ingress"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/pipeline"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/store"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

// Deps holds the shared infrastructure of one process.
type Deps struct {
	Config    config.Config
	Service   string
	Logger    *slog.Logger
	Topology  storage.Topology
	Backend   storage.Backend
	Substrate *storage.Substrate
	Store     store.Store
	Alerter   telemetry.Alerter

	pubsub  *pubsub.Client
	closers []func() error
}

// Init loads the configuration named by the environment, installs the
// service logger and opens the shared dependencies.
func Init(ctx context.Context, service string) (*Deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := telemetry.Init(service, cfg.Level())
	return Open(ctx, cfg, service, logger)
}

// Open connects the object store, the execution store and the alert channel.
func Open(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*Deps, error) {
	d := &Deps{
		Config:   cfg,
		Service:  service,
		Logger:   logger,
		Topology: storage.NewTopology(cfg.Zones),
	}
	if cfg.HasAlias() {
		logger.Warn("datastore_id is deprecated, use record_store")
	}

	backend, err := d.openBackend(ctx)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Backend = backend
	d.Substrate = storage.NewSubstrate(d.Topology, backend)

	if d.Store, err = d.openStore(ctx); err != nil {
		d.Close()
		return nil, err
	}
	d.closers = append(d.closers, d.Store.Close)

	alerter, err := telemetry.NewAlerter(telemetry.SentryConfig{
		DSN:         cfg.Alerts.SentryDSN,
		Environment: cfg.Alerts.Environment,
		Release:     cfg.Alerts.Release,
		ServerName:  service,
	}, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	if s, ok := alerter.(*telemetry.SentryAlerter); ok {
		d.closers = append(d.closers, func() error {
			s.Flush(2 * time.Second)
			return nil
		})
	}
	d.Alerter = alerter
	return d, nil
}

func (d *Deps) openBackend(ctx context.Context) (storage.Backend, error) {
	switch d.Config.Storage.Backend {
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		d.closers = append(d.closers, client.Close)
		return storage.NewGCSBackend(client), nil
	case config.BackendLocal:
		return storage.NewLocalBackend(d.Config.Storage.Root)
	case config.BackendMemory:
		return storage.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", d.Config.Storage.Backend)
}

func (d *Deps) openStore(ctx context.Context) (store.Store, error) {
	switch d.Config.Store.Backend {
	case config.BackendFirestore:
		client, err := gcp.NewFirestoreClient(ctx, d.Config.ProjectID)
		if err != nil {
			return nil, err
		}
		return store.NewFirestore(client, d.Config.Store.CollectionPrefix, nil), nil
	case config.BackendPostgres:
		return store.OpenPostgres(ctx, d.Config.Store.DSN, nil)
	case config.BackendMemory:
		return store.NewMemory(nil), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", d.Config.Store.Backend)
}

// Close releases everything Open and the builders acquired, newest first.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Options translates the pipeline section of the config.
func (d *Deps) Options() pipeline.Options {
	cfg := d.Config
	opts := pipeline.Options{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		InitialBackoff: cfg.Pipeline.InitialBackoff,
		MaxBackoff:     cfg.Pipeline.MaxBackoff,
		DedupeWindow:   cfg.Trigger.DedupeWindow,
		DefaultTimeout: cfg.Pipeline.StageTimeout,
		StageTimeouts:  make(map[models.Stage]time.Duration, len(models.Stages)),
		StageConfig:    make(map[models.Stage]map[string]string, len(models.Stages)),
	}
	for _, stage := range models.Stages {
		sc := cfg.StageConfigFor(stage)
		opts.StageTimeouts[stage] = sc.Timeout
		opts.StageConfig[stage] = sc.Config
	}
	return opts
}

// StageHandlers builds an HTTP client for every configured stage.
func (d *Deps) StageHandlers(ctx context.Context) (map[models.Stage]pipeline.StageHandler, error) {
	handlers := make(map[models.Stage]pipeline.StageHandler, len(models.Stages))
	for _, stage := range models.Stages {
		sc := d.Config.StageConfigFor(stage)
		if sc.URL == "" {
			return nil, fmt.Errorf("stage %q has no url", stage)
		}
		h, err := pipeline.NewHTTPStage(ctx, sc.URL, sc.Audience)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", stage, err)
		}
		handlers[stage] = h
	}
	return handlers, nil
}

// Orchestrator builds the state machine driver over handlers.
func (d *Deps) Orchestrator(handlers map[models.Stage]pipeline.StageHandler, options ...pipeline.Option) *pipeline.Orchestrator {
	quarantine := pipeline.NewQuarantineWriter(d.Substrate, d.Config.Pipeline.QuarantineZone)
	return pipeline.NewOrchestrator(d.Store, handlers, quarantine, d.Alerter, d.Logger, d.Options(), options...)
}

// Sweeper re-dispatches executions that stopped making progress.
func (d *Deps) Sweeper(dispatcher pipeline.Dispatcher) *pipeline.Sweeper {
	p := d.Config.Pipeline
	return pipeline.NewSweeper(d.Store, dispatcher, pipeline.SystemClock{}, p.ResumeAfter, p.ResumeInterval, d.Logger)
}

// Ingress builds the loop-preventing notification handler.
func (d *Deps) Ingress(admitter ingress.Admitter, dispatcher pipeline.Dispatcher) (*ingress.Service, error) {
	filter, err := ingress.NewFilter(d.Topology, d.Config.Trigger.Pattern)
	if err != nil {
		return nil, err
	}
	return ingress.NewService(filter, d.Substrate, admitter, dispatcher, d.Logger), nil
}

// Intake builds the email intake adapter.
func (d *Deps) Intake(notifier email.Notifier) *email.Intake {
	return email.NewIntake(d.Substrate, d.Store, notifier, d.Config.Email.Zone, d.Config.Email.Recipients, d.Logger)
}

// Extractor writes message parts into the triggering zone.
func (d *Deps) Extractor() (*email.Extractor, error) {
	zone, ok := d.Topology.Triggering()
	if !ok {
		return nil, errors.New("no triggering zone configured")
	}
	return email.NewExtractor(d.Substrate, d.Store, d.Alerter, zone.Name, d.Config.Email.BodyPolicy, d.Logger), nil
}

// Gateway builds the write-grant issuer. The HMAC signer is returned as well
// when configured, since the upload endpoint needs it to verify grants.
func (d *Deps) Gateway() (*gateway.Gateway, *gateway.HMACSigner, error) {
	gw := d.Config.Gateway
	var (
		signer gateway.Signer
		hmac   *gateway.HMACSigner
	)
	switch gw.Signer {
	case config.SignerGCS:
		backend, ok := d.Backend.(*storage.GCSBackend)
		if !ok {
			return nil, nil, fmt.Errorf("gcs signer needs the gcs storage backend, have %q", d.Config.Storage.Backend)
		}
		signer = gateway.NewGCSSigner(backend, gw.ServiceAccount)
	case config.SignerHMAC:
		hmac = gateway.NewHMACSigner(gw.BaseURL, []byte(gw.SigningSecret), time.Now)
		signer = hmac
	default:
		return nil, nil, fmt.Errorf("unknown gateway signer %q", gw.Signer)
	}
	g, err := gateway.New(d.Topology, d.Config.Trigger.Pattern, signer, gw.GrantTTL, time.Now, d.Logger)
	if err != nil {
		return nil, nil, err
	}
	return g, hmac, nil
}

// PubSub returns the process's Pub/Sub client, connecting on first use.
func (d *Deps) PubSub(ctx context.Context) (*pubsub.Client, error) {
	if d.pubsub != nil {
		return d.pubsub, nil
	}
	client, err := gcp.NewPubSubClient(ctx, d.Config.ProjectID)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, client.Close)
	d.pubsub = client
	return client, nil
}

// Publisher publishes CloudEvents tagged with the process's service name.
func (d *Deps) Publisher(ctx context.Context) (*gcp.Publisher, error) {
	client, err := d.PubSub(ctx)
	if err != nil {
		return nil, err
	}
	return gcp.NewPublisher(client, d.Service), nil
}

// RunDispatcher publishes run requests onto the configured run topic.
func (d *Deps) RunDispatcher(ctx context.Context) (*pipeline.TopicDispatcher, error) {
	publisher, err := d.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	return pipeline.NewTopicDispatcher(publisher, d.Config.Queue.RunTopic), nil
}
