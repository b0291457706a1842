// Package config loads the immutable pipeline configuration. A Config is read
// once at process start, validated, and passed by value into every
// constructor; nothing reads ambient process state afterwards.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

const (
	EnvConfigPath    = "PIPELINE_CONFIG"
	EnvProjectID     = "PROJECT_ID"
	EnvStoreDSN      = "STORE_DSN"
	EnvSentryDSN     = "SENTRY_DSN"
	EnvLogLevel      = "LOG_LEVEL"
	EnvSigningSecret = "GRANT_SIGNING_SECRET"
	EnvEnvironment   = "PIPELINE_ENV"

	DefaultConfigFile = "pipeline.yaml"
)

// Storage backends.
const (
	BackendGCS         = "gcs"
	BackendLocal       = "local"
	BackendMemory      = "memory"
	BackendFirestore   = "firestore"
	BackendPostgres    = "postgres"
	BackendPubSub      = "pubsub"
	SignerGCS          = "gcs"
	SignerHMAC         = "hmac"
	BodyPolicyNever    = "never"
	BodyPolicyAlways   = "always"
	BodyPolicyFallback = "fallback"
)

// Config is the root configuration for every pipeline process.
type Config struct {
	ProjectID string         `yaml:"project_id"`
	LogLevel  string         `yaml:"log_level"`
	Zones     []models.Zone  `yaml:"zones"`
	Trigger   TriggerConfig  `yaml:"trigger"`
	Email     EmailConfig    `yaml:"email"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Storage   StorageConfig  `yaml:"storage"`
	Store     StoreConfig    `yaml:"store"`
	Queue     QueueConfig    `yaml:"queue"`
	Gateway   GatewayConfig  `yaml:"gateway"`
	Alerts    AlertsConfig   `yaml:"alerts"`
	HTTP      HTTPConfig     `yaml:"http"`
	Vertex    VertexConfig   `yaml:"vertex"`
}

// TriggerConfig selects the one zone whose writes start executions.
type TriggerConfig struct {
	Zone         string        `yaml:"zone"`
	Pattern      string        `yaml:"pattern"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// EmailConfig configures the intake adapter and the extraction stage.
type EmailConfig struct {
	Zone       string   `yaml:"zone"`
	Recipients []string `yaml:"recipients"`
	BodyPolicy string   `yaml:"body_policy"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	ScratchZone    string                       `yaml:"scratch_zone"`
	QuarantineZone string                       `yaml:"quarantine_zone"`
	MaxAttempts    int                          `yaml:"max_attempts"`
	InitialBackoff time.Duration                `yaml:"initial_backoff"`
	MaxBackoff     time.Duration                `yaml:"max_backoff"`
	StageTimeout   time.Duration                `yaml:"stage_timeout"`
	Workers        int                          `yaml:"workers"`
	QueueCapacity  int                          `yaml:"queue_capacity"`
	ResumeAfter    time.Duration                `yaml:"resume_after"`
	ResumeInterval time.Duration                `yaml:"resume_interval"`
	Stages         map[models.Stage]StageConfig `yaml:"stages"`

	// RecordStore is the canonical identifier of the structured clinical
	// record store handed to the ingest stage. DatastoreID is a legacy alias
	// accepted only when it names the same store.
	RecordStore string `yaml:"record_store"`
	DatastoreID string `yaml:"datastore_id"`
}

// StageConfig describes how to reach one stage handler.
type StageConfig struct {
	URL      string            `yaml:"url"`
	Audience string            `yaml:"audience"`
	Timeout  time.Duration     `yaml:"timeout"`
	Config   map[string]string `yaml:"config"`
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Root    string `yaml:"root"`
}

// StoreConfig selects the execution state backend.
type StoreConfig struct {
	Backend          string `yaml:"backend"`
	DSN              string `yaml:"dsn"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// QueueConfig names the topics and subscriptions used between functions.
type QueueConfig struct {
	Backend         string `yaml:"backend"`
	RunTopic        string `yaml:"run_topic"`
	RunSubscription string `yaml:"run_subscription"`
	ExtractionTopic string `yaml:"extraction_topic"`
}

// GatewayConfig configures write grants.
type GatewayConfig struct {
	GrantTTL       time.Duration `yaml:"grant_ttl"`
	Signer         string        `yaml:"signer"`
	BaseURL        string        `yaml:"base_url"`
	ServiceAccount string        `yaml:"service_account"`
	SigningSecret  string        `yaml:"-"`
}

// AlertsConfig configures the operational alert channel.
type AlertsConfig struct {
	SentryDSN   string `yaml:"sentry_dsn"`
	Environment string `yaml:"environment"`
	Release     string `yaml:"release"`
}

// VertexConfig selects the model behind the reference router stage.
type VertexConfig struct {
	Region string `yaml:"region"`
	Model  string `yaml:"model"`
}

// HTTPConfig configures the local daemon listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when a file leaves values unset.
func Default() Config {
	return Config{
		LogLevel: "info",
		Trigger: TriggerConfig{
			Zone:         "incoming",
			Pattern:      `^incoming/.+`,
			DedupeWindow: 10 * time.Minute,
		},
		Email: EmailConfig{
			Zone:       "raw-email",
			BodyPolicy: BodyPolicyFallback,
		},
		Pipeline: PipelineConfig{
			ScratchZone:    "scratch",
			QuarantineZone: "quarantine",
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
			StageTimeout:   60 * time.Second,
			Workers:        8,
			QueueCapacity:  256,
			ResumeAfter:    15 * time.Minute,
			ResumeInterval: 5 * time.Minute,
		},
		Storage: StorageConfig{Backend: BackendGCS},
		Store:   StoreConfig{Backend: BackendFirestore, CollectionPrefix: "pipeline"},
		Queue: QueueConfig{
			Backend:         BackendPubSub,
			RunTopic:        "pipeline-runs",
			RunSubscription: "pipeline-runs-worker",
			ExtractionTopic: "email-extraction",
		},
		Gateway: GatewayConfig{
			GrantTTL: 15 * time.Minute,
			Signer:   SignerGCS,
		},
		HTTP:   HTTPConfig{Addr: ":8080"},
		Vertex: VertexConfig{Region: "us-central1", Model: "gemini-2.5-flash"},
	}
}

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Load reads the file named by PIPELINE_CONFIG (or pipeline.yaml), applies
// environment overrides and validates the result.
func Load() (Config, error) {
	return LoadFile(GetEnv(EnvConfigPath, DefaultConfigFile))
}

// LoadFile reads and validates the configuration at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides and validates.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ProjectID = GetEnv(EnvProjectID, c.ProjectID)
	c.Store.DSN = GetEnv(EnvStoreDSN, c.Store.DSN)
	c.Alerts.SentryDSN = GetEnv(EnvSentryDSN, c.Alerts.SentryDSN)
	c.Alerts.Environment = GetEnv(EnvEnvironment, c.Alerts.Environment)
	c.LogLevel = GetEnv(EnvLogLevel, c.LogLevel)
	c.Gateway.SigningSecret = GetEnv(EnvSigningSecret, c.Gateway.SigningSecret)
}

func (c *Config) normalize() {
	for i, r := range c.Email.Recipients {
		c.Email.Recipients[i] = strings.ToLower(strings.TrimSpace(r))
	}
	if c.Pipeline.RecordStore == "" {
		c.Pipeline.RecordStore = c.Pipeline.DatastoreID
	}
}

// Zone returns the zone named name.
func (c Config) Zone(name string) (models.Zone, bool) {
	for _, z := range c.Zones {
		if z.Name == name {
			return z, true
		}
	}
	return models.Zone{}, false
}

// StageConfigFor returns the handler settings for stage with the ingest
// stage's record store folded into its config map.
func (c Config) StageConfigFor(stage models.Stage) StageConfig {
	sc := c.Pipeline.Stages[stage]
	if sc.Timeout <= 0 {
		sc.Timeout = c.Pipeline.StageTimeout
	}
	merged := make(map[string]string, len(sc.Config)+1)
	for k, v := range sc.Config {
		merged[k] = v
	}
	if stage == models.StageIngest && c.Pipeline.RecordStore != "" {
		merged["record_store"] = c.Pipeline.RecordStore
	}
	sc.Config = merged
	return sc
}

// Level parses LogLevel into a slog level, defaulting to Info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
