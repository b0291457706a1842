package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

const validYAML = `
project_id: clinical-intake
zones:
  - {name: incoming, bucket: intake-docs, prefix: "", triggers_pipeline: true}
  - {name: raw-email, bucket: intake-email}
  - {name: scratch, bucket: intake-scratch}
  - {name: quarantine, bucket: intake-quarantine}
email:
  recipients: ["Intake@Clinic.example"]
pipeline:
  max_attempts: 3
  initial_backoff: 1s
  max_backoff: 8s
  record_store: fhir-main
  stages:
    router: {url: "https://router.example/run"}
    splitter: {url: "https://splitter.example/run", timeout: 2m}
    guardrail: {url: "https://guardrail.example/run"}
    ingest: {url: "https://ingest.example/run", config: {mode: upsert}}
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "clinical-intake", cfg.ProjectID)
	assert.Equal(t, []string{"intake@clinic.example"}, cfg.Email.Recipients)
	assert.Equal(t, time.Second, cfg.Pipeline.InitialBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Trigger.DedupeWindow, "defaults survive a partial file")

	z, ok := cfg.Zone("incoming")
	require.True(t, ok)
	assert.True(t, z.TriggersPipeline)

	splitter := cfg.StageConfigFor(models.StageSplitter)
	assert.Equal(t, 2*time.Minute, splitter.Timeout)
	router := cfg.StageConfigFor(models.StageRouter)
	assert.Equal(t, cfg.Pipeline.StageTimeout, router.Timeout)
	assert.NotContains(t, router.Config, "record_store")

	ingest := cfg.StageConfigFor(models.StageIngest)
	assert.Equal(t, "fhir-main", ingest.Config["record_store"])
	assert.Equal(t, "upsert", ingest.Config["mode"])
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv(EnvProjectID, "from-env")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ProjectID)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestRecordStoreAlias(t *testing.T) {
	t.Run("alias alone is promoted", func(t *testing.T) {
		data := strings.Replace(validYAML, "record_store: fhir-main", "datastore_id: fhir-legacy", 1)
		cfg, err := Parse([]byte(data))
		require.NoError(t, err)
		assert.Equal(t, "fhir-legacy", cfg.Pipeline.RecordStore)
		assert.Equal(t, "fhir-legacy", cfg.StageConfigFor(models.StageIngest).Config["record_store"])
		assert.True(t, cfg.HasAlias())
	})

	t.Run("matching alias is accepted", func(t *testing.T) {
		data := strings.Replace(validYAML, "record_store: fhir-main", "record_store: fhir-main\n  datastore_id: fhir-main", 1)
		cfg, err := Parse([]byte(data))
		require.NoError(t, err)
		assert.Equal(t, "fhir-main", cfg.Pipeline.RecordStore)
	})

	t.Run("conflicting alias is rejected", func(t *testing.T) {
		data := strings.Replace(validYAML, "record_store: fhir-main", "record_store: fhir-main\n  datastore_id: fhir-other", 1)
		_, err := Parse([]byte(data))
		require.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "datastore_id")
	})
}

func TestValidate(t *testing.T) {
	base, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{
			name: "two triggering zones",
			mutate: func(c *Config) {
				c.Zones[1].TriggersPipeline = true
			},
			want: "exactly one zone",
		},
		{
			name: "no triggering zone",
			mutate: func(c *Config) {
				c.Zones[0].TriggersPipeline = false
			},
			want: "no zone has triggers_pipeline",
		},
		{
			name: "duplicate zone",
			mutate: func(c *Config) {
				c.Zones = append(c.Zones, models.Zone{Name: "scratch", Bucket: "other"})
			},
			want: `zone "scratch" declared twice`,
		},
		{
			name: "trigger zone mismatch",
			mutate: func(c *Config) {
				c.Trigger.Zone = "scratch"
			},
			want: "trigger zone is",
		},
		{
			name: "missing quarantine zone",
			mutate: func(c *Config) {
				c.Pipeline.QuarantineZone = "nowhere"
			},
			want: `quarantine zone "nowhere" is not declared`,
		},
		{
			name: "bad pattern",
			mutate: func(c *Config) {
				c.Trigger.Pattern = "^incoming/(("
			},
			want: "trigger pattern",
		},
		{
			name: "missing stage",
			mutate: func(c *Config) {
				stages := map[models.Stage]StageConfig{}
				for k, v := range c.Pipeline.Stages {
					if k != models.StageGuardrail {
						stages[k] = v
					}
				}
				c.Pipeline.Stages = stages
			},
			want: `stage "guardrail" is not configured`,
		},
		{
			name: "zero attempts",
			mutate: func(c *Config) {
				c.Pipeline.MaxAttempts = 0
			},
			want: "max_attempts",
		},
		{
			name: "unknown body policy",
			mutate: func(c *Config) {
				c.Email.BodyPolicy = "sometimes"
			},
			want: "body_policy",
		},
		{
			name: "hmac without secret",
			mutate: func(c *Config) {
				c.Gateway.Signer = SignerHMAC
				c.Gateway.SigningSecret = ""
			},
			want: EnvSigningSecret,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Zones = append([]models.Zone(nil), base.Zones...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", Config{LogLevel: "Debug"}.Level().String())
	assert.Equal(t, "INFO", Config{}.Level().String())
}

func TestExampleConfigs(t *testing.T) {
	t.Setenv(EnvSigningSecret, "example")
	for _, path := range []string{"../../pipeline.yaml", "../../pipeline.local.yaml"} {
		t.Run(path, func(t *testing.T) {
			cfg, err := LoadFile(path)
			require.NoError(t, err)
			assert.Len(t, cfg.Zones, 4)
			assert.Len(t, cfg.Pipeline.Stages, len(models.Stages))
		})
	}
}
