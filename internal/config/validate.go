package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid pipeline configuration")

// Validate checks the zone topology and the orchestrator settings. It is run
// once at startup; a process never starts with a config that fails it.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	seen := map[string]bool{}
	locations := map[string]string{}
	var triggering []string
	for _, z := range c.Zones {
		if z.Name == "" {
			fail("zone with empty name")
			continue
		}
		if seen[z.Name] {
			fail("zone %q declared twice", z.Name)
		}
		seen[z.Name] = true
		if z.Bucket == "" {
			fail("zone %q has no bucket", z.Name)
		}
		loc := z.Bucket + "/" + z.Prefix
		if other, ok := locations[loc]; ok {
			fail("zones %q and %q share bucket %q and prefix %q", other, z.Name, z.Bucket, z.Prefix)
		}
		locations[loc] = z.Name
		if z.TriggersPipeline {
			triggering = append(triggering, z.Name)
		}
	}

	switch len(triggering) {
	case 0:
		fail("no zone has triggers_pipeline set")
	case 1:
		if triggering[0] != c.Trigger.Zone {
			fail("trigger zone is %q but zone %q triggers the pipeline", c.Trigger.Zone, triggering[0])
		}
	default:
		fail("exactly one zone may trigger the pipeline, found %v", triggering)
	}

	for _, role := range []struct{ label, name string }{
		{"email zone", c.Email.Zone},
		{"scratch zone", c.Pipeline.ScratchZone},
		{"quarantine zone", c.Pipeline.QuarantineZone},
	} {
		z, ok := c.Zone(role.name)
		if !ok {
			fail("%s %q is not declared", role.label, role.name)
			continue
		}
		if z.TriggersPipeline {
			fail("%s %q must not trigger the pipeline", role.label, role.name)
		}
	}

	if c.Trigger.Pattern == "" {
		fail("trigger pattern is empty")
	} else if _, err := regexp.Compile(c.Trigger.Pattern); err != nil {
		fail("trigger pattern: %v", err)
	}
	if c.Trigger.DedupeWindow <= 0 {
		fail("dedupe_window must be positive")
	}

	if c.Pipeline.MaxAttempts < 1 {
		fail("max_attempts must be at least 1")
	}
	if c.Pipeline.InitialBackoff < 0 || c.Pipeline.MaxBackoff < c.Pipeline.InitialBackoff {
		fail("backoff bounds are inconsistent")
	}
	if c.Pipeline.StageTimeout <= 0 {
		fail("stage_timeout must be positive")
	}
	if c.Pipeline.Workers < 1 {
		fail("workers must be at least 1")
	}
	for _, stage := range models.Stages {
		if _, ok := c.Pipeline.Stages[stage]; !ok {
			fail("stage %q is not configured", stage)
		}
	}
	for stage := range c.Pipeline.Stages {
		if !slices.Contains(models.Stages, stage) {
			fail("unknown stage %q", stage)
		}
	}
	if c.Pipeline.RecordStore != "" && c.Pipeline.DatastoreID != "" && c.Pipeline.RecordStore != c.Pipeline.DatastoreID {
		fail("record_store %q and datastore_id %q name different stores", c.Pipeline.RecordStore, c.Pipeline.DatastoreID)
	}

	switch c.Email.BodyPolicy {
	case BodyPolicyNever, BodyPolicyAlways, BodyPolicyFallback:
	default:
		fail("unknown email body_policy %q", c.Email.BodyPolicy)
	}

	switch c.Storage.Backend {
	case BackendGCS, BackendMemory:
	case BackendLocal:
		if c.Storage.Root == "" {
			fail("local storage needs a root directory")
		}
	default:
		fail("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Store.Backend {
	case BackendFirestore, BackendMemory:
	case BackendPostgres:
		if c.Store.DSN == "" {
			fail("postgres store needs a dsn")
		}
	default:
		fail("unknown store backend %q", c.Store.Backend)
	}

	switch c.Gateway.Signer {
	case SignerGCS:
	case SignerHMAC:
		if c.Gateway.SigningSecret == "" {
			fail("hmac signer needs %s", EnvSigningSecret)
		}
	default:
		fail("unknown gateway signer %q", c.Gateway.Signer)
	}
	if c.Gateway.GrantTTL <= 0 {
		fail("grant_ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// HasAlias reports whether the legacy datastore_id alias was supplied. Callers
// log a deprecation warning when it was.
func (c Config) HasAlias() bool {
	return c.Pipeline.DatastoreID != ""
}
