// Package ingress decides which storage change notifications start a
// pipeline execution. Only ObjectCreated events inside the triggering zone
// whose key matches the trigger pattern are accepted; the pipeline's own
// writes to the raw-email, scratch and quarantine zones are ignored here,
// which is what keeps it from triggering itself.
package ingress

import (
	"fmt"
	"regexp"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
)

// Ignore reasons.
const (
	ReasonEventType     = "event-type"
	ReasonUnknownZone   = "unknown-zone"
	ReasonNonTriggering = "non-triggering-zone"
	ReasonZoneMismatch  = "zone-key-mismatch"
	ReasonPattern       = "pattern-mismatch"
)

// Decision is the filter's verdict on one notification.
type Decision struct {
	Accept      bool
	DocumentKey string
	Reason      string
}

// Filter evaluates notifications. It never touches storage.
type Filter struct {
	topology storage.Topology
	pattern  *regexp.Regexp
}

func NewFilter(topology storage.Topology, pattern string) (*Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile trigger pattern: %w", err)
	}
	return &Filter{topology: topology, pattern: re}, nil
}

func (f *Filter) Evaluate(n models.Notification) Decision {
	ignore := func(reason string) Decision {
		return Decision{DocumentKey: n.DocumentKey, Reason: reason}
	}
	if n.EventType != models.EventObjectCreated {
		return ignore(ReasonEventType)
	}
	zone, ok := f.topology.Zone(n.Zone)
	if !ok {
		return ignore(ReasonUnknownZone)
	}
	if !zone.TriggersPipeline {
		return ignore(ReasonNonTriggering)
	}
	if storage.ZoneOf(n.DocumentKey) != zone.Name || storage.ValidateKey(n.DocumentKey) != nil {
		return ignore(ReasonZoneMismatch)
	}
	if !f.pattern.MatchString(n.DocumentKey) {
		return ignore(ReasonPattern)
	}
	return Decision{Accept: true, DocumentKey: n.DocumentKey}
}
