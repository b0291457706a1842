// Package storage is the zoned object substrate. Documents are addressed by
// zone-qualified keys ("incoming/report.pdf"); a Topology maps those keys to
// backend buckets and object names and back again.
package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrUnknownZone = errors.New("unknown zone")
	ErrInvalidKey  = errors.New("invalid object key")
	ErrInvalidRef  = errors.New("invalid object reference")
)

// Topology resolves between zone-qualified keys and bucket/object pairs.
type Topology struct {
	zones []models.Zone
}

func NewTopology(zones []models.Zone) Topology {
	return Topology{zones: append([]models.Zone(nil), zones...)}
}

// Zones returns the configured zones.
func (t Topology) Zones() []models.Zone {
	return append([]models.Zone(nil), t.zones...)
}

// Zone returns the zone called name.
func (t Topology) Zone(name string) (models.Zone, bool) {
	for _, z := range t.zones {
		if z.Name == name {
			return z, true
		}
	}
	return models.Zone{}, false
}

// Triggering returns the one zone whose writes start executions.
func (t Topology) Triggering() (models.Zone, bool) {
	for _, z := range t.zones {
		if z.TriggersPipeline {
			return z, true
		}
	}
	return models.Zone{}, false
}

// Resolve maps a bucket/object pair to its zone and document key. When
// several zones share a bucket the longest matching prefix wins. ok is false
// for objects outside every zone.
func (t Topology) Resolve(bucket, object string) (zone models.Zone, key string, ok bool) {
	best := -1
	for i, z := range t.zones {
		if z.Bucket != bucket || !strings.HasPrefix(object, z.Prefix) {
			continue
		}
		if best < 0 || len(z.Prefix) > len(t.zones[best].Prefix) {
			best = i
		}
	}
	if best < 0 {
		return models.Zone{}, "", false
	}
	zone = t.zones[best]
	return zone, zone.Name + "/" + strings.TrimPrefix(object, zone.Prefix), true
}

// Locate maps a document key to the bucket and object name that hold it.
func (t Topology) Locate(key string) (zone models.Zone, bucket, object string, err error) {
	if err := ValidateKey(key); err != nil {
		return models.Zone{}, "", "", err
	}
	name, rest, _ := strings.Cut(key, "/")
	zone, ok := t.Zone(name)
	if !ok {
		return models.Zone{}, "", "", fmt.Errorf("%w: %q", ErrUnknownZone, name)
	}
	return zone, zone.Bucket, zone.Prefix + rest, nil
}

// Key joins a zone name and a zone-relative name.
func Key(zone, name string) string {
	return zone + "/" + strings.TrimPrefix(name, "/")
}

// ZoneOf returns the zone segment of key.
func ZoneOf(key string) string {
	name, _, _ := strings.Cut(key, "/")
	return name
}

// ValidateKey rejects keys that could escape their zone.
func ValidateKey(key string) error {
	name, rest, found := strings.Cut(key, "/")
	switch {
	case !found || name == "" || rest == "":
		return fmt.Errorf("%w: %q must be <zone>/<name>", ErrInvalidKey, key)
	case strings.HasPrefix(rest, "/") || strings.HasSuffix(rest, "/"):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.ContainsRune(key, 0) || strings.Contains(key, "\\"):
		return fmt.Errorf("%w: %q contains forbidden characters", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(rest, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q contains an empty or relative segment", ErrInvalidKey, key)
		}
	}
	return nil
}
