package storage

import (
	"context"
	"time"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

// NotifyFunc receives storage change notifications.
type NotifyFunc func(ctx context.Context, n models.Notification)

// Notification builds the change notification for an object. Objects outside
// every zone get an empty Zone, which the ingress filter treats as
// non-triggering.
func (t Topology) Notification(event models.EventType, bucket, object string, attrs ObjectAttrs) models.Notification {
	n := models.Notification{
		EventType:   event,
		DocumentKey: bucket + "/" + object,
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
		Hash:        attrs.Hash,
		Timestamp:   attrs.Created,
		Metadata:    attrs.Metadata,
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if zone, key, ok := t.Resolve(bucket, object); ok {
		n.Zone = zone.Name
		n.DocumentKey = key
	}
	return n
}

// NotifyOnWrite bridges a MemoryBackend's write hook to fn as ObjectCreated notifications.
func NotifyOnWrite(m *MemoryBackend, t Topology, fn NotifyFunc) {
	m.OnWrite(func(ctx context.Context, bucket, object string, attrs ObjectAttrs) {
		fn(ctx, t.Notification(models.EventObjectCreated, bucket, object, attrs))
	})
}
