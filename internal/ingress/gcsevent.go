package ingress

import (
	"encoding/json"
	"fmt"
	"strconv"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
)

// Cloud Storage CloudEvent types.
const (
	StorageFinalized       = "google.cloud.storage.object.v1.finalized"
	StorageDeleted         = "google.cloud.storage.object.v1.deleted"
	StorageArchived        = "google.cloud.storage.object.v1.archived"
	StorageMetadataUpdated = "google.cloud.storage.object.v1.metadataUpdated"
)

var storageEventTypes = map[string]models.EventType{
	StorageFinalized:       models.EventObjectCreated,
	StorageDeleted:         models.EventObjectDeleted,
	StorageArchived:        models.EventObjectArchived,
	StorageMetadataUpdated: models.EventObjectMetadata,
}

// FromStorageEvent translates a Cloud Storage CloudEvent into a notification.
// Unknown event types pass through unchanged and are ignored by the filter.
func FromStorageEvent(topology storage.Topology, e cloudevents.Event) (models.Notification, error) {
	var obj models.GCSEvent
	if err := json.Unmarshal(e.Data(), &obj); err != nil {
		return models.Notification{}, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if obj.Bucket == "" || obj.Name == "" {
		return models.Notification{}, fmt.Errorf("storage event %s has no bucket or object name", e.ID())
	}
	event, ok := storageEventTypes[e.Type()]
	if !ok {
		event = models.EventType(e.Type())
	}

	size, _ := strconv.ParseInt(obj.Size, 10, 64)
	created := obj.TimeCreated
	if created.IsZero() {
		created = obj.Updated
	}
	return topology.Notification(event, obj.Bucket, obj.Name, storage.ObjectAttrs{
		ContentType: obj.ContentType,
		Metadata:    obj.Metadata,
		Size:        size,
		Hash:        ContentHash(obj),
		Created:     created,
	}), nil
}

// ContentHash picks the strongest content fingerprint the event carries.
// Composite objects have no MD5, and the generation is the last resort.
func ContentHash(obj models.GCSEvent) string {
	switch {
	case obj.MD5Hash != "":
		return obj.MD5Hash
	case obj.CRC32C != "":
		return "crc32c:" + obj.CRC32C
	default:
		return "generation:" + obj.Generation
	}
}
