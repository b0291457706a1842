package ingress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/pipeline"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/store"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

func testTopology() storage.Topology {
	return storage.NewTopology([]models.Zone{
		{Name: "incoming", Bucket: "intake-docs", TriggersPipeline: true},
		{Name: "raw-email", Bucket: "intake-email"},
		{Name: "scratch", Bucket: "intake-work", Prefix: "scratch/"},
		{Name: "quarantine", Bucket: "intake-work", Prefix: "quarantine/"},
	})
}

func created(zone, key string) models.Notification {
	return models.Notification{Zone: zone, EventType: models.EventObjectCreated, DocumentKey: key, Hash: "h1"}
}

func TestFilterEvaluate(t *testing.T) {
	f, err := NewFilter(testTopology(), `^incoming/.+\.(pdf|txt|png)$`)
	require.NoError(t, err)

	tests := []struct {
		name   string
		n      models.Notification
		accept bool
		reason string
	}{
		{"upload", created("incoming", "incoming/report.pdf"), true, ""},
		{"nested upload", created("incoming", "incoming/email/ab12/00.pdf"), true, ""},
		{"raw email", created("raw-email", "raw-email/ab12.eml"), false, ReasonNonTriggering},
		{"scratch output", created("scratch", "scratch/exec-1/pages.json"), false, ReasonNonTriggering},
		{"quarantine record", created("quarantine", "quarantine/exec-1.json"), false, ReasonNonTriggering},
		{"unknown zone", created("", "somewhere/report.pdf"), false, ReasonUnknownZone},
		{"undeclared zone", created("archive", "archive/report.pdf"), false, ReasonUnknownZone},
		{"deleted", models.Notification{Zone: "incoming", EventType: models.EventObjectDeleted, DocumentKey: "incoming/report.pdf"}, false, ReasonEventType},
		{"metadata update", models.Notification{Zone: "incoming", EventType: models.EventObjectMetadata, DocumentKey: "incoming/report.pdf"}, false, ReasonEventType},
		{"pattern miss", created("incoming", "incoming/notes.docx"), false, ReasonPattern},
		{"key outside zone", created("incoming", "scratch/report.pdf"), false, ReasonZoneMismatch},
		{"traversal", created("incoming", "incoming/../scratch/x.pdf"), false, ReasonZoneMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.Evaluate(tt.n)
			assert.Equal(t, tt.accept, d.Accept)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.n.DocumentKey, d.DocumentKey)
		})
	}
}

func TestNewFilterRejectsBadPattern(t *testing.T) {
	_, err := NewFilter(testTopology(), `(`)
	assert.Error(t, err)
}

func storageEvent(t *testing.T, eventType string, obj models.GCSEvent) cloudevents.Event {
	t.Helper()
	e := cloudevents.NewEvent()
	e.SetID("evt-1")
	e.SetSource("//storage.googleapis.com/projects/_/buckets/" + obj.Bucket)
	e.SetType(eventType)
	require.NoError(t, e.SetData(cloudevents.ApplicationJSON, obj))
	return e
}

func TestFromStorageEvent(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e := storageEvent(t, StorageFinalized, models.GCSEvent{
		Bucket:      "intake-work",
		Name:        "scratch/exec-1/pages.json",
		ContentType: "application/json",
		Size:        "2048",
		MD5Hash:     "q1w2e3==",
		Generation:  "17",
		TimeCreated: ts,
	})
	n, err := FromStorageEvent(testTopology(), e)
	require.NoError(t, err)
	assert.Equal(t, models.Notification{
		Zone:        "scratch",
		EventType:   models.EventObjectCreated,
		DocumentKey: "scratch/exec-1/pages.json",
		ContentType: "application/json",
		Size:        2048,
		Hash:        "q1w2e3==",
		Timestamp:   ts,
	}, n)

	e = storageEvent(t, StorageDeleted, models.GCSEvent{Bucket: "elsewhere", Name: "x.pdf", Generation: "3", Updated: ts})
	n, err = FromStorageEvent(testTopology(), e)
	require.NoError(t, err)
	assert.Equal(t, models.EventObjectDeleted, n.EventType)
	assert.Empty(t, n.Zone)
	assert.Equal(t, "generation:3", n.Hash)

	_, err = FromStorageEvent(testTopology(), storageEvent(t, StorageFinalized, models.GCSEvent{Name: "x.pdf"}))
	assert.Error(t, err)
}

func TestContentHashFallbacks(t *testing.T) {
	assert.Equal(t, "md5", ContentHash(models.GCSEvent{MD5Hash: "md5", CRC32C: "crc"}))
	assert.Equal(t, "crc32c:crc", ContentHash(models.GCSEvent{CRC32C: "crc", Generation: "9"}))
	assert.Equal(t, "generation:9", ContentHash(models.GCSEvent{Generation: "9"}))
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

func newService(t *testing.T) (*Service, *store.Memory, *recordingDispatcher) {
	t.Helper()
	topo := testTopology()
	f, err := NewFilter(topo, `^incoming/.+`)
	require.NoError(t, err)
	st := store.NewMemory(nil)
	var seq atomic.Int64
	orch := pipeline.NewOrchestrator(st, nil, nil, telemetry.LogAlerter{Logger: telemetry.Discard()}, telemetry.Discard(),
		pipeline.Options{DedupeWindow: time.Minute, MaxAttempts: 1},
		pipeline.WithIDs(func() string {
			return fmt.Sprintf("exec-%d", seq.Add(1))
		}))
	d := &recordingDispatcher{}
	subs := storage.NewSubstrate(topo, storage.NewMemoryBackend())
	return NewService(f, subs, orch, d, telemetry.Discard()), st, d
}

func TestServiceNonTriggeringZonesNeverStartExecutions(t *testing.T) {
	svc, st, d := newService(t)
	for _, n := range []models.Notification{
		created("raw-email", "raw-email/ab12.eml"),
		created("scratch", "scratch/exec-1/pages.json"),
		created("quarantine", "quarantine/exec-1.json"),
		created("", "unknown/file.pdf"),
	} {
		res, err := svc.Handle(context.Background(), n)
		require.NoError(t, err)
		assert.False(t, res.Decision.Accept)
	}
	assert.Empty(t, st.Executions())
	assert.Empty(t, d.ids)
}

func TestServiceRedeliveryStartsOneExecution(t *testing.T) {
	svc, st, d := newService(t)
	n := created("incoming", "incoming/report.pdf")

	first, err := svc.Handle(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, first.Admission.Admitted)
	assert.Equal(t, "exec-1", first.ExecutionID)

	for range 3 {
		again, err := svc.Handle(context.Background(), n)
		require.NoError(t, err)
		assert.False(t, again.Admission.Admitted)
		assert.Equal(t, store.ReasonDuplicate, again.Admission.Reason)
		assert.Empty(t, again.ExecutionID)
	}

	execs := st.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "mem://intake-docs/report.pdf", execs[0].DocumentRef)
	assert.Equal(t, []string{"exec-1"}, d.ids)
}

func TestServiceConcurrentRedelivery(t *testing.T) {
	svc, st, _ := newService(t)
	n := created("incoming", "incoming/scan.pdf")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Handle(context.Background(), n)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, st.Executions(), 1)
}
