package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

func testZones() []models.Zone {
	return []models.Zone{
		{Name: "incoming", Bucket: "docs", Prefix: "incoming/", TriggersPipeline: true},
		{Name: "scratch", Bucket: "docs", Prefix: "scratch/"},
		{Name: "raw-email", Bucket: "mail"},
		{Name: "quarantine", Bucket: "docs", Prefix: "quarantine/"},
	}
}

func TestTopologyResolveAndLocate(t *testing.T) {
	topo := NewTopology(testZones())

	zone, key, ok := topo.Resolve("docs", "incoming/report.pdf")
	require.True(t, ok)
	assert.Equal(t, "incoming", zone.Name)
	assert.Equal(t, "incoming/report.pdf", key)

	zone, key, ok = topo.Resolve("mail", "ab/cd.eml")
	require.True(t, ok)
	assert.Equal(t, "raw-email", zone.Name)
	assert.Equal(t, "raw-email/ab/cd.eml", key)

	_, _, ok = topo.Resolve("docs", "elsewhere/x.pdf")
	assert.False(t, ok)
	_, _, ok = topo.Resolve("unknown-bucket", "incoming/x.pdf")
	assert.False(t, ok)

	_, bucket, object, err := topo.Locate("raw-email/ab/cd.eml")
	require.NoError(t, err)
	assert.Equal(t, "mail", bucket)
	assert.Equal(t, "ab/cd.eml", object)

	_, _, _, err = topo.Locate("nowhere/x.pdf")
	assert.ErrorIs(t, err, ErrUnknownZone)
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"incoming/report.pdf", "incoming/email/ab12/01.pdf"} {
		assert.NoError(t, ValidateKey(key), key)
	}
	for _, key := range []string{"", "incoming", "incoming/", "/report.pdf", "incoming/../scratch/x", "incoming/a//b", "incoming/./x", `incoming\x`} {
		assert.ErrorIs(t, ValidateKey(key), ErrInvalidKey, key)
	}
}

func TestParseRef(t *testing.T) {
	scheme, bucket, object, err := ParseRef("gs://docs/incoming/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, []string{"gs", "docs", "incoming/report.pdf"}, []string{scheme, bucket, object})

	for _, bad := range []string{"docs/report.pdf", "gs://docs", "gs:///x", "://docs/x"} {
		_, _, _, err := ParseRef(bad)
		assert.ErrorIs(t, err, ErrInvalidRef, bad)
	}
}

func TestMemoryWriteOnceNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	topo := NewTopology(testZones())
	sub := NewSubstrate(topo, mem)

	var got []models.Notification
	NotifyOnWrite(mem, topo, func(_ context.Context, n models.Notification) {
		got = append(got, n)
	})

	attrs := ObjectAttrs{ContentType: "application/pdf", Metadata: map[string]string{models.MetadataProvenance: "email-extracted"}}
	ref, created, err := sub.WriteOnce(ctx, "incoming/email/x/01.pdf", []byte("pdf"), attrs)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "mem://docs/incoming/email/x/01.pdf", ref)

	_, created, err = sub.WriteOnce(ctx, "incoming/email/x/01.pdf", []byte("other"), attrs)
	require.NoError(t, err)
	assert.False(t, created)

	require.Len(t, got, 1)
	assert.Equal(t, "incoming", got[0].Zone)
	assert.Equal(t, models.EventObjectCreated, got[0].EventType)
	assert.Equal(t, "incoming/email/x/01.pdf", got[0].DocumentKey)
	assert.Equal(t, int64(3), got[0].Size)
	assert.Equal(t, models.ProvenanceEmailExtracted, got[0].Provenance())

	data, read, err := sub.Read(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "pdf", string(data))
	assert.Equal(t, "application/pdf", read.ContentType)

	key, err := sub.KeyOf(ref)
	require.NoError(t, err)
	assert.Equal(t, "incoming/email/x/01.pdf", key)

	_, _, err = sub.Read(ctx, "gs://docs/incoming/email/x/01.pdf")
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, _, err = sub.ReadKey(ctx, "incoming/missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	sub := NewSubstrate(NewTopology(testZones()), backend)

	ref, created, err := sub.WriteOnce(ctx, "incoming/report.pdf", []byte("v1"), ObjectAttrs{ContentType: "application/pdf"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "local://docs/incoming/report.pdf", ref)

	_, created, err = sub.WriteOnce(ctx, "incoming/report.pdf", []byte("v2"), ObjectAttrs{})
	require.NoError(t, err)
	assert.False(t, created)

	data, attrs, err := sub.Read(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.Equal(t, "application/pdf", attrs.ContentType)
	assert.Equal(t, ContentMD5([]byte("v1")), attrs.Hash)

	_, err = sub.Write(ctx, "raw-email/m.eml", []byte("a"), ObjectAttrs{})
	require.NoError(t, err)
	_, err = sub.Write(ctx, "raw-email/m.eml", []byte("b"), ObjectAttrs{})
	require.NoError(t, err)
	data, _, err = sub.ReadKey(ctx, "raw-email/m.eml")
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	_, _, err = backend.Get(ctx, "docs", "../escape")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// Racing writers leave exactly one object, and its metadata describes the
// data that won.
func TestLocalPutIfAbsentRace(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := backend.PutIfAbsent(ctx, "docs", "incoming/race.pdf", []byte(fmt.Sprintf("v%d", i)), ObjectAttrs{
				ContentType: fmt.Sprintf("application/x-writer-%d", i),
			})
			assert.NoError(t, err)
			if created {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)

	data, attrs, err := backend.Get(ctx, "docs", "incoming/race.pdf")
	require.NoError(t, err)
	assert.Equal(t, ContentMD5(data), attrs.Hash)
	assert.Equal(t, "application/x-writer-"+string(data[1:]), attrs.ContentType)
}

func TestLocalPutIfAbsentReclaimsStaleSidecar(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	backend, err := NewLocalBackend(root)
	require.NoError(t, err)

	meta := filepath.Join(root, ".meta", "docs", "incoming", "left.pdf.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(meta), 0o755))
	require.NoError(t, os.WriteFile(meta, []byte(`{"hash":"stale"}`), 0o644))

	created, err := backend.PutIfAbsent(ctx, "docs", "incoming/left.pdf", []byte("v1"), ObjectAttrs{})
	require.NoError(t, err)
	assert.False(t, created, "a fresh claim belongs to a writer still publishing")

	old := time.Now().Add(-2 * claimTTL)
	require.NoError(t, os.Chtimes(meta, old, old))
	created, err = backend.PutIfAbsent(ctx, "docs", "incoming/left.pdf", []byte("v1"), ObjectAttrs{})
	require.NoError(t, err)
	assert.True(t, created)
	_, attrs, err := backend.Get(ctx, "docs", "incoming/left.pdf")
	require.NoError(t, err)
	assert.Equal(t, ContentMD5([]byte("v1")), attrs.Hash)
}

func TestWatcherRaisesNotifications(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	topo := NewTopology(testZones())
	sub := NewSubstrate(topo, backend)

	var mu sync.Mutex
	var got []models.Notification
	w := NewWatcher(backend, topo, func(_ context.Context, n models.Notification) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
	}, telemetry.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}

	_, _, err = sub.WriteOnce(context.Background(), "incoming/nested/report.pdf", []byte("pdf"), ObjectAttrs{ContentType: "application/pdf"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range got {
			if n.DocumentKey == "incoming/nested/report.pdf" && n.EventType == models.EventObjectCreated {
				return n.Zone == "incoming" && n.ContentType == "application/pdf"
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
