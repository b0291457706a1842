package store

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newExecution(key, hash string) *models.Execution {
	return &models.Execution{
		ID:          uuid.NewString(),
		DocumentKey: key,
		DocumentRef: "mem://docs/" + key,
		ContentHash: hash,
		Provenance:  models.ProvenanceUploaded,
		State:       models.StateStarted,
		Status:      models.StatusRunning,
	}
}

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, open func(t *testing.T, clock Clock) Store) {
	const window = 10 * time.Minute
	ctx := context.Background()

	t.Run("admit then duplicate within window", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		s := open(t, clock.Now)
		key := "incoming/" + uuid.NewString() + "/report.pdf"

		first := newExecution(key, "h1")
		res, err := s.Admit(ctx, first, window)
		require.NoError(t, err)
		require.True(t, res.Admitted)
		assert.Equal(t, int64(1), first.Version)

		res, err = s.Admit(ctx, newExecution(key, "h1"), window)
		require.NoError(t, err)
		assert.False(t, res.Admitted)
		assert.Equal(t, ReasonDuplicate, res.Reason)
		assert.Equal(t, first.ID, res.ExistingID)

		// Finish the run; a redelivery inside the window is still a duplicate.
		first.Status = models.StatusSucceeded
		first.State = models.StateSucceeded
		require.NoError(t, s.Commit(ctx, first))
		res, err = s.Admit(ctx, newExecution(key, "h1"), window)
		require.NoError(t, err)
		assert.False(t, res.Admitted)
		assert.Equal(t, ReasonDuplicate, res.Reason)

		clock.Advance(window + time.Second)
		res, err = s.Admit(ctx, newExecution(key, "h1"), window)
		require.NoError(t, err)
		assert.True(t, res.Admitted)
	})

	t.Run("different hash while running is blocked", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		s := open(t, clock.Now)
		key := "incoming/" + uuid.NewString() + "/report.pdf"

		first := newExecution(key, "h1")
		_, err := s.Admit(ctx, first, window)
		require.NoError(t, err)

		res, err := s.Admit(ctx, newExecution(key, "h2"), window)
		require.NoError(t, err)
		assert.False(t, res.Admitted)
		assert.Equal(t, ReasonActiveRun, res.Reason)
		assert.Equal(t, first.ID, res.ExistingID)
		assert.Equal(t, "h1", res.ExistingHash)

		first.Status = models.StatusFailed
		require.NoError(t, s.Commit(ctx, first))
		res, err = s.Admit(ctx, newExecution(key, "h2"), window)
		require.NoError(t, err)
		assert.True(t, res.Admitted, "terminal commit releases the active-run lock")
	})

	t.Run("concurrent admits create one execution", func(t *testing.T) {
		s := open(t, nil)
		key := "incoming/" + uuid.NewString() + "/report.pdf"
		var admitted atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.Admit(ctx, newExecution(key, "h1"), window)
				if err == nil && res.Admitted {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), admitted.Load())
	})

	t.Run("stale commit conflicts", func(t *testing.T) {
		s := open(t, nil)
		exec := newExecution("incoming/"+uuid.NewString()+"/a.pdf", "h")
		_, err := s.Admit(ctx, exec, window)
		require.NoError(t, err)

		a, err := s.Get(ctx, exec.ID)
		require.NoError(t, err)
		b, err := s.Get(ctx, exec.ID)
		require.NoError(t, err)

		a.State = models.StateRouting
		require.NoError(t, s.Commit(ctx, a))
		assert.Equal(t, int64(2), a.Version)

		b.State = models.StateRouting
		assert.ErrorIs(t, s.Commit(ctx, b), ErrConflict)

		got, err := s.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list running", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		s := open(t, clock.Now)
		stale := newExecution("incoming/"+uuid.NewString()+"/stale.pdf", "h")
		_, err := s.Admit(ctx, stale, window)
		require.NoError(t, err)
		clock.Advance(time.Hour)
		fresh := newExecution("incoming/"+uuid.NewString()+"/fresh.pdf", "h")
		_, err = s.Admit(ctx, fresh, window)
		require.NoError(t, err)

		running, err := s.ListRunning(ctx, clock.Now().Add(-30*time.Minute))
		require.NoError(t, err)
		var ids []string
		for _, e := range running {
			ids = append(ids, e.ID)
		}
		assert.Contains(t, ids, stale.ID)
		assert.NotContains(t, ids, fresh.ID)
	})

	t.Run("artifacts", func(t *testing.T) {
		s := open(t, nil)
		msgID := "<" + uuid.NewString() + "@clinic.example>"

		stored, err := s.PutArtifact(ctx, models.RawEmailArtifact{MessageID: msgID, BlobRef: "mem://mail/a.eml", Recipient: "intake@clinic.example"})
		require.NoError(t, err)
		assert.Equal(t, models.ExtractionPending, stored.Status)

		stored.Status = models.ExtractionExtracted
		stored.DocumentKeys = []string{"incoming/email/x/00.pdf"}
		require.NoError(t, s.UpdateArtifact(ctx, stored))

		again, err := s.PutArtifact(ctx, models.RawEmailArtifact{MessageID: msgID, BlobRef: "mem://mail/a.eml"})
		require.NoError(t, err)
		assert.Equal(t, models.ExtractionExtracted, again.Status, "terminal artifacts are not reset")

		got, err := s.GetArtifact(ctx, msgID)
		require.NoError(t, err)
		assert.Equal(t, []string{"incoming/email/x/00.pdf"}, got.DocumentKeys)

		_, err = s.GetArtifact(ctx, "<missing@clinic.example>")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clock Clock) Store {
		return NewMemory(clock)
	})
}

func TestMemoryDropsExpiredDedupeEntries(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewMemory(clock.Now)
	for _, key := range []string{"incoming/a.pdf", "incoming/b.pdf", "incoming/c.pdf"} {
		res, err := m.Admit(ctx, newExecution(key, "h"), time.Minute)
		require.NoError(t, err)
		require.True(t, res.Admitted)
	}
	assert.Len(t, m.dedupe, 3)

	clock.Advance(time.Minute)
	res, err := m.Admit(ctx, newExecution("incoming/d.pdf", "h"), time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Len(t, m.dedupe, 1)
}

func TestFirestoreStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	runStoreSuite(t, func(t *testing.T, clock Clock) Store {
		client, err := firestore.NewClient(context.Background(), "pipeline-test")
		require.NoError(t, err)
		s := NewFirestore(client, "t"+uuid.NewString()[:8], clock)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PIPELINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PIPELINE_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T, clock Clock) Store {
		s, err := OpenPostgres(context.Background(), dsn, clock)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestDedupeID(t *testing.T) {
	assert.Equal(t, DedupeID("incoming/a.pdf", "h"), DedupeID("incoming/a.pdf", "h"))
	assert.NotEqual(t, DedupeID("incoming/a.pdf", "h1"), DedupeID("incoming/a.pdf", "h2"))
	assert.NotEqual(t, DedupeID("incoming/a", "b.pdf"), DedupeID("incoming/ab", ".pdf"))
}
