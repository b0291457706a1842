package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

type dedupeDoc struct {
	ExecutionID string    `firestore:"executionId"`
	DocumentKey string    `firestore:"documentKey"`
	ContentHash string    `firestore:"contentHash"`
	AdmittedAt  time.Time `firestore:"admittedAt"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

type activeRunDoc struct {
	ExecutionID string    `firestore:"executionId"`
	DocumentKey string    `firestore:"documentKey"`
	AcquiredAt  time.Time `firestore:"acquiredAt"`
}

// Firestore keeps executions, dedupe records, active-run locks and email
// artifacts in four collections sharing a prefix.
type Firestore struct {
	client *firestore.Client
	prefix string
	clock  Clock
}

func NewFirestore(client *firestore.Client, collectionPrefix string, clock Clock) *Firestore {
	return &Firestore{client: client, prefix: collectionPrefix, clock: clock}
}

func (f *Firestore) executions() *firestore.CollectionRef {
	return f.client.Collection(f.prefix + "_executions")
}

func (f *Firestore) dedupe() *firestore.CollectionRef {
	return f.client.Collection(f.prefix + "_dedupe")
}

func (f *Firestore) active() *firestore.CollectionRef {
	return f.client.Collection(f.prefix + "_active_runs")
}

func (f *Firestore) artifacts() *firestore.CollectionRef {
	return f.client.Collection(f.prefix + "_email_artifacts")
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (f *Firestore) Admit(ctx context.Context, exec *models.Execution, window time.Duration) (AdmitResult, error) {
	dedupeRef := f.dedupe().Doc(DedupeID(exec.DocumentKey, exec.ContentHash))
	activeRef := f.active().Doc(hashID(exec.DocumentKey))
	execRef := f.executions().Doc(exec.ID)

	var result AdmitResult
	var admittedAt time.Time
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = AdmitResult{}
		now := f.clock.now()

		snap, err := tx.Get(dedupeRef)
		switch {
		case err == nil:
			var d dedupeDoc
			if err := snap.DataTo(&d); err != nil {
				return fmt.Errorf("decode dedupe record: %w", err)
			}
			if now.Before(d.ExpiresAt) {
				result = AdmitResult{ExistingID: d.ExecutionID, ExistingHash: d.ContentHash, Reason: ReasonDuplicate}
				return nil
			}
		case !isNotFound(err):
			return fmt.Errorf("read dedupe record: %w", err)
		}

		snap, err = tx.Get(activeRef)
		switch {
		case err == nil:
			var lock activeRunDoc
			if err := snap.DataTo(&lock); err != nil {
				return fmt.Errorf("decode active run: %w", err)
			}
			running, err := tx.Get(f.executions().Doc(lock.ExecutionID))
			if err != nil && !isNotFound(err) {
				return fmt.Errorf("read active execution: %w", err)
			}
			if err == nil {
				var e models.Execution
				if err := running.DataTo(&e); err != nil {
					return fmt.Errorf("decode active execution: %w", err)
				}
				if e.Status == models.StatusRunning {
					result = AdmitResult{ExistingID: e.ID, ExistingHash: e.ContentHash, Reason: ReasonActiveRun}
					return nil
				}
			}
		case !isNotFound(err):
			return fmt.Errorf("read active run: %w", err)
		}

		admitted := exec.Clone()
		admitted.Version = 1
		admitted.CreatedAt = now
		admitted.UpdatedAt = now
		if err := tx.Create(execRef, admitted); err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
		if err := tx.Set(dedupeRef, dedupeDoc{
			ExecutionID: exec.ID,
			DocumentKey: exec.DocumentKey,
			ContentHash: exec.ContentHash,
			AdmittedAt:  now,
			ExpiresAt:   now.Add(window),
		}); err != nil {
			return fmt.Errorf("write dedupe record: %w", err)
		}
		if err := tx.Set(activeRef, activeRunDoc{ExecutionID: exec.ID, DocumentKey: exec.DocumentKey, AcquiredAt: now}); err != nil {
			return fmt.Errorf("write active run: %w", err)
		}
		result = AdmitResult{Admitted: true, Reason: ReasonAdmitted}
		admittedAt = now
		return nil
	})
	if err != nil {
		return AdmitResult{}, fmt.Errorf("admit %s: %w", exec.DocumentKey, err)
	}
	if result.Admitted {
		exec.Version = 1
		exec.CreatedAt = admittedAt
		exec.UpdatedAt = admittedAt
	}
	return result, nil
}

func (f *Firestore) Get(ctx context.Context, id string) (*models.Execution, error) {
	snap, err := f.executions().Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	var e models.Execution
	if err := snap.DataTo(&e); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &e, nil
}

func (f *Firestore) Commit(ctx context.Context, exec *models.Execution) error {
	execRef := f.executions().Doc(exec.ID)
	activeRef := f.active().Doc(hashID(exec.DocumentKey))
	next := exec.Clone()

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(execRef)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
			}
			return err
		}
		var current models.Execution
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode execution: %w", err)
		}
		if current.Version != exec.Version {
			return fmt.Errorf("execution %s at version %d, have %d: %w", exec.ID, current.Version, exec.Version, ErrConflict)
		}

		var releaseLock bool
		if exec.Status != models.StatusRunning {
			lockSnap, err := tx.Get(activeRef)
			if err != nil && !isNotFound(err) {
				return fmt.Errorf("read active run: %w", err)
			}
			if err == nil {
				var lock activeRunDoc
				if err := lockSnap.DataTo(&lock); err != nil {
					return fmt.Errorf("decode active run: %w", err)
				}
				releaseLock = lock.ExecutionID == exec.ID
			}
		}

		next.Version = exec.Version + 1
		next.UpdatedAt = f.clock.now()
		if err := tx.Set(execRef, next); err != nil {
			return err
		}
		if releaseLock {
			return tx.Delete(activeRef)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", exec.ID, err)
	}
	exec.Version = next.Version
	exec.UpdatedAt = next.UpdatedAt
	return nil
}

func (f *Firestore) ListRunning(ctx context.Context, cutoff time.Time) ([]*models.Execution, error) {
	iter := f.executions().
		Where("status", "==", string(models.StatusRunning)).
		Where("updatedAt", "<", cutoff).
		Documents(ctx)
	defer iter.Stop()

	var out []*models.Execution
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list running executions: %w", err)
		}
		var e models.Execution
		if err := snap.DataTo(&e); err != nil {
			return nil, fmt.Errorf("decode execution %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (f *Firestore) PutArtifact(ctx context.Context, a models.RawEmailArtifact) (models.RawEmailArtifact, error) {
	ref := f.artifacts().Doc(ArtifactID(a.MessageID))
	var stored models.RawEmailArtifact
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var existing *models.RawEmailArtifact
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var cur models.RawEmailArtifact
			if err := snap.DataTo(&cur); err != nil {
				return fmt.Errorf("decode artifact: %w", err)
			}
			existing = &cur
		case !isNotFound(err):
			return err
		}
		stored = mergeArtifact(existing, a, f.clock.now())
		if existing != nil && existing.Status.Terminal() {
			return nil
		}
		return tx.Set(ref, stored)
	})
	if err != nil {
		return models.RawEmailArtifact{}, fmt.Errorf("put artifact %s: %w", a.MessageID, err)
	}
	return stored, nil
}

func (f *Firestore) GetArtifact(ctx context.Context, messageID string) (models.RawEmailArtifact, error) {
	snap, err := f.artifacts().Doc(ArtifactID(messageID)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return models.RawEmailArtifact{}, fmt.Errorf("artifact %s: %w", messageID, ErrNotFound)
		}
		return models.RawEmailArtifact{}, fmt.Errorf("get artifact %s: %w", messageID, err)
	}
	var a models.RawEmailArtifact
	if err := snap.DataTo(&a); err != nil {
		return models.RawEmailArtifact{}, fmt.Errorf("decode artifact %s: %w", messageID, err)
	}
	return a, nil
}

func (f *Firestore) UpdateArtifact(ctx context.Context, a models.RawEmailArtifact) error {
	a.UpdatedAt = f.clock.now()
	ref := f.artifacts().Doc(ArtifactID(a.MessageID))
	if _, err := ref.Set(ctx, a); err != nil {
		return fmt.Errorf("update artifact %s: %w", a.MessageID, err)
	}
	return nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}
