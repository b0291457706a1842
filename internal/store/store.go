// Package store persists pipeline executions, their dedupe and active-run
// guards, and raw email artifacts. Every implementation admits and commits
// transactionally so concurrent workers never advance one execution twice.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by Commit when the stored version moved on.
	ErrConflict = errors.New("execution was modified concurrently")
	ErrExists   = errors.New("already exists")
)

// Admission reasons.
const (
	ReasonAdmitted  = "admitted"
	ReasonDuplicate = "duplicate"
	ReasonActiveRun = "active-run"
)

// AdmitResult reports whether a new execution was created.
type AdmitResult struct {
	Admitted bool
	// ExistingID names the execution that blocked admission.
	ExistingID string
	// ExistingHash is the content hash of the blocking execution.
	ExistingHash string
	Reason       string
}

// Store is the execution and artifact state backend.
type Store interface {
	// Admit creates exec unless the same key and hash were admitted within
	// window, or another execution for the key is still Running.
	Admit(ctx context.Context, exec *models.Execution, window time.Duration) (AdmitResult, error)
	Get(ctx context.Context, id string) (*models.Execution, error)
	// Commit persists exec if the stored version equals exec.Version and then
	// bumps exec.Version. A terminal status releases the key's active-run lock.
	Commit(ctx context.Context, exec *models.Execution) error
	// ListRunning returns Running executions last updated before cutoff.
	ListRunning(ctx context.Context, cutoff time.Time) ([]*models.Execution, error)

	// PutArtifact records an inbound message. A new or pending artifact is
	// (re)written as pending; a terminal one is returned unchanged.
	PutArtifact(ctx context.Context, a models.RawEmailArtifact) (models.RawEmailArtifact, error)
	GetArtifact(ctx context.Context, messageID string) (models.RawEmailArtifact, error)
	UpdateArtifact(ctx context.Context, a models.RawEmailArtifact) error

	Close() error
}

// DedupeID is the identity of a notification for redelivery suppression.
func DedupeID(documentKey, contentHash string) string {
	sum := sha256.Sum256([]byte(documentKey + "\x00" + contentHash))
	return hex.EncodeToString(sum[:])
}

// ArtifactID derives a storage-safe id from a message id.
func ArtifactID(messageID string) string {
	return hashID(messageID)
}

func hashID(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// mergeArtifact applies PutArtifact semantics to the stored record.
func mergeArtifact(existing *models.RawEmailArtifact, incoming models.RawEmailArtifact, now time.Time) models.RawEmailArtifact {
	if existing != nil && existing.Status.Terminal() {
		return *existing
	}
	out := incoming
	out.Status = models.ExtractionPending
	out.UpdatedAt = now
	if existing != nil && !existing.ReceivedAt.IsZero() {
		out.ReceivedAt = existing.ReceivedAt
	}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = now
	}
	return out
}
