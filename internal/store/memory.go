package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

type dedupeEntry struct {
	executionID string
	expiresAt   time.Time
}

// Memory is an in-process Store.
type Memory struct {
	mu         sync.Mutex
	clock      Clock
	executions map[string]*models.Execution
	dedupe     map[string]dedupeEntry
	active     map[string]string
	artifacts  map[string]models.RawEmailArtifact
}

func NewMemory(clock Clock) *Memory {
	return &Memory{
		clock:      clock,
		executions: map[string]*models.Execution{},
		dedupe:     map[string]dedupeEntry{},
		active:     map[string]string{},
		artifacts:  map[string]models.RawEmailArtifact{},
	}
}

func (m *Memory) Admit(_ context.Context, exec *models.Execution, window time.Duration) (AdmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.now()

	for id, d := range m.dedupe {
		if !now.Before(d.expiresAt) {
			delete(m.dedupe, id)
		}
	}
	dedupeID := DedupeID(exec.DocumentKey, exec.ContentHash)
	if d, ok := m.dedupe[dedupeID]; ok {
		return AdmitResult{ExistingID: d.executionID, ExistingHash: exec.ContentHash, Reason: ReasonDuplicate}, nil
	}
	if id, ok := m.active[exec.DocumentKey]; ok {
		if running, ok := m.executions[id]; ok && running.Status == models.StatusRunning {
			return AdmitResult{ExistingID: id, ExistingHash: running.ContentHash, Reason: ReasonActiveRun}, nil
		}
	}
	if _, ok := m.executions[exec.ID]; ok {
		return AdmitResult{}, fmt.Errorf("execution %s: %w", exec.ID, ErrExists)
	}

	exec.Version = 1
	exec.CreatedAt = now
	exec.UpdatedAt = now
	m.executions[exec.ID] = exec.Clone()
	m.dedupe[dedupeID] = dedupeEntry{executionID: exec.ID, expiresAt: now.Add(window)}
	m.active[exec.DocumentKey] = exec.ID
	return AdmitResult{Admitted: true, Reason: ReasonAdmitted}, nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *Memory) Commit(_ context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.executions[exec.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
	}
	if current.Version != exec.Version {
		return fmt.Errorf("execution %s at version %d, have %d: %w", exec.ID, current.Version, exec.Version, ErrConflict)
	}
	exec.Version++
	exec.UpdatedAt = m.clock.now()
	m.executions[exec.ID] = exec.Clone()
	if exec.Status != models.StatusRunning && m.active[exec.DocumentKey] == exec.ID {
		delete(m.active, exec.DocumentKey)
	}
	return nil
}

func (m *Memory) ListRunning(_ context.Context, cutoff time.Time) ([]*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Execution
	for _, e := range m.executions {
		if e.Status == models.StatusRunning && e.UpdatedAt.Before(cutoff) {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Execution) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

func (m *Memory) PutArtifact(_ context.Context, a models.RawEmailArtifact) (models.RawEmailArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var existing *models.RawEmailArtifact
	if cur, ok := m.artifacts[a.MessageID]; ok {
		existing = &cur
	}
	stored := mergeArtifact(existing, a, m.clock.now())
	m.artifacts[a.MessageID] = stored
	return stored, nil
}

func (m *Memory) GetArtifact(_ context.Context, messageID string) (models.RawEmailArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[messageID]
	if !ok {
		return models.RawEmailArtifact{}, fmt.Errorf("artifact %s: %w", messageID, ErrNotFound)
	}
	return a, nil
}

func (m *Memory) UpdateArtifact(_ context.Context, a models.RawEmailArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.MessageID]; !ok {
		return fmt.Errorf("artifact %s: %w", a.MessageID, ErrNotFound)
	}
	a.UpdatedAt = m.clock.now()
	m.artifacts[a.MessageID] = a
	return nil
}

// Executions returns every stored execution. Used by tests and the local daemon.
func (m *Memory) Executions() []*models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Execution, 0, len(m.executions))
	for _, e := range m.executions {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Execution) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.DocumentKey, b.DocumentKey)
	})
	return out
}

func (m *Memory) Close() error { return nil }
