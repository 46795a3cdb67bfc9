package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/distflow/corewf/engine"
)

// MemoryStore implements engine.JournalStore, engine.SnapshotStore,
// engine.LeaseStore, engine.IdempotencyStore and engine.BlobStore entirely
// in process memory. Intended for tests and local development; nothing here
// survives a process restart.
type MemoryStore struct {
	mu sync.Mutex

	events      map[string][]engine.Event
	leases      map[string]engine.Lease
	tokens      map[string]int64
	attempts    map[string][]engine.StepAttempt
	completed   map[string]engine.CompletedStep
	snapshots   map[string]engine.Snapshot
	blobs       map[string][]byte
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][]engine.Event),
		leases:    make(map[string]engine.Lease),
		tokens:    make(map[string]int64),
		attempts:  make(map[string][]engine.StepAttempt),
		completed: make(map[string]engine.CompletedStep),
		snapshots: make(map[string]engine.Snapshot),
		blobs:     make(map[string][]byte),
	}
}

func completedKey(workflowID, stepID string) string { return workflowID + "\x00" + stepID }

// Append implements engine.JournalStore.
func (m *MemoryStore) Append(_ context.Context, e engine.Event, fencingToken int64) (engine.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.leases[e.WorkflowID]; ok && lease.FencingToken != fencingToken {
		return engine.Event{}, engine.ErrFenced
	}

	existing := m.events[e.WorkflowID]
	e.EventSeq = int64(len(existing)) + 1

	checksum, err := e.ComputeChecksum()
	if err != nil {
		return engine.Event{}, err
	}
	e.Checksum = checksum

	m.events[e.WorkflowID] = append(existing, e)
	return e, nil
}

// ReadRange implements engine.JournalStore.
func (m *MemoryStore) ReadRange(_ context.Context, workflowID string, fromSeq, toSeq int64) ([]engine.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []engine.Event
	for _, e := range m.events[workflowID] {
		if e.EventSeq < fromSeq {
			continue
		}
		if toSeq > 0 && e.EventSeq > toSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Tail implements engine.JournalStore.
func (m *MemoryStore) Tail(_ context.Context, workflowID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[workflowID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].EventSeq, nil
}

// Put implements engine.SnapshotStore.
func (m *MemoryStore) Put(_ context.Context, snap engine.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.snapshots[snap.SnapshotID]; exists {
		return nil
	}
	m.snapshots[snap.SnapshotID] = snap
	return nil
}

// Get implements engine.SnapshotStore.
func (m *MemoryStore) Get(_ context.Context, snapshotID string) (engine.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[snapshotID]
	return snap, ok, nil
}

// GetLatest implements engine.SnapshotStore.
func (m *MemoryStore) GetLatest(_ context.Context, workflowID string, maxSeq int64) (engine.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best engine.Snapshot
	found := false
	for _, snap := range m.snapshots {
		if snap.WorkflowID != workflowID || snap.LastEventSeq > maxSeq {
			continue
		}
		if !found || snap.LastEventSeq > best.LastEventSeq {
			best = snap
			found = true
		}
	}
	return best, found, nil
}

// List implements engine.SnapshotStore.
func (m *MemoryStore) List(_ context.Context, workflowID string) ([]engine.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []engine.Snapshot
	for _, snap := range m.snapshots {
		if snap.WorkflowID == workflowID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastEventSeq > out[j].LastEventSeq })
	return out, nil
}

// Acquire implements engine.LeaseStore.
func (m *MemoryStore) Acquire(_ context.Context, workflowID, ownerID string, ttl time.Duration) (engine.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.leases[workflowID]
	if ok && now.Before(existing.LeaseExpiresAt) && existing.OwnerID != ownerID {
		return engine.Lease{}, engine.ErrWorkflowLocked
	}

	// tokens outlives Release, so a token is never reissued for a workflow.
	token := m.tokens[workflowID] + 1
	m.tokens[workflowID] = token
	lease := engine.Lease{
		WorkflowID:     workflowID,
		OwnerID:        ownerID,
		AcquiredAt:     now,
		LeaseExpiresAt: now.Add(ttl),
		HeartbeatAt:    now,
		FencingToken:   token,
	}
	m.leases[workflowID] = lease
	return lease, nil
}

// Heartbeat implements engine.LeaseStore.
func (m *MemoryStore) Heartbeat(_ context.Context, lease engine.Lease, ttl time.Duration) (engine.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.leases[lease.WorkflowID]
	if !ok || stored.OwnerID != lease.OwnerID || stored.FencingToken != lease.FencingToken {
		return engine.Lease{}, engine.ErrFenced
	}

	now := time.Now().UTC()
	stored.LeaseExpiresAt = now.Add(ttl)
	stored.HeartbeatAt = now
	m.leases[lease.WorkflowID] = stored
	return stored, nil
}

// Release implements engine.LeaseStore.
func (m *MemoryStore) Release(_ context.Context, lease engine.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.leases[lease.WorkflowID]
	if !ok || stored.OwnerID != lease.OwnerID || stored.FencingToken != lease.FencingToken {
		return nil
	}
	delete(m.leases, lease.WorkflowID)
	return nil
}

// Get implements engine.LeaseStore.
func (m *MemoryStore) Get(_ context.Context, workflowID string) (engine.Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[workflowID]
	return lease, ok, nil
}

// CheckCompleted implements engine.IdempotencyStore.
func (m *MemoryStore) CheckCompleted(_ context.Context, workflowID, stepID string) (engine.CompletedStep, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.completed[completedKey(workflowID, stepID)]
	return cs, ok, nil
}

// AllocateAttempt implements engine.IdempotencyStore.
func (m *MemoryStore) AllocateAttempt(_ context.Context, workflowID, stepID string, fencingToken int64) (engine.StepAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.leases[workflowID]; ok && lease.FencingToken != fencingToken {
		return engine.StepAttempt{}, engine.ErrFenced
	}

	key := completedKey(workflowID, stepID)
	existing := m.attempts[key]
	attempt := engine.StepAttempt{
		WorkflowID:   workflowID,
		StepID:       stepID,
		AttemptID:    len(existing) + 1,
		FencingToken: fencingToken,
		AllocatedAt:  time.Now().UTC(),
	}
	m.attempts[key] = append(existing, attempt)
	return attempt, nil
}

// MarkCompleted implements engine.IdempotencyStore.
func (m *MemoryStore) MarkCompleted(_ context.Context, attempt engine.StepAttempt, newStateChecksum string) (engine.CompletedStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := completedKey(attempt.WorkflowID, attempt.StepID)
	if existing, ok := m.completed[key]; ok {
		return existing, nil
	}
	cs := engine.CompletedStep{
		WorkflowID:       attempt.WorkflowID,
		StepID:           attempt.StepID,
		AttemptID:        attempt.AttemptID,
		NewStateChecksum: newStateChecksum,
		CompletedAt:      time.Now().UTC(),
	}
	m.completed[key] = cs
	return cs, nil
}

// AttemptCount implements engine.IdempotencyStore.
func (m *MemoryStore) AttemptCount(_ context.Context, workflowID, stepID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts[completedKey(workflowID, stepID)]), nil
}

// PutBlob stores a copy of data under ref; Blobs exposes it as
// engine.BlobStore's Put.
func (m *MemoryStore) PutBlob(ref string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[ref] = cp
	return ref, nil
}

// GetBlob implements engine.BlobStore.
func (m *MemoryStore) GetBlob(ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// memoryBlobStore adapts MemoryStore's PutBlob/GetBlob to engine.BlobStore's
// Put/Get method names, since MemoryStore itself also needs distinctly-named
// methods to avoid colliding with engine.SnapshotStore's Put/Get.
type memoryBlobStore struct{ *MemoryStore }

func (b memoryBlobStore) Put(ref string, data []byte) (string, error) { return b.PutBlob(ref, data) }
func (b memoryBlobStore) Get(ref string) ([]byte, error)              { return b.GetBlob(ref) }

// Blobs returns an engine.BlobStore view of this store.
func (m *MemoryStore) Blobs() engine.BlobStore { return memoryBlobStore{m} }

var (
	_ engine.JournalStore     = (*MemoryStore)(nil)
	_ engine.SnapshotStore    = (*MemoryStore)(nil)
	_ engine.LeaseStore       = (*MemoryStore)(nil)
	_ engine.IdempotencyStore = (*MemoryStore)(nil)
	_ engine.BlobStore        = memoryBlobStore{}
)
