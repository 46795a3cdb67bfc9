package engine

import (
	"context"
	"time"
)

// Lease is a time-bounded exclusive right to execute a given workflow, held
// by a single executor. See spec §3 "Lease" and §4.4.
type Lease struct {
	WorkflowID     string    `json:"workflow_id"`
	OwnerID        string    `json:"owner_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	HeartbeatAt    time.Time `json:"heartbeat_at"`
	FencingToken   int64     `json:"fencing_token"`
}

// Expired reports whether the lease's TTL has passed as of now.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.LeaseExpiresAt)
}

// LeaseStore is the persistence boundary for the lease manager. Exactly one
// live lease exists per workflow_id at any time; Acquire, Heartbeat and
// Release all condition their writes on the three-way match
// (workflow_id, owner_id, fencing_token) described in spec §4.4.
type LeaseStore interface {
	// Acquire atomically inserts a new lease row (no prior owner, or the
	// prior lease_expires_at has passed), issuing fencing_token =
	// previous_token + 1 (or 1 if none). Returns ErrWorkflowLocked if a live
	// lease with a different owner_id exists.
	Acquire(ctx context.Context, workflowID, ownerID string, ttl time.Duration) (Lease, error)

	// Heartbeat extends lease_expires_at by ttl only if
	// (workflow_id, owner_id, fencing_token) still match the stored row.
	// Returns ErrFenced on mismatch.
	Heartbeat(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)

	// Release deletes the row only under the same three-way match; a
	// mismatch is a no-op, since the lease was already reclaimed.
	Release(ctx context.Context, lease Lease) error

	// Get returns the currently stored lease for workflowID, if any.
	Get(ctx context.Context, workflowID string) (Lease, bool, error)
}
