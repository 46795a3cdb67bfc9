// Package engine implements the durable workflow execution core: an
// append-only event journal, a snapshot store, a fencing-token lease
// manager, and an exactly-once step runtime, composed so that long-running
// workflows survive crashes, restarts, and executor failover.
package engine

import (
	"context"
	"fmt"

	"github.com/distflow/corewf/engine/emit"
)

// WorkflowFunc is a user-supplied workflow body: it receives a
// WorkflowContext through which every step call is routed, and returns when
// the workflow reaches a terminal outcome or an unrecoverable error.
type WorkflowFunc func(wc *WorkflowContext) error

// StepFunc is a unit of work inside a workflow. It receives the workflow's
// current variables and returns the fields it wants merged into them. A
// StepFunc should be idempotent or key its own non-idempotent external
// effects (spec §7); the runtime passes it no idempotency key.
type StepFunc func(ctx context.Context, vars map[string]any) (map[string]any, error)

// Engine ties the four persistence interfaces, the configured defaults, and
// an observability emitter together into the single entry point workflows
// run against. It holds no per-workflow state; all of that lives in
// WorkflowContext, which is why one Engine safely drives many concurrent
// workflows.
type Engine struct {
	Journal     JournalStore
	Snapshots   SnapshotStore
	Leases      LeaseStore
	Idempotency IdempotencyStore
	Blobs       BlobStore
	Emitter     emit.Emitter

	recovery *Recovery
	config   *EngineConfig
}

// New constructs an Engine from its four persistence stores and applies
// opts over the package defaults. blobs and emitter may be nil.
func New(journal JournalStore, snapshots SnapshotStore, leases LeaseStore, idempotency IdempotencyStore, blobs BlobStore, emitter emit.Emitter, opts ...Option) (*Engine, error) {
	if journal == nil {
		return nil, newEngineError("MissingJournalStore", nil)
	}
	if snapshots == nil {
		return nil, newEngineError("MissingSnapshotStore", nil)
	}
	if leases == nil {
		return nil, newEngineError("MissingLeaseStore", nil)
	}
	if idempotency == nil {
		return nil, newEngineError("MissingIdempotencyStore", nil)
	}
	if emitter == nil {
		emitter = emit.Multi{}
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply engine option: %w", err)
		}
	}

	return &Engine{
		Journal:     journal,
		Snapshots:   snapshots,
		Leases:      leases,
		Idempotency: idempotency,
		Blobs:       blobs,
		Emitter:     emitter,
		recovery:    NewRecovery(journal, snapshots, blobs),
		config:      cfg,
	}, nil
}

func (e *Engine) emit(event emit.Event) {
	if e.Emitter != nil {
		e.Emitter.Emit(event)
	}
}
