package engine

import "context"

// JournalStore is the append-only system of record for a workflow's events,
// per spec §3 "Event" and §4.2. Implementations must assign EventSeq
// atomically and contiguously per WorkflowID, starting at 1, and must reject
// an Append whose caller-supplied FencingToken does not match the current
// lease (see spec §4.4 and §7, ErrFenced).
type JournalStore interface {
	// Append assigns the next EventSeq for e.WorkflowID, recomputes and
	// reassigns e.Checksum now that EventSeq is known (checksumFields
	// includes EventSeq, so any checksum computed before this point is only
	// a placeholder), and durably writes it gated on fencingToken matching
	// the workflow's current lease. Returns the event with EventSeq and
	// Checksum populated.
	Append(ctx context.Context, e Event, fencingToken int64) (Event, error)

	// ReadRange returns events for workflowID with EventSeq in
	// [fromSeq, toSeq], inclusive, ordered by EventSeq ascending. toSeq <= 0
	// means "through the latest event".
	ReadRange(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]Event, error)

	// Tail returns the highest EventSeq recorded for workflowID, or 0 if no
	// events exist yet.
	Tail(ctx context.Context, workflowID string) (int64, error)
}
