package engine

import "github.com/google/uuid"

// NewWorkflowID generates a fresh opaque workflow identifier.
func NewWorkflowID() string { return uuid.NewString() }

// NewEventID generates a fresh globally unique event identifier.
func NewEventID() string { return uuid.NewString() }

// NewSnapshotID generates a fresh opaque snapshot identifier.
func NewSnapshotID() string { return uuid.NewString() }

// NewSavepointID generates a fresh opaque savepoint identifier.
func NewSavepointID() string { return uuid.NewString() }
