package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/distflow/corewf/engine"
)

// CircuitJournalStore wraps an engine.JournalStore with a per-store circuit
// breaker, so that a struggling database stops taking new Append/ReadRange
// calls for a cooldown period instead of letting every in-flight workflow
// queue up behind a slow or failing backend. Trips surface as
// engine.ErrJournalWriteError / engine.ErrRecoveryFailed, matching what the
// engine already does on a persistence failure.
type CircuitJournalStore struct {
	inner engine.JournalStore
	cb    *gobreaker.CircuitBreaker
}

// NewCircuitJournalStore wraps inner with a breaker named name, tripping
// after 5 consecutive failures and resetting after a 30s cooldown.
func NewCircuitJournalStore(name string, inner engine.JournalStore) *CircuitJournalStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &CircuitJournalStore{inner: inner, cb: cb}
}

// Append implements engine.JournalStore.
func (c *CircuitJournalStore) Append(ctx context.Context, e engine.Event, fencingToken int64) (engine.Event, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.inner.Append(ctx, e, fencingToken)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return engine.Event{}, fmt.Errorf("%w: %v", engine.ErrJournalWriteError, err)
		}
		return engine.Event{}, err
	}
	return result.(engine.Event), nil
}

// ReadRange implements engine.JournalStore.
func (c *CircuitJournalStore) ReadRange(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]engine.Event, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.inner.ReadRange(ctx, workflowID, fromSeq, toSeq)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", engine.ErrRecoveryFailed, err)
		}
		return nil, err
	}
	return result.([]engine.Event), nil
}

// Tail implements engine.JournalStore.
func (c *CircuitJournalStore) Tail(ctx context.Context, workflowID string) (int64, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.inner.Tail(ctx, workflowID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return 0, fmt.Errorf("%w: %v", engine.ErrJournalWriteError, err)
		}
		return 0, err
	}
	return result.(int64), nil
}

var _ engine.JournalStore = (*CircuitJournalStore)(nil)
