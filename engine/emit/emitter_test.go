package emit

import (
	"context"
	"errors"
	"testing"
)

type recordingEmitter struct {
	events      []Event
	batchErr    error
	flushErr    error
	batchCalled bool
	flushCalled bool
}

func (r *recordingEmitter) Emit(e Event) { r.events = append(r.events, e) }

func (r *recordingEmitter) EmitBatch(ctx context.Context, events []Event) error {
	r.batchCalled = true
	r.events = append(r.events, events...)
	return r.batchErr
}

func (r *recordingEmitter) Flush(ctx context.Context) error {
	r.flushCalled = true
	return r.flushErr
}

func TestMultiEmitFansOutToEveryEmitter(t *testing.T) {
	a, b := &recordingEmitter{}, &recordingEmitter{}
	m := Multi{a, b}

	m.Emit(Event{WorkflowID: "wf1", Msg: "step_completed"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both emitters to receive the event, got a=%d b=%d", len(a.events), len(b.events))
	}
}

func TestMultiEmitBatchReturnsFirstError(t *testing.T) {
	errA := errors.New("emitter a failed")
	a := &recordingEmitter{batchErr: errA}
	b := &recordingEmitter{}
	m := Multi{a, b}

	err := m.EmitBatch(context.Background(), []Event{{WorkflowID: "wf1"}})
	if !errors.Is(err, errA) {
		t.Fatalf("got error %v, want %v", err, errA)
	}
	if !b.batchCalled {
		t.Fatal("a failing does not stop b from being called")
	}
}

func TestMultiFlushReturnsFirstError(t *testing.T) {
	errA := errors.New("flush a failed")
	a := &recordingEmitter{flushErr: errA}
	b := &recordingEmitter{}
	m := Multi{a, b}

	err := m.Flush(context.Background())
	if !errors.Is(err, errA) {
		t.Fatalf("got error %v, want %v", err, errA)
	}
	if !b.flushCalled {
		t.Fatal("a failing does not stop b's Flush from being called")
	}
}
