package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestWorkerProcess_Success(t *testing.T) {
	var handled []Job
	w := NewWorker(nil, func(_ context.Context, job Job) error {
		handled = append(handled, job)
		return nil
	})

	data, _ := json.Marshal(Job{ID: "j1", Kind: KindMarkRead, Room: "R1"})
	w.process(data)

	if len(handled) != 1 {
		t.Fatalf("expected 1 handled job, got %d", len(handled))
	}
	if handled[0].Room != "R1" || handled[0].Kind != KindMarkRead {
		t.Errorf("unexpected job: %+v", handled[0])
	}
}

func TestWorkerProcess_InvalidPayload(t *testing.T) {
	called := false
	w := NewWorker(nil, func(context.Context, Job) error {
		called = true
		return nil
	})

	w.process([]byte("{not json"))

	if called {
		t.Error("handler must not run for an invalid payload")
	}
}

func TestWorkerProcess_DropsAfterMaxAttempts(t *testing.T) {
	calls := 0
	w := NewWorker(nil, func(context.Context, Job) error {
		calls++
		return errors.New("store down")
	})

	// A job one failure away from the limit is dropped, not requeued
	// (a requeue would need the Redis client, which is nil here).
	data, _ := json.Marshal(Job{ID: "j1", Kind: KindMarkRead, Room: "R1", Attempts: MaxAttempts - 1})
	w.process(data)

	if calls != 1 {
		t.Fatalf("expected 1 handler call, got %d", calls)
	}
}
