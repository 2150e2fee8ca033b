package taskqueue

import (
	"context"
	"testing"
	"time"
)

func newTestQueue() *Queue {
	return New(NewMemoryBackend(), nil)
}

func TestEnqueueDequeueOrdersByPriority(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	low := Task{ID: "low", Type: "t", Priority: PriorityLow}
	critical := Task{ID: "crit", Type: "t", Priority: PriorityCritical}

	if err := q.Enqueue(ctx, low); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := q.Enqueue(ctx, critical); err != nil {
		t.Fatalf("enqueue critical: %v", err)
	}

	task, ok, err := q.Dequeue(ctx, "worker-1", nil)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if task.ID != "crit" {
		t.Fatalf("expected critical task first, got %s", task.ID)
	}
	if task.Status != StatusAssigned || task.WorkerID != "worker-1" {
		t.Fatalf("unexpected assignment state: %+v", task)
	}
}

func TestDequeueSkipsDisallowedType(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	_ = q.Enqueue(ctx, Task{ID: "a", Type: "email", Priority: PriorityHigh})
	_ = q.Enqueue(ctx, Task{ID: "b", Type: "sms", Priority: PriorityHigh})

	task, ok, err := q.Dequeue(ctx, "w1", []string{"sms"})
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if task.ID != "b" {
		t.Fatalf("expected sms task b, got %s", task.ID)
	}
}

func TestDelayedTaskPromotedWhenDue(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	future := time.Now().Add(10 * time.Millisecond)
	_ = q.Enqueue(ctx, Task{ID: "delayed", Type: "t", Priority: PriorityNormal, ScheduledAt: &future})

	if _, ok, _ := q.Dequeue(ctx, "w1", nil); ok {
		t.Fatal("task should not be available before scheduled_at")
	}

	time.Sleep(20 * time.Millisecond)
	task, ok, err := q.Dequeue(ctx, "w1", nil)
	if err != nil || !ok {
		t.Fatalf("expected task after scheduled_at: ok=%v err=%v", ok, err)
	}
	if task.ID != "delayed" {
		t.Fatalf("unexpected task id %s", task.ID)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, Task{ID: "x", Type: "t", Priority: PriorityNormal})
	q.Dequeue(ctx, "w1", nil)

	if err := q.Complete(ctx, "x", map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.Complete(ctx, "x", map[string]any{"ok": true}); err != nil {
		t.Fatalf("second complete should be a no-op, got: %v", err)
	}

	task, _, _ := q.backend.LoadTask("x")
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, Task{ID: "y", Type: "t", Priority: PriorityNormal, MaxRetries: 1, RetryDelaySeconds: 0})
	q.Dequeue(ctx, "w1", nil)

	if err := q.Fail(ctx, "y", "boom"); err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	task, _, _ := q.backend.LoadTask("y")
	if task.Status != StatusRetrying || task.RetryCount != 1 {
		t.Fatalf("expected retrying with retry_count=1, got %+v", task)
	}

	// second attempt: re-dequeue then fail again, exceeding max_retries
	redequeued, ok, err := q.Dequeue(ctx, "w1", nil)
	if err != nil || !ok {
		t.Fatalf("expected retried task to be redeliverable: ok=%v err=%v", ok, err)
	}
	if err := q.Fail(ctx, redequeued.ID, "boom again"); err != nil {
		t.Fatalf("fail 2: %v", err)
	}

	task, _, _ = q.backend.LoadTask("y")
	if task.Status != StatusDead {
		t.Fatalf("expected dead after exceeding max_retries, got %s", task.Status)
	}
}

func TestCancelNoOpOnTerminal(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, Task{ID: "z", Type: "t", Priority: PriorityNormal})
	q.Dequeue(ctx, "w1", nil)
	_ = q.Complete(ctx, "z", nil)

	if err := q.Cancel(ctx, "z"); err != nil {
		t.Fatalf("cancel on terminal task should be a no-op, got %v", err)
	}
	task, _, _ := q.backend.LoadTask("z")
	if task.Status != StatusCompleted {
		t.Fatalf("terminal status must not change, got %s", task.Status)
	}
}

func TestCleanupStaleFailsOverdueProcessingTasks(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, Task{ID: "stale", Type: "t", Priority: PriorityNormal, MaxRetries: 0})
	q.Dequeue(ctx, "w1", nil)

	swept, err := q.CleanupStale(ctx, 0) // any age counts as stale
	if err != nil {
		t.Fatalf("cleanup_stale: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}

	task, _, _ := q.backend.LoadTask("stale")
	if task.Status != StatusDead {
		t.Fatalf("expected dead (max_retries=0), got %s", task.Status)
	}
}
