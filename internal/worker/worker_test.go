package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/resilience"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/taskqueue"
)

func TestWorkerDispatchesRegisteredHandler(t *testing.T) {
	q := taskqueue.New(taskqueue.NewMemoryBackend(), nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, taskqueue.Task{ID: "t1", Type: "email", Priority: taskqueue.PriorityNormal, TimeoutSeconds: 1})

	handled := make(chan string, 1)
	handlers := map[string]Handler{
		"email": func(ctx context.Context, task taskqueue.Task) (map[string]any, error) {
			handled <- task.ID
			return map[string]any{"sent": true}, nil
		},
	}

	stack := resilience.NewStack(nil, nil)
	w := New(Config{ID: "w1", DequeuePollInterval: 5 * time.Millisecond}, q, stack, handlers, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	select {
	case id := <-handled:
		if id != "t1" {
			t.Fatalf("unexpected task id %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler dispatch")
	}

	cancel()
	<-done
}

func TestWorkerFailsTaskWithNoHandler(t *testing.T) {
	q := taskqueue.New(taskqueue.NewMemoryBackend(), nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, taskqueue.Task{ID: "t2", Type: "unknown", Priority: taskqueue.PriorityNormal, MaxRetries: 0})

	stack := resilience.NewStack(nil, nil)
	w := New(Config{ID: "w2", DequeuePollInterval: 5 * time.Millisecond}, q, stack, map[string]Handler{}, nil)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	w.Run(runCtx)

	// With max_retries=0 the single Fail() call should dead-letter the task, so it must
	// no longer be dequeueable.
	_, ok, _ := q.Dequeue(context.Background(), "inspector", nil)
	if ok {
		t.Fatal("task with no handler should have been failed to dead-letter, not left dequeueable")
	}
}
