package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/store"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/taskqueue"
)

func newTestScheduler(t *testing.T) (*Scheduler, *taskqueue.Queue) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sched.db")
	db, err := store.OpenBolt(dbPath, BucketName())
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	boltStore, err := store.NewBoltStore(db, BucketName(), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}

	q := taskqueue.New(taskqueue.NewMemoryBackend(), nil)
	return New(Config{TickInterval: time.Hour}, boltStore, q, nil), q
}

func TestIntervalJobReschedulesAfterRun(t *testing.T) {
	s, q := newTestScheduler(t)
	ctx := context.Background()

	job := Job{
		Name:     "heartbeat",
		Schedule: Schedule{Type: TypeInterval, IntervalSeconds: 60},
		TaskType: "ping",
		Priority: taskqueue.PriorityNormal,
	}
	if err := s.AddJob(job); err != nil {
		t.Fatalf("add job: %v", err)
	}

	var stored Job
	for _, k := range s.store.Keys() {
		s.store.Get(k, &stored)
	}
	if stored.NextRunAt == nil {
		t.Fatal("expected next_run_at to be set")
	}

	// Force it due and tick.
	past := time.Now().Add(-time.Second)
	stored.NextRunAt = &past
	if err := s.store.Put(stored.ID, stored); err != nil {
		t.Fatalf("force due: %v", err)
	}
	s.tick(ctx)
	time.Sleep(50 * time.Millisecond) // runJob is dispatched in a goroutine

	var after Job
	if _, err := s.store.Get(stored.ID, &after); err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if after.Schedule.RunCount != 1 {
		t.Fatalf("expected run_count=1, got %d", after.Schedule.RunCount)
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(time.Now()) {
		t.Fatal("expected next_run_at to be rescheduled into the future")
	}
	if after.Status != StatusScheduled {
		t.Fatalf("expected scheduled, got %s", after.Status)
	}

	if _, ok, _ := q.Dequeue(ctx, "w1", nil); !ok {
		t.Fatal("expected a task to have been enqueued")
	}
}

func TestOnceJobCompletesAfterRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	runAt := time.Now().Add(-time.Minute) // already past, so AddJob marks it completed immediately
	job := Job{
		Name:     "one-shot",
		Schedule: Schedule{Type: TypeOnce, RunAt: &runAt},
		TaskType: "ping",
	}
	if err := s.AddJob(job); err != nil {
		t.Fatalf("add job: %v", err)
	}

	var stored Job
	for _, k := range s.store.Keys() {
		s.store.Get(k, &stored)
	}
	if stored.Status != StatusCompleted || stored.Enabled {
		t.Fatalf("expected already-past ONCE job to be disabled and completed, got %+v", stored)
	}
	_ = ctx
}

func TestWebhookJobDoesNotGetScheduledTime(t *testing.T) {
	s, _ := newTestScheduler(t)
	job := Job{Name: "inbound-hook", Schedule: Schedule{Type: TypeWebhook}, TaskType: "ingest"}
	if err := s.AddJob(job); err != nil {
		t.Fatalf("add job: %v", err)
	}

	var stored Job
	for _, k := range s.store.Keys() {
		s.store.Get(k, &stored)
	}
	if stored.NextRunAt != nil {
		t.Fatal("WEBHOOK jobs must not carry a scheduled next_run_at")
	}
}

func TestPauseResumeCycle(t *testing.T) {
	s, _ := newTestScheduler(t)
	job := Job{Name: "daily", Schedule: Schedule{Type: TypeDaily, Hour: 3, Minute: 0}, TaskType: "report"}
	if err := s.AddJob(job); err != nil {
		t.Fatalf("add job: %v", err)
	}

	var id string
	for _, k := range s.store.Keys() {
		id = k
	}

	if err := s.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	var paused Job
	s.store.Get(id, &paused)
	if paused.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}

	if err := s.Resume(id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	var resumed Job
	s.store.Get(id, &resumed)
	if resumed.Status != StatusScheduled || resumed.NextRunAt == nil {
		t.Fatalf("expected resumed job to be rescheduled, got %+v", resumed)
	}
}
