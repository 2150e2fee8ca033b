// Package worker implements a single task-queue consumer loop, grounded on
// services/orchestrator/task_executor.go's dispatch-by-type MultiTaskExecutor and
// main.go's worker goroutine shape, generalized to the fabric's queue/timeout/handler model.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/resilience"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/taskqueue"
)

// Status is the worker's reported lifecycle state.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// Handler executes one task of a registered type.
type Handler func(ctx context.Context, task taskqueue.Task) (map[string]any, error)

// Config parameterizes a Worker.
type Config struct {
	ID                     string
	AcceptedTypes          []string // nil/empty accepts any type
	MaxConcurrentTasks     int      // default 1
	HeartbeatInterval      time.Duration
	ShutdownTimeout        time.Duration
	DequeuePollInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.DequeuePollInterval <= 0 {
		c.DequeuePollInterval = 200 * time.Millisecond
	}
}

// Worker pulls tasks of its accepted types from a Queue and dispatches them to a Handler
// registered by task type, bounded by an internal semaphore.
type Worker struct {
	cfg     Config
	queue   *taskqueue.Queue
	stack   *resilience.Stack
	logger  *slog.Logger
	sem     chan struct{}

	mu             sync.RWMutex
	status         Status
	lastHeartbeat  time.Time
	consecutiveErr int

	handlers map[string]Handler

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Worker. handlers maps task.Type to the Handler that executes it.
func New(cfg Config, queue *taskqueue.Queue, stack *resilience.Stack, handlers map[string]Handler, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		stack:    stack,
		logger:   logger.With("worker_id", cfg.ID),
		sem:      make(chan struct{}, cfg.MaxConcurrentTasks),
		status:   StatusStarting,
		handlers: handlers,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// ConsecutiveErrors reports how many dispatch errors have happened in a row, used by the
// worker pool's health loop to decide when to replace this worker.
func (w *Worker) ConsecutiveErrors() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.consecutiveErr
}

// Run drives the pull loop until ctx is cancelled or Stop is called. It blocks until the
// loop exits.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	w.setStatus(StatusIdle)

	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	w.beat()

	poll := time.NewTicker(w.cfg.DequeuePollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drainAndStop(context.Background())
			return
		case <-w.stopCh:
			w.drainAndStop(ctx)
			return
		case <-heartbeat.C:
			w.beat()
		case <-poll.C:
			w.pullOnce(ctx)
		}
	}
}

func (w *Worker) beat() {
	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()
}

// pullOnce acquires a concurrency slot, dequeues one task, and dispatches it. A full
// semaphore means max_concurrent_tasks in-flight tasks already — it just skips this tick.
func (w *Worker) pullOnce(ctx context.Context) {
	select {
	case w.sem <- struct{}{}:
	default:
		return
	}

	go func() {
		defer func() { <-w.sem }()
		w.dispatchNext(ctx)
	}()
}

func (w *Worker) dispatchNext(ctx context.Context) {
	task, ok, err := w.queue.Dequeue(ctx, w.cfg.ID, w.cfg.AcceptedTypes)
	if err != nil {
		w.logger.Warn("dequeue failed", "error", err)
		w.recordError()
		return
	}
	if !ok {
		return
	}

	w.setStatus(StatusProcessing)
	defer w.setStatus(StatusIdle)

	handler, found := w.handlers[task.Type]
	if !found {
		_ = w.queue.Fail(ctx, task.ID, "no handler registered for task type "+task.Type)
		w.recordError()
		return
	}

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler(attemptCtx, task)
	if err != nil {
		w.logger.Warn("task failed", "task_id", task.ID, "type", task.Type, "error", err)
		if ferr := w.queue.Fail(ctx, task.ID, err.Error()); ferr != nil {
			w.logger.Error("failed to record task failure", "task_id", task.ID, "error", ferr)
		}
		w.recordError()
		return
	}

	if cerr := w.queue.Complete(ctx, task.ID, result); cerr != nil {
		w.logger.Error("failed to record task completion", "task_id", task.ID, "error", cerr)
		w.recordError()
		return
	}
	w.resetErrors()
}

func (w *Worker) recordError() {
	w.mu.Lock()
	w.consecutiveErr++
	w.mu.Unlock()
}

func (w *Worker) resetErrors() {
	w.mu.Lock()
	w.consecutiveErr = 0
	w.mu.Unlock()
}

// Stop requests a graceful shutdown: the pull loop stops taking new tasks and Run returns
// once any in-flight task finishes or ShutdownTimeout elapses, whichever is first.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

func (w *Worker) drainAndStop(ctx context.Context) {
	w.setStatus(StatusStopping)
	drainCtx, cancel := context.WithTimeout(ctx, w.cfg.ShutdownTimeout)
	defer cancel()

	// Wait for every in-flight slot to free up, or give up at ShutdownTimeout — any task
	// still processing then is left in the queue's processing set for stale-reclamation.
	for i := 0; i < w.cfg.MaxConcurrentTasks; i++ {
		select {
		case w.sem <- struct{}{}:
		case <-drainCtx.Done():
			w.setStatus(StatusStopped)
			return
		}
	}
	for i := 0; i < w.cfg.MaxConcurrentTasks; i++ {
		<-w.sem
	}
	w.setStatus(StatusStopped)
}
