package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

// Queue implements the spec's five task-queue operations over a pluggable Backend. Complete
// and Cancel are no-ops on a task that is already terminal; Enqueue does not check whether
// the task id is already known, and Fail counts every call as a new failure.
type Queue struct {
	backend Backend
	logger  *slog.Logger
}

// New builds a Queue over backend. If backend is nil, an in-process MemoryBackend is used
// and the degradation is logged, per the spec's fallback note.
func New(backend Backend, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if backend == nil {
		logger.Warn("taskqueue: no durable backend configured, falling back to in-process store; persistence and cross-worker visibility are lost")
		backend = NewMemoryBackend()
	}
	return &Queue{backend: backend, logger: logger}
}

// Enqueue persists task and places it in the delayed set (if scheduled_at is in the future)
// or its priority lane.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	if err := q.backend.SaveTask(task); err != nil {
		return errs.Wrap(errs.KindFatal, "taskqueue.enqueue", "persist task record failed", err)
	}

	if task.ScheduledAt != nil && task.ScheduledAt.After(time.Now()) {
		if err := q.backend.DelayedAdd(task.ID, *task.ScheduledAt); err != nil {
			return errs.Wrap(errs.KindTransient, "taskqueue.enqueue", "delayed insert failed", err)
		}
		return nil
	}

	if err := q.backend.PushLane(task.Priority, task.ID); err != nil {
		return errs.Wrap(errs.KindTransient, "taskqueue.enqueue", "lane push failed", err)
	}
	return nil
}

// Dequeue promotes any due delayed task into its lane, then pops the highest-priority id
// whose type is in allowedTypes (nil/empty accepts any type). Returns (Task{}, false, nil)
// when nothing is available.
func (q *Queue) Dequeue(ctx context.Context, workerID string, allowedTypes []string) (Task, bool, error) {
	if err := q.promoteDelayed(); err != nil {
		return Task{}, false, err
	}

	for _, lane := range lanes {
		for {
			id, ok, err := q.backend.PopLane(lane)
			if err != nil {
				return Task{}, false, errs.Wrap(errs.KindTransient, "taskqueue.dequeue", "lane pop failed", err)
			}
			if !ok {
				break // this lane is empty, try the next
			}

			task, found, err := q.backend.LoadTask(id)
			if err != nil {
				return Task{}, false, errs.Wrap(errs.KindTransient, "taskqueue.dequeue", "load task failed", err)
			}
			if !found {
				continue // tombstoned, skip silently
			}
			if task.IsTerminal() {
				continue // cancelled while still queued; drop it from the lane
			}

			if !task.AcceptsType(allowedTypes) {
				if err := q.backend.RequeueLane(lane, id); err != nil {
					return Task{}, false, errs.Wrap(errs.KindTransient, "taskqueue.dequeue", "requeue failed", err)
				}
				continue
			}

			now := time.Now()
			task.Status = StatusAssigned
			task.WorkerID = workerID
			task.AssignedAt = &now
			if err := q.backend.SaveTask(task); err != nil {
				return Task{}, false, errs.Wrap(errs.KindFatal, "taskqueue.dequeue", "persist assignment failed", err)
			}
			if err := q.backend.ProcessingAdd(id, now); err != nil {
				return Task{}, false, errs.Wrap(errs.KindTransient, "taskqueue.dequeue", "processing add failed", err)
			}
			return task, true, nil
		}
	}
	return Task{}, false, nil
}

func (q *Queue) promoteDelayed() error {
	ready, err := q.backend.SweepDelayed(time.Now())
	if err != nil {
		return errs.Wrap(errs.KindTransient, "taskqueue.promote_delayed", "sweep failed", err)
	}
	for _, id := range ready {
		task, found, err := q.backend.LoadTask(id)
		if err != nil {
			return errs.Wrap(errs.KindTransient, "taskqueue.promote_delayed", "load task failed", err)
		}
		if !found {
			continue
		}
		if err := q.backend.PushLane(task.Priority, id); err != nil {
			return errs.Wrap(errs.KindTransient, "taskqueue.promote_delayed", "lane push failed", err)
		}
	}
	return nil
}

// Complete marks a task completed and removes it from the processing set.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	task, found, err := q.backend.LoadTask(taskID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "taskqueue.complete", "load task failed", err)
	}
	if !found {
		return errs.New(errs.KindNotFound, "taskqueue.complete", "task "+taskID+" not found")
	}
	if task.IsTerminal() {
		return nil // idempotent no-op
	}

	now := time.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.Result = result

	if err := q.backend.SaveTask(task); err != nil {
		return errs.Wrap(errs.KindFatal, "taskqueue.complete", "persist completion failed", err)
	}
	return q.backend.ProcessingRemove(taskID)
}

// Fail records an error against task. If retry_count stays within max_retries, the task is
// re-delayed by retry_delay_seconds; otherwise it is moved to the dead-letter list.
func (q *Queue) Fail(ctx context.Context, taskID, errMsg string) error {
	task, found, err := q.backend.LoadTask(taskID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "taskqueue.fail", "load task failed", err)
	}
	if !found {
		return errs.New(errs.KindNotFound, "taskqueue.fail", "task "+taskID+" not found")
	}
	if task.IsTerminal() {
		return nil
	}

	task.RetryCount++
	task.LastError = errMsg

	if err := q.backend.ProcessingRemove(taskID); err != nil {
		return errs.Wrap(errs.KindTransient, "taskqueue.fail", "processing remove failed", err)
	}

	if task.RetryCount <= task.MaxRetries {
		task.Status = StatusRetrying
		delay := time.Duration(task.RetryDelaySeconds) * time.Second
		scheduledAt := time.Now().Add(delay)
		task.ScheduledAt = &scheduledAt
		if err := q.backend.SaveTask(task); err != nil {
			return errs.Wrap(errs.KindFatal, "taskqueue.fail", "persist retry failed", err)
		}
		return q.backend.DelayedAdd(taskID, scheduledAt)
	}

	task.Status = StatusDead
	if err := q.backend.SaveTask(task); err != nil {
		return errs.Wrap(errs.KindFatal, "taskqueue.fail", "persist dead state failed", err)
	}
	return q.backend.DeadLetterPush(taskID)
}

// Cancel marks a non-terminal task cancelled. No-op if the task is already terminal.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	task, found, err := q.backend.LoadTask(taskID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "taskqueue.cancel", "load task failed", err)
	}
	if !found {
		return errs.New(errs.KindNotFound, "taskqueue.cancel", "task "+taskID+" not found")
	}
	if task.IsTerminal() {
		return nil
	}

	task.Status = StatusCancelled
	if err := q.backend.SaveTask(task); err != nil {
		return errs.Wrap(errs.KindFatal, "taskqueue.cancel", "persist cancellation failed", err)
	}
	return q.backend.ProcessingRemove(taskID)
}

// CleanupStale sweeps the processing set for tasks assigned longer than threshold ago,
// failing each one as a likely worker crash, and returns the count swept.
func (q *Queue) CleanupStale(ctx context.Context, threshold time.Duration) (int, error) {
	snapshot, err := q.backend.ProcessingSnapshot()
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, "taskqueue.cleanup_stale", "processing snapshot failed", err)
	}

	now := time.Now()
	swept := 0
	for id, assignedAt := range snapshot {
		if now.Sub(assignedAt) <= threshold {
			continue
		}
		if err := q.Fail(ctx, id, "processing timeout — worker likely crashed"); err != nil {
			return swept, fmt.Errorf("cleanup_stale: fail %s: %w", id, err)
		}
		swept++
	}
	return swept, nil
}
