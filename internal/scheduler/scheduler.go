package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/store"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/taskqueue"
)

const bucketJobs = "scheduler_jobs"

// Config parameterizes the Scheduler's tick loop.
type Config struct {
	TickInterval      time.Duration // default 10s, per spec
	MaxConcurrentJobs int
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 10
	}
}

// Scheduler persists Jobs in a BoltStore and, once per TickInterval, enqueues a task for
// every job whose next_run_at is due, bounded by MaxConcurrentJobs in-flight runs.
type Scheduler struct {
	cfg   Config
	store *store.BoltStore
	queue *taskqueue.Queue
	log   *slog.Logger

	sem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. boltStore must already be warmed over the "scheduler_jobs" bucket
// (see BucketName).
func New(cfg Config, boltStore *store.BoltStore, queue *taskqueue.Queue, log *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  boltStore,
		queue:  queue,
		log:    log,
		sem:    make(chan struct{}, cfg.MaxConcurrentJobs),
		stopCh: make(chan struct{}),
	}
}

// BucketName is the bbolt bucket this package's store must be opened with.
func BucketName() string { return bucketJobs }

// Start runs the tick loop in a background goroutine until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	_ = store.ForEach(s.store, func(key string, job Job) error {
		if !job.IsDue(now) {
			return nil
		}
		select {
		case s.sem <- struct{}{}:
		default:
			return nil // at max_concurrent_jobs this tick, try again next tick
		}
		go func(j Job) {
			defer func() { <-s.sem }()
			s.runJob(ctx, j)
		}(job)
		return nil
	})
}

// AddJob persists a new job, computing its initial next_run_at.
func (s *Scheduler) AddJob(job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusScheduled
	}
	job.Enabled = true

	next, done, err := computeNextRun(job.Schedule, time.Now())
	if err != nil {
		return fmt.Errorf("compute initial next_run_at: %w", err)
	}
	if done {
		job.Status = StatusCompleted
		job.Enabled = false
	} else {
		job.NextRunAt = next
	}
	return s.store.Put(job.ID, job)
}

// Pause marks a job as not due; its next_run_at is left in place, and Resume recomputes it.
func (s *Scheduler) Pause(jobID string) error {
	var job Job
	found, err := s.store.Get(jobID, &job)
	if err != nil || !found {
		return fmt.Errorf("pause: job %s not found", jobID)
	}
	job.Status = StatusPaused
	return s.store.Put(jobID, job)
}

// Resume recomputes next_run_at from now and re-activates a paused job.
func (s *Scheduler) Resume(jobID string) error {
	var job Job
	found, err := s.store.Get(jobID, &job)
	if err != nil || !found {
		return fmt.Errorf("resume: job %s not found", jobID)
	}
	next, done, err := computeNextRun(job.Schedule, time.Now())
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if done {
		job.Status = StatusCompleted
		job.Enabled = false
	} else {
		job.Status = StatusScheduled
		job.NextRunAt = next
	}
	return s.store.Put(jobID, job)
}

// Cancel disables a job permanently.
func (s *Scheduler) Cancel(jobID string) error {
	var job Job
	found, err := s.store.Get(jobID, &job)
	if err != nil || !found {
		return fmt.Errorf("cancel: job %s not found", jobID)
	}
	job.Status = StatusCancelled
	job.Enabled = false
	return s.store.Put(jobID, job)
}

// TriggerManual enqueues a job's task once without advancing its schedule — for
// WEBHOOK/EVENT jobs, or an operator-initiated one-off run of any job.
func (s *Scheduler) TriggerManual(ctx context.Context, jobID string) error {
	var job Job
	found, err := s.store.Get(jobID, &job)
	if err != nil || !found {
		return fmt.Errorf("trigger: job %s not found", jobID)
	}
	s.runJob(ctx, job)
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	now := time.Now()
	payload := renderTemplate(job.Payload, job, now)

	task := taskqueue.Task{
		ID:       uuid.NewString(),
		Type:     job.TaskType,
		Payload:  payload,
		Priority: job.Priority,
		Metadata: map[string]any{"scheduled_job_id": job.ID, "scheduled_job_name": job.Name},
	}
	if job.TargetSystem != "" {
		task.Metadata["target_system"] = job.TargetSystem
	}
	if job.ActionType != "" {
		task.Metadata["action_type"] = job.ActionType
	}

	var result map[string]any
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.log.Error("scheduler: enqueue failed", "job_id", job.ID, "error", err)
		result = map[string]any{"error": err.Error()}
	} else {
		result = map[string]any{"task_id": task.ID, "enqueued_at": now}
	}

	job.LastRunAt = &now
	job.LastRunResult = result
	job.Schedule.RunCount++

	if job.Schedule.Type == TypeWebhook || job.Schedule.Type == TypeEvent {
		if err := s.store.Put(job.ID, job); err != nil {
			s.log.Error("scheduler: persist run result failed", "job_id", job.ID, "error", err)
		}
		return
	}

	next, done, err := computeNextRun(job.Schedule, now)
	if err != nil {
		s.log.Error("scheduler: compute next_run_at failed", "job_id", job.ID, "error", err)
		job.Status = StatusFailed
	} else if done {
		job.Status = StatusCompleted
		job.Enabled = false
	} else {
		job.NextRunAt = next
		job.Status = StatusScheduled
	}

	if err := s.store.Put(job.ID, job); err != nil {
		s.log.Error("scheduler: persist job failed", "job_id", job.ID, "error", err)
	}
}

// renderTemplate replaces {placeholder} tokens in top-level string payload values with
// now/date/time/job_id/job_name. Job carries no variables of its own, so no other
// placeholder is substituted.
func renderTemplate(payload map[string]any, job Job, now time.Time) map[string]any {
	vars := map[string]string{
		"now":      now.Format(time.RFC3339),
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("15:04:05"),
		"job_id":   job.ID,
		"job_name": job.Name,
	}

	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			out[k] = renderString(s, vars)
		} else {
			out[k] = v
		}
	}
	return out
}

func renderString(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}
