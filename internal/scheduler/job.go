// Package scheduler persists jobs and drives a tick loop that enqueues tasks through the
// task queue on their due schedule, grounded on services/orchestrator/scheduler.go's
// ScheduleConfig/bbolt-bucket/RestoreSchedules shape, generalized from cron-or-event-only to
// the full ONCE/INTERVAL/DAILY/HOURLY/CRON/WEBHOOK/EVENT schedule model.
package scheduler

import (
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/taskqueue"
)

// Type is one of the schedule kinds a Job can carry.
type Type string

const (
	TypeOnce     Type = "ONCE"
	TypeInterval Type = "INTERVAL"
	TypeDaily    Type = "DAILY"
	TypeHourly   Type = "HOURLY"
	TypeCron     Type = "CRON"
	TypeWebhook  Type = "WEBHOOK"
	TypeEvent    Type = "EVENT"
)

// Schedule describes when a Job is next due.
type Schedule struct {
	Type Type `json:"type"`

	CronExpr        string     `json:"cron_expr,omitempty"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	RunAt           *time.Time `json:"run_at,omitempty"`
	Hour            int        `json:"hour,omitempty"`
	Minute          int        `json:"minute,omitempty"`

	MaxRuns  int    `json:"max_runs,omitempty"`
	RunCount int    `json:"run_count"`
	TZ       string `json:"tz,omitempty"`
}

// Status is a Job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Job is a persisted, recurring (or one-shot) unit of scheduled work.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`

	TaskType     string                 `json:"task_type"`
	Payload      map[string]any         `json:"payload"`
	Priority     taskqueue.Priority     `json:"priority"`
	TargetSystem string                 `json:"target_system,omitempty"`
	ActionType   string                 `json:"action_type,omitempty"`

	Status  Status `json:"status"`
	Enabled bool   `json:"enabled"`

	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	LastRunResult map[string]any `json:"last_run_result,omitempty"`
}

// IsDue reports whether the job should fire at instant now.
func (j Job) IsDue(now time.Time) bool {
	return j.Enabled && j.Status == StatusScheduled && j.NextRunAt != nil && !j.NextRunAt.After(now)
}
