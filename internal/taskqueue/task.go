// Package taskqueue implements the fabric's async task queue: five priority lanes, one
// delayed set, a processing set, and a dead-letter list, grounded on
// services/orchestrator/persistence.go's bbolt usage and
// itsneelabh-gomind/orchestration/redis_task_queue.go's LPUSH/BRPOP idiom.
package taskqueue

import "time"

// Priority is the task's scheduling lane. Lower values are served first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 5
	PriorityLow        Priority = 8
	PriorityBackground Priority = 10
)

// lanes lists every priority lane from highest to lowest precedence.
var lanes = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

// Status is a Task's lifecycle state. Progression is monotonic except retrying -> pending;
// once Completed, Cancelled or Dead the task is immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusDead      Status = "dead"
	StatusCancelled Status = "cancelled"
)

// Task is a unit of asynchronous work.
type Task struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	TenantID string         `json:"tenant_id"`
	AgentID  string         `json:"agent_id,omitempty"`

	Priority    Priority   `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Status      Status     `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TimeoutSeconds    int `json:"timeout_seconds"`
	MaxRetries        int `json:"max_retries"`
	RetryCount        int `json:"retry_count"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`

	LastError string         `json:"last_error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IsTerminal reports whether the task is in an immutable final state.
func (t Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled, StatusDead:
		return true
	default:
		return false
	}
}

// AcceptsType reports whether allowedTypes is empty (accepts anything) or contains t.Type.
func (t Task) AcceptsType(allowedTypes []string) bool {
	if len(allowedTypes) == 0 {
		return true
	}
	for _, at := range allowedTypes {
		if at == t.Type {
			return true
		}
	}
	return false
}
