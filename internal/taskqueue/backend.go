package taskqueue

import "time"

// Backend is the pluggable storage contract the Queue is built on. The spec requires
// persistence and cross-worker visibility when available, with an in-process fallback
// tolerated (and logged) when the durable backend is unreachable.
type Backend interface {
	SaveTask(task Task) error
	LoadTask(id string) (Task, bool, error)
	DeleteTask(id string) error

	// PushLane enqueues id at the lane's push end (head).
	PushLane(priority Priority, id string) error
	// PopLane removes and returns an id from the lane's pop end (also head — lanes are
	// LIFO, per the spec's "LIFO is acceptable within a lane").
	PopLane(priority Priority) (string, bool, error)
	// RequeueLane puts an excluded id back at the lane's tail, so a dequeue sweep that
	// skips it (type filter mismatch) doesn't immediately re-select it next call.
	RequeueLane(priority Priority, id string) error

	DelayedAdd(id string, scheduledAt time.Time) error
	// SweepDelayed removes and returns every id whose scheduled_at <= now.
	SweepDelayed(now time.Time) ([]string, error)

	ProcessingAdd(id string, assignedAt time.Time) error
	ProcessingRemove(id string) error
	// ProcessingSnapshot returns id -> assignedAt for every task currently processing.
	ProcessingSnapshot() (map[string]time.Time, error)

	DeadLetterPush(id string) error
}
