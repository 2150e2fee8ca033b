// Package coordination implements the Arbitrator named in spec §5's Shared-resource
// policy: opt-in cross-agent resource locks with FIFO waiters, deadlock resolution by
// abort, and priority-or-round-robin tie-breaking. Conflict/Resolution shape and the
// strategy-handler-table dispatch are carried over from
// original_source/app/agentic/coordination/arbitration.py's Conflict/Resolution
// dataclasses and Arbitrator._strategy_handlers map, re-expressed as Go structs with
// exported fields and a map of ResolutionStrategy to resolver funcs.
package coordination

import "time"

// ConflictType classifies why agents collided.
type ConflictType string

const (
	ConflictResourceContention ConflictType = "resource_contention"
	ConflictDataConflict       ConflictType = "data_conflict"
	ConflictPriority           ConflictType = "priority_conflict"
	ConflictDeadlock           ConflictType = "deadlock"
)

// ResolutionStrategy names how a Conflict gets resolved.
type ResolutionStrategy string

const (
	StrategyPriorityBased ResolutionStrategy = "priority_based"
	StrategyFirstCome     ResolutionStrategy = "first_come"
	StrategyRoundRobin    ResolutionStrategy = "round_robin"
	StrategyAbort         ResolutionStrategy = "abort"
	StrategyDefer         ResolutionStrategy = "defer"
	StrategyEscalate      ResolutionStrategy = "escalate"
)

// Conflict is a detected collision between agents, over a resource or otherwise.
type Conflict struct {
	ID           string
	Type         ConflictType
	Description  string
	Severity     int // 1-10
	AgentIDs     []string
	TaskIDs      []string
	ResourceID   string
	Context      map[string]any
	DetectedAt   time.Time
	Resolved     bool
	Resolution   *Resolution
	ResolvedAt   *time.Time
}

// Resolution records how a Conflict was settled.
type Resolution struct {
	ID             string
	ConflictID     string
	Strategy       ResolutionStrategy
	Decision       string
	Reasoning      string
	WinnerAgentID  string
	ResolvedBy     string
	ResolvedAt     time.Time
	TasksAffected  []string
	TasksCancelled []string
	TasksDelayed   []string
}

// ConflictCallback is invoked whenever a new Conflict is detected.
type ConflictCallback func(Conflict)

// ResolutionCallback is invoked whenever a Conflict is resolved.
type ResolutionCallback func(Conflict, Resolution)

// Stats summarizes the arbitrator's lifetime activity.
type Stats struct {
	TotalConflicts   int
	ResolvedConflicts int
	ActiveConflicts  int
	ByType           map[ConflictType]int
	ByStrategy       map[ResolutionStrategy]int
	ActiveLocks      int
	PendingClaims    int
}
