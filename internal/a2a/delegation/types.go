// Package delegation implements the fabric's Delegation Engine: DelegationRequest
// lifecycle (delegate/accept/reject/complete/cancel), an append-only delegation chain,
// and the Shift-Left PII gate wired into every delegation hand-off. Grounded on
// dataparency-dev-AI-delegation/engine.go's register→publish→bid→accept→monitor pillar
// shape, re-grounded on the teacher's bbolt persistence (internal/store.BoltStore,
// itself following services/orchestrator/persistence.go) instead of that example's
// fictional natsclient backend.
package delegation

import (
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/pii"
)

// Status is the delegation request's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

func (s Status) terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Request is a single delegation hand-off, from a delegator agent to a delegatee agent.
type Request struct {
	ID               string
	TenantID         string
	DelegatorID      string
	DelegateeID      string
	CapabilityID     string
	Status           Status
	Context          pii.SafeContext
	DelegationChain  []string // insertion-order delegator ids; the engine never reorders
	Result           any
	Error            string
	RejectReason     string
	CancelReason     string
	CostEstimate     float64
	StepsTaken       int
	CreatedAt        time.Time
	AcceptedAt       *time.Time
	CompletedAt      *time.Time
	TimeoutAt        *time.Time
	Duration         time.Duration
}

// Response is what a Handler returns after executing a delegated request.
type Response struct {
	Status Status
	Result any
	Error  string
	Cost   float64
	Steps  int
}

// Handler executes a delegated request in the background once accepted.
type Handler func(req Request) (Response, error)

// EventType names the lifecycle callback events the engine fires.
type EventType string

const (
	EventCreated   EventType = "created"
	EventAccepted  EventType = "accepted"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Callback is invoked on created/accepted/completed/failed. A callback's own failure
// never disturbs the engine — callbacks run best-effort, same as the teacher's
// EmitMonitorEvent/SubscribeToMonitoring fire-and-forget shape.
type Callback func(event EventType, req Request)
