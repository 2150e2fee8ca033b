// Package discovery implements the fabric's agent discovery registry: a thread-safe
// catalog of agent cards with secondary indexes and health tracking, grounded on
// services/federation/sync_protocol.go's FederatedState peer-map-with-mutex shape
// (simplified from continuous trust-score EMA + CRDT replication to the spec's discrete
// health states and a single authoritative registry) and on
// dataparency-dev-AI-delegation/types.go's AgentProfile/AgentStatus naming.
package discovery

import "time"

// AgentType distinguishes human participants from AI agents, as
// dataparency-dev-AI-delegation/types.go does.
type AgentType string

const (
	AgentTypeAI    AgentType = "ai"
	AgentTypeHuman AgentType = "human"
)

// AgentRole mirrors the delegator/delegatee/both/overseer roles from the same example.
type AgentRole string

const (
	RoleDelegator AgentRole = "delegator"
	RoleDelegatee AgentRole = "delegatee"
	RoleBoth      AgentRole = "both"
	RoleOverseer  AgentRole = "overseer"
)

// Health is the discrete health state spec §4.8 requires, replacing the teacher's
// continuous trust-score EMA with a small enum plus a consecutive-failure counter.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// Capability is one skill/domain an agent exposes, addressable by a stable id and by
// free-form tags for broader filtering.
type Capability struct {
	ID   string
	Tags []string
}

// AgentCard is the registry's record for one agent.
type AgentCard struct {
	AgentID                 string
	TenantID                string
	Name                    string
	Type                    AgentType
	Role                    AgentRole
	Capabilities            []Capability
	TrustLevel              float64 // 0.0-1.0, used as the discover() sort key
	Certified               bool
	CanDelegate             bool
	CanAcceptDelegation     bool
	Health                  Health
	ConsecutiveFailures     int
	RegisteredAt            time.Time
	LastSeenAt              time.Time
	Metadata                map[string]string
}

// Filter parameterizes discover(): every non-empty field narrows the candidate set.
type Filter struct {
	IDs                 []string
	TenantID            string
	CapabilityIDs       []string
	Tags                []string
	Type                AgentType
	Role                AgentRole
	MinTrustLevel       float64
	CertifiedOnly       bool
	CanDelegate         *bool
	CanAcceptDelegation *bool
	Health              Health
	Offset              int
	Limit               int
}

// HealthChange is delivered to registered callbacks whenever UpdateHealth changes an
// agent's health state.
type HealthChange struct {
	AgentID string
	Prev    Health
	Next    Health
}

// HealthCallback is invoked synchronously on every health transition. A panicking or
// slow callback is the caller's problem — the registry does not isolate callbacks in
// goroutines, matching the teacher's direct-call federation peer-update pattern.
type HealthCallback func(HealthChange)
