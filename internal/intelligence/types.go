// Package intelligence implements the drift-repair pipeline: RAG lookup, LLM-proposed field
// mapping with a heuristic fallback, weighted confidence scoring, and an HITL approval
// workflow for anything that doesn't clear the auto-apply bar.
package intelligence

import "time"

// DriftEvent identifies one connector/table/field the pipeline must propose a repair for,
// with sample values and the inferred canonical entity. It carries no old or new schema.
type DriftEvent struct {
	Connector      string
	SourceTable    string
	SourceField    string
	SampleValues   []string
	InferredEntity string
	TenantID       string
}

// Source names where a field's canonical mapping proposal came from.
type Source string

const (
	SourceRAG       Source = "rag"
	SourceLLM       Source = "llm"
	SourceHeuristic Source = "heuristic"
)

// Tier is the action a FieldRepair's confidence score resolves to.
type Tier string

const (
	TierAutoApply  Tier = "auto_apply"
	TierHITLQueued Tier = "hitl_queued"
	TierRejected   Tier = "rejected"
)

// MappingProposal is a single candidate canonical field mapping.
type MappingProposal struct {
	CanonicalField string
	Alternatives   []string
	Reasoning      string
	Source         Source
}

// ConfidenceFactors are the normalized [0,1] inputs to the weighted confidence formula.
type ConfidenceFactors struct {
	ValidationSuccess float64
	HumanApproval     float64
	SourceQuality     float64
	UsageFrequency    float64 // raw count; normalized internally as min(1, log10(n+1)/3)
	RAGSimilarity     float64
}

// ConfidenceWeights are the default weights applied to ConfidenceFactors.
type ConfidenceWeights struct {
	ValidationSuccess float64
	HumanApproval     float64
	SourceQuality     float64
	UsageFrequency    float64
	RAGSimilarity     float64
}

// DefaultConfidenceWeights returns the spec's default weighting.
func DefaultConfidenceWeights() ConfidenceWeights {
	return ConfidenceWeights{
		ValidationSuccess: 0.30,
		HumanApproval:     0.25,
		SourceQuality:     0.20,
		UsageFrequency:    0.15,
		RAGSimilarity:     0.10,
	}
}

// ConfidenceScore is the result of scoring a proposal.
type ConfidenceScore struct {
	Score           float64
	Tier            Tier
	Recommendations []string
}

// FieldRepair is one field's complete repair: the proposal, its confidence, and tier.
type FieldRepair struct {
	Connector   string
	SourceTable string
	SourceField string
	Proposal    MappingProposal
	Confidence  ConfidenceScore
}

// RepairProposal aggregates every FieldRepair for one DriftEvent batch.
type RepairProposal struct {
	TenantID      string
	FieldRepairs  []FieldRepair
	AutoApplied   int
	HITLQueued    int
	Rejected      int
	MeanConfidence float64
	OverallAction Tier
}

// ApprovalStatus is the lifecycle state of an ApprovalWorkflow record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalWorkflow is the HITL record created for a hitl_queued FieldRepair.
type ApprovalWorkflow struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Connector    string         `json:"connector"`
	SourceTable  string         `json:"source_table"`
	SourceField  string         `json:"source_field"`
	Proposal     MappingProposal `json:"proposal"`
	Status       ApprovalStatus `json:"status"`
	AssignedTo   string         `json:"assigned_to"`
	Reason       string         `json:"reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}
