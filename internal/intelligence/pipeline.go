package intelligence

import (
	"context"
	"fmt"
)

// UsageStats supplies the per-field usage and validation signals the confidence formula
// needs; callers look these up from their own analytics store (out of this package's scope).
type UsageStats struct {
	ValidationSuccessRate float64
	HumanApprovalRate     float64
	UsageCount            float64
}

// Pipeline runs the full drift-repair sequence: RAG short-circuit, else LLM-with-fallback
// proposal, then confidence scoring and tiering, creating an HITL ApprovalWorkflow for
// anything that lands in hitl_queued.
type Pipeline struct {
	rag       *RAGLookup
	llm       *LLMProposer
	approvals *ApprovalStore
	weights   ConfidenceWeights
	assignee  string
}

func NewPipeline(rag *RAGLookup, llm *LLMProposer, approvals *ApprovalStore, assignee string) *Pipeline {
	return &Pipeline{rag: rag, llm: llm, approvals: approvals, weights: DefaultConfidenceWeights(), assignee: assignee}
}

// Repair proposes and scores a single field's repair.
func (p *Pipeline) Repair(ctx context.Context, event DriftEvent, stats UsageStats) (FieldRepair, error) {
	var proposal MappingProposal
	var ragSimilarity float64
	var sourceQuality float64

	candidate, hit, err := p.rag.Lookup(ctx, event)
	if err != nil {
		return FieldRepair{}, fmt.Errorf("rag lookup: %w", err)
	}
	if hit {
		proposal = MappingProposal{CanonicalField: candidate.CanonicalField, Source: SourceRAG,
			Reasoning: "rag: cosine similarity above short-circuit threshold"}
		ragSimilarity = candidate.Similarity
		sourceQuality = 0.95
	} else {
		proposal, err = p.llm.Propose(ctx, event)
		if err != nil {
			return FieldRepair{}, fmt.Errorf("llm proposal: %w", err)
		}
		ragSimilarity = candidate.Similarity
		sourceQuality = sourceQualityFor(proposal.Source)
	}

	factors := ConfidenceFactors{
		ValidationSuccess: stats.ValidationSuccessRate,
		HumanApproval:     stats.HumanApprovalRate,
		SourceQuality:     sourceQuality,
		UsageFrequency:    stats.UsageCount,
		RAGSimilarity:     ragSimilarity,
	}
	score := Score(factors, p.weights)

	if score.Tier == TierHITLQueued {
		if _, err := p.approvals.Create(ctx, event.TenantID, p.assignee, event.Connector, event.SourceTable, event.SourceField, proposal); err != nil {
			return FieldRepair{}, fmt.Errorf("create approval workflow: %w", err)
		}
	}

	return FieldRepair{
		Connector: event.Connector, SourceTable: event.SourceTable, SourceField: event.SourceField,
		Proposal: proposal, Confidence: score,
	}, nil
}

// RepairBatch runs Repair over every event and rolls the results up into a RepairProposal.
func (p *Pipeline) RepairBatch(ctx context.Context, tenantID string, events []DriftEvent, stats map[string]UsageStats) (*RepairProposal, error) {
	agg := &RepairProposal{TenantID: tenantID}
	var confidenceSum float64

	for _, event := range events {
		s := stats[event.SourceField]
		repair, err := p.Repair(ctx, event, s)
		if err != nil {
			return nil, fmt.Errorf("repair %s.%s.%s: %w", event.Connector, event.SourceTable, event.SourceField, err)
		}
		agg.FieldRepairs = append(agg.FieldRepairs, repair)
		confidenceSum += repair.Confidence.Score

		switch repair.Confidence.Tier {
		case TierAutoApply:
			agg.AutoApplied++
		case TierHITLQueued:
			agg.HITLQueued++
		default:
			agg.Rejected++
		}
	}

	if len(agg.FieldRepairs) > 0 {
		agg.MeanConfidence = confidenceSum / float64(len(agg.FieldRepairs))
	}

	switch {
	case agg.AutoApplied > 0:
		agg.OverallAction = TierAutoApply
	case agg.HITLQueued > 0:
		agg.OverallAction = TierHITLQueued
	default:
		agg.OverallAction = TierRejected
	}

	return agg, nil
}

func sourceQualityFor(source Source) float64 {
	switch source {
	case SourceRAG:
		return 0.95
	case SourceLLM:
		return 0.75
	case SourceHeuristic:
		return 0.45
	default:
		return 0.5
	}
}
