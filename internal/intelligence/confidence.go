package intelligence

import (
	"fmt"
	"math"
)

const (
	tierAutoApplyThreshold  = 0.85
	tierHITLQueuedThreshold = 0.60
)

// Score computes the weighted confidence for a proposal and resolves its Tier. Any factor
// below 0.5 adds a recommendation naming it, so reviewers see why a repair didn't clear
// auto_apply without re-deriving the math.
func Score(factors ConfidenceFactors, weights ConfidenceWeights) ConfidenceScore {
	usageNorm := math.Min(1, math.Log10(factors.UsageFrequency+1)/3)

	score := weights.ValidationSuccess*factors.ValidationSuccess +
		weights.HumanApproval*factors.HumanApproval +
		weights.SourceQuality*factors.SourceQuality +
		weights.UsageFrequency*usageNorm +
		weights.RAGSimilarity*factors.RAGSimilarity

	tier := TierRejected
	switch {
	case score >= tierAutoApplyThreshold:
		tier = TierAutoApply
	case score >= tierHITLQueuedThreshold:
		tier = TierHITLQueued
	}

	var recommendations []string
	named := []struct {
		name  string
		value float64
	}{
		{"validation_success", factors.ValidationSuccess},
		{"human_approval", factors.HumanApproval},
		{"source_quality", factors.SourceQuality},
		{"usage_frequency", usageNorm},
		{"rag_similarity", factors.RAGSimilarity},
	}
	for _, f := range named {
		if f.value < 0.5 {
			recommendations = append(recommendations, fmt.Sprintf("low %s factor (%.2f); consider more validation before trusting this mapping", f.name, f.value))
		}
	}

	return ConfidenceScore{Score: score, Tier: tier, Recommendations: recommendations}
}
