package intelligence

import (
	"context"
	"regexp"
	"strings"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/resilience"
)

// LLMClient proposes a canonical field mapping given a structured drift event prompt.
type LLMClient interface {
	ProposeMapping(ctx context.Context, event DriftEvent) (MappingProposal, error)
}

// commonFieldMappings is the small built-in lexicon the heuristic fallback checks for an
// exact match before falling back to string similarity, ported from
// original_source/app/dcl_engine/services/fallbacks.py's _common_field_mappings.
var commonFieldMappings = map[string]string{
	"id": "id", "name": "name", "email": "email", "phone": "phone",
	"address": "address", "city": "city", "state": "state", "country": "country",
	"zip": "zip_code", "amount": "amount", "revenue": "revenue", "cost": "cost",
	"price": "price", "quantity": "quantity", "status": "status", "date": "date",
	"created": "created_at", "updated": "updated_at", "deleted": "deleted_at",
	"first_name": "first_name", "last_name": "last_name", "company": "company",
	"title": "title", "description": "description", "notes": "notes",
}

var nonFieldChars = regexp.MustCompile(`[^a-z0-9_]`)
var repeatUnderscore = regexp.MustCompile(`_+`)

func normalizeFieldName(field string) string {
	f := strings.ToLower(field)
	f = nonFieldChars.ReplaceAllString(f, "_")
	f = repeatUnderscore.ReplaceAllString(f, "_")
	return strings.Trim(f, "_")
}

// LLMProposer wraps an LLMClient with the §4.1 LLM resilience profile, falling back to
// HeuristicMappingFallback (exported so Fallback's reflection lookup resolves it).
type LLMProposer struct {
	client LLMClient
	stack  *resilience.Stack
}

func NewLLMProposer(client LLMClient, stack *resilience.Stack) *LLMProposer {
	return &LLMProposer{client: client, stack: stack}
}

// Propose calls the LLM wrapped by resilience.Call; on exhaustion it falls back to
// HeuristicMappingFallback via resilience.Fallback, exactly the way §4.1 is specified to
// compose resilience with a named fallback method.
func (p *LLMProposer) Propose(ctx context.Context, event DriftEvent) (MappingProposal, error) {
	result, err := resilience.Call(ctx, p.stack, resilience.KindLLM, func(ctx context.Context) (MappingProposal, error) {
		return p.client.ProposeMapping(ctx, event)
	})
	if err == nil {
		return result, nil
	}
	return resilience.Fallback[MappingProposal](p, "HeuristicMappingFallback", err, event)
}

// HeuristicMappingFallback is the named fallback method resilience.Fallback reflects onto.
// Exported so reflect.Value.MethodByName can find it from outside the package.
func (p *LLMProposer) HeuristicMappingFallback(event DriftEvent) (MappingProposal, error) {
	normalized := normalizeFieldName(event.SourceField)

	if canonical, ok := commonFieldMappings[normalized]; ok {
		return MappingProposal{
			CanonicalField: canonical,
			Reasoning:      "heuristic: exact match in common field patterns (" + normalized + " -> " + canonical + ")",
			Source:         SourceHeuristic,
		}, nil
	}

	bestMatch := ""
	bestSimilarity := 0.0
	for _, candidate := range commonFieldMappings {
		sim := stringSimilarity(normalized, candidate)
		if sim > bestSimilarity {
			bestSimilarity, bestMatch = sim, candidate
		}
	}

	if bestMatch != "" && bestSimilarity >= 0.6 {
		return MappingProposal{
			CanonicalField: bestMatch,
			Reasoning:      "heuristic: best similarity match",
			Source:         SourceHeuristic,
		}, nil
	}

	return MappingProposal{
		CanonicalField: "unmapped",
		Reasoning:      "heuristic: no confident match found, human review required",
		Source:         SourceHeuristic,
	}, nil
}

// stringSimilarity is a Ratcliff/Obershelp-style ratio equivalent to Python's
// difflib.SequenceMatcher.ratio(), computed via longest common subsequence length since no
// diff library appears anywhere in the example pack for this.
func stringSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	lcs := longestCommonSubsequence(a, b)
	return float64(2*lcs) / float64(len(a)+len(b))
}

func longestCommonSubsequence(a, b string) int {
	rows, cols := len(a)+1, len(b)+1
	table := make([][]int, rows)
	for i := range table {
		table[i] = make([]int, cols)
	}
	for i := 1; i < rows; i++ {
		for j := 1; j < cols; j++ {
			if a[i-1] == b[j-1] {
				table[i][j] = table[i-1][j-1] + 1
			} else if table[i-1][j] >= table[i][j-1] {
				table[i][j] = table[i-1][j]
			} else {
				table[i][j] = table[i][j-1]
			}
		}
	}
	return table[rows-1][cols-1]
}
