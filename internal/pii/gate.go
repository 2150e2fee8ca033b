package pii

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScanInput is the subset of a DelegationContext the Shift-Left protocol scans: the free-text
// fields plus any string values nested within the two context maps.
type ScanInput struct {
	OriginalInput    string
	DelegationReason string
	OriginalContext  map[string]any
	SharedState      map[string]any
}

// SafeContext is the outcome of gating a ScanInput: fields are either untouched, redacted in
// place, or — on BLOCK — never populated at all (the caller receives the error instead).
type SafeContext struct {
	OriginalInput    string
	DelegationReason string
	OriginalContext  map[string]any
	SharedState      map[string]any
	ScanResult       ScanResult
}

// TelemetrySink receives a TelemetryRecord for every scan, success or failure.
type TelemetrySink interface {
	Record(ctx context.Context, rec TelemetryRecord)
}

// Gate is the Context Sharing Protocol's entry point: scan, then apply policy.
type Gate struct {
	scanner   *Scanner
	resolver  *PolicyResolver
	telemetry TelemetrySink
}

func NewGate(resolver *PolicyResolver, telemetry TelemetrySink) *Gate {
	return &Gate{scanner: NewScanner(), resolver: resolver, telemetry: telemetry}
}

// Scan runs the full detect-then-policy sequence over input for tenantID, honoring
// tenantOverride (per-risk-level policy overrides; nil for none). On ALLOW the scan is
// skipped entirely and the context passes through unscanned. On BLOCK the returned error is
// a *BlockedError carrying the scan result; on scan failure the gate fails open (proceeds
// unredacted) and the telemetry record is marked is_validated=false.
func (g *Gate) Scan(ctx context.Context, tenantID, primaryPlaneID string, input ScanInput, tenantOverride map[string]string) (*SafeContext, error) {
	start := time.Now()
	scanID := uuid.NewString()

	riskPeek := g.peekRisk(tenantOverride)
	if riskPeek == PolicyAllow {
		result := ScanResult{
			ScanID: scanID, TenantID: tenantID, PrimaryPlaneID: primaryPlaneID,
			OverallRisk: RiskNone, Policy: PolicyAllow, Action: "allowed",
			IsValidated: true, Duration: time.Since(start), ScannedAt: start,
		}
		g.emit(ctx, result)
		return &SafeContext{
			OriginalInput: input.OriginalInput, DelegationReason: input.DelegationReason,
			OriginalContext: input.OriginalContext, SharedState: input.SharedState,
			ScanResult: result,
		}, nil
	}

	matches, overallRisk := g.scanAll(input)

	policy, err := g.resolver.Resolve(ctx, overallRisk, tenantOverride)
	if err != nil {
		result := ScanResult{
			ScanID: scanID, TenantID: tenantID, PrimaryPlaneID: primaryPlaneID,
			Matches: matches, OverallRisk: overallRisk, Action: "error",
			IsValidated: false, Duration: time.Since(start), ScannedAt: start, Error: err.Error(),
		}
		g.emit(ctx, result)
		return &SafeContext{
			OriginalInput: input.OriginalInput, DelegationReason: input.DelegationReason,
			OriginalContext: input.OriginalContext, SharedState: input.SharedState,
			ScanResult: result,
		}, nil
	}

	result := ScanResult{
		ScanID: scanID, TenantID: tenantID, PrimaryPlaneID: primaryPlaneID,
		Matches: matches, OverallRisk: overallRisk, Policy: policy,
		IsValidated: true, Duration: time.Since(start), ScannedAt: start,
	}

	switch policy {
	case PolicyBlock:
		result.Action = "blocked"
		g.emit(ctx, result)
		return nil, &BlockedError{Result: result}
	case PolicyRedact:
		result.Action = "redacted"
		safe := &SafeContext{
			OriginalInput:    redactField(input.OriginalInput, g.scanner.ScanField("original_input", input.OriginalInput)),
			DelegationReason: redactField(input.DelegationReason, g.scanner.ScanField("delegation_reason", input.DelegationReason)),
			OriginalContext:  redactMap(input.OriginalContext, g.scanner),
			SharedState:      redactMap(input.SharedState, g.scanner),
			ScanResult:       result,
		}
		g.emit(ctx, result)
		return safe, nil
	case PolicyWarn:
		result.Action = "warned"
	default:
		result.Action = "allowed"
	}

	g.emit(ctx, result)
	return &SafeContext{
		OriginalInput: input.OriginalInput, DelegationReason: input.DelegationReason,
		OriginalContext: input.OriginalContext, SharedState: input.SharedState,
		ScanResult: result,
	}, nil
}

// peekRisk reports PolicyAllow only when the tenant has configured a blanket allow override
// for every risk level, letting callers skip the scan entirely per the spec's ALLOW semantics.
func (g *Gate) peekRisk(tenantOverride map[string]string) Policy {
	if tenantOverride == nil {
		return ""
	}
	if tenantOverride["*"] == string(PolicyAllow) {
		return PolicyAllow
	}
	return ""
}

func (g *Gate) scanAll(input ScanInput) ([]Match, RiskLevel) {
	var all []Match
	overall := RiskNone

	collect := func(field, s string) {
		for _, m := range g.scanner.ScanField(field, s) {
			all = append(all, m)
			overall = maxRisk(overall, m.Risk)
		}
	}
	collect("original_input", input.OriginalInput)
	collect("delegation_reason", input.DelegationReason)
	walkStrings("original_context", input.OriginalContext, collect)
	walkStrings("shared_state", input.SharedState, collect)

	return all, overall
}

func walkStrings(prefix string, m map[string]any, collect func(field, s string)) {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			collect(prefix+"."+k, val)
		case map[string]any:
			walkStrings(prefix+"."+k, val, collect)
		}
	}
}

func redactField(s string, matches []Match) string {
	if len(matches) == 0 {
		return s
	}
	out := []byte(s)
	// Apply from the rightmost match backward so earlier byte offsets stay valid.
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		replacement := redact(m.Detector, s[m.Start:m.End])
		out = append(out[:m.Start], append([]byte(replacement), out[m.End:]...)...)
	}
	return string(out)
}

func redactMap(m map[string]any, scanner *Scanner) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = redactField(val, scanner.ScanField(k, val))
		case map[string]any:
			out[k] = redactMap(val, scanner)
		default:
			out[k] = v
		}
	}
	return out
}

func (g *Gate) emit(ctx context.Context, result ScanResult) {
	if g.telemetry == nil {
		return
	}
	types := make([]DetectorType, 0, len(result.Matches))
	seen := make(map[DetectorType]bool)
	for _, m := range result.Matches {
		if !seen[m.Detector] {
			seen[m.Detector] = true
			types = append(types, m.Detector)
		}
	}
	g.telemetry.Record(ctx, TelemetryRecord{
		ScanID: result.ScanID, TenantID: result.TenantID, PrimaryPlaneID: result.PrimaryPlaneID,
		MatchCount: len(result.Matches), Types: types, Risk: result.OverallRisk,
		Policy: result.Policy, Action: result.Action, Duration: float64(result.Duration) / float64(time.Millisecond),
		IsValidated: result.IsValidated, RecordedAt: time.Now(),
	})
}
