package pii

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// policyModule decides the policy action for a scan given its overall risk and any
// tenant-specific overrides, mirroring services/policy-service/opa_engine.go's
// prepared-query idiom but with the policy document supplied as eval input rather than a
// loaded store, since overrides are per-tenant runtime config rather than compiled policy.
const policyModule = `
package pii.policy

default decision = "warn"

decision = "allow" {
	input.risk == "none"
}

decision = d {
	d := input.tenant_override[input.risk]
}

decision = "block" {
	input.risk == "critical"
	not input.tenant_override[input.risk]
}

decision = "redact" {
	input.risk == "high"
	not input.tenant_override[input.risk]
}

decision = "redact" {
	input.risk == "medium"
	not input.tenant_override[input.risk]
}

decision = "warn" {
	input.risk == "low"
	not input.tenant_override[input.risk]
}
`

// PolicyResolver evaluates the configured pii.policy rego module to decide which Policy
// applies to a scan's overall risk level, honoring per-tenant overrides.
type PolicyResolver struct {
	prepared rego.PreparedEvalQuery
}

// NewPolicyResolver compiles and prepares the policy module once at startup.
func NewPolicyResolver(ctx context.Context) (*PolicyResolver, error) {
	prepared, err := rego.New(
		rego.Query("data.pii.policy.decision"),
		rego.Module("pii_policy.rego", policyModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare pii policy query: %w", err)
	}
	return &PolicyResolver{prepared: prepared}, nil
}

// Resolve returns the Policy that applies for the given risk, honoring tenantOverride (a
// map from RiskLevel string to Policy string, empty/nil if the tenant has no overrides).
func (p *PolicyResolver) Resolve(ctx context.Context, risk RiskLevel, tenantOverride map[string]string) (Policy, error) {
	input := map[string]any{
		"risk":            string(risk),
		"tenant_override": tenantOverride,
	}
	results, err := p.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return PolicyWarn, fmt.Errorf("evaluate pii policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return PolicyWarn, fmt.Errorf("pii policy produced no decision")
	}
	decision, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return PolicyWarn, fmt.Errorf("pii policy decision was not a string")
	}
	return Policy(decision), nil
}
