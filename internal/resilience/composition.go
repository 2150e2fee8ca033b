package resilience

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Stack bundles a Registry, a BulkheadRegistry and a metric set, and is the handle every
// boundary-crossing collaborator (LLM client, RAG client, redis client, queue store, HTTP
// client) takes a reference to.
type Stack struct {
	Breakers  *Registry
	Bulkheads *BulkheadRegistry

	RetryAttempts metric.Int64Counter // optional, nil-safe
	CircuitOpens  metric.Int64Counter // optional, nil-safe
}

// NewStack builds a Stack over DefaultProfiles.
func NewStack(retryAttempts, circuitOpens metric.Int64Counter) *Stack {
	profiles := DefaultProfiles()
	return &Stack{
		Breakers:      NewRegistry(profiles),
		Bulkheads:     NewBulkheadRegistry(profiles),
		RetryAttempts: retryAttempts,
		CircuitOpens:  circuitOpens,
	}
}

// Call runs fn under the full resilience stack for kind, in the fixed order: Bulkhead ->
// CircuitBreaker -> Retry -> Timeout -> fn. The bulkhead slot is held for the entire retry
// loop since it represents one logical in-flight request to the dependency, and the circuit
// breaker is checked once per Call and records exactly one outcome — success or failure —
// for the whole call, not once per retry attempt. That matches the spec's worked example:
// three calls that each exhaust three retries count as three breaker failures, not nine.
func Call[T any](ctx context.Context, s *Stack, kind DependencyKind, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	profile := s.Breakers.Profile(kind)
	breaker := s.Breakers.Breaker(kind)
	bulkhead := s.Bulkheads.Bulkhead(kind)

	release, err := bulkhead.Acquire(ctx)
	defer release()
	if err != nil {
		return zero, err
	}

	if err := breaker.Allow(); err != nil {
		if s.CircuitOpens != nil {
			s.CircuitOpens.Add(ctx, 1)
		}
		return zero, err
	}

	result, err := Retry(ctx, profile, func(attemptCtx context.Context) (T, error) {
		if s.RetryAttempts != nil {
			s.RetryAttempts.Add(attemptCtx, 1)
		}
		return Timeout(attemptCtx, profile, fn)
	})

	if err != nil {
		breaker.RecordFailure()
		return zero, err
	}
	breaker.RecordSuccess()
	return result, nil
}
