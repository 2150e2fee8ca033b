// Package resilience implements the five composable wrappers every boundary call in this
// fabric is wrapped by: circuit breaker, retry, timeout, bulkhead, and name-bound fallback.
// Composition order, outer to inner, is always Bulkhead -> CircuitBreaker -> Retry -> Timeout
// -> inner op.
package resilience

import "time"

// DependencyKind names the class of external dependency a call crosses. Breakers, bulkheads
// and retry profiles are all scoped per kind, per process.
type DependencyKind string

const (
	KindLLM      DependencyKind = "LLM"
	KindRAG      DependencyKind = "RAG"
	KindRedis    DependencyKind = "REDIS"
	KindDatabase DependencyKind = "DATABASE"
	KindHTTP     DependencyKind = "HTTP"
)

// Profile parameterizes the resilience stack for one dependency kind.
type Profile struct {
	FailureThreshold  int           // consecutive failures before the breaker opens
	RecoveryTimeout   time.Duration // time in OPEN before a probe is allowed
	AttemptTimeout    time.Duration // per-attempt wall-clock deadline
	RetryEnabled      bool
	MaxRetries        int
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BulkheadLimit     int // max in-flight operations of this kind
}

// DefaultProfiles returns the built-in per-kind profiles. Writes are not retried: DATABASE
// disables retry by default, matching the design note that retrying a write risks
// duplicating side effects the caller didn't ask for.
func DefaultProfiles() map[DependencyKind]Profile {
	return map[DependencyKind]Profile{
		KindLLM: {
			FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, AttemptTimeout: 20 * time.Second,
			RetryEnabled: true, MaxRetries: 3,
			BackoffMin: 500 * time.Millisecond, BackoffMax: 10 * time.Second, BackoffMultiplier: 2,
			BulkheadLimit: 10,
		},
		KindRAG: {
			FailureThreshold: 5, RecoveryTimeout: 15 * time.Second, AttemptTimeout: 5 * time.Second,
			RetryEnabled: true, MaxRetries: 2,
			BackoffMin: 200 * time.Millisecond, BackoffMax: 3 * time.Second, BackoffMultiplier: 2,
			BulkheadLimit: 20,
		},
		KindRedis: {
			FailureThreshold: 5, RecoveryTimeout: 10 * time.Second, AttemptTimeout: 2 * time.Second,
			RetryEnabled: true, MaxRetries: 3,
			BackoffMin: 50 * time.Millisecond, BackoffMax: 1 * time.Second, BackoffMultiplier: 2,
			BulkheadLimit: 50,
		},
		KindDatabase: {
			FailureThreshold: 5, RecoveryTimeout: 20 * time.Second, AttemptTimeout: 5 * time.Second,
			RetryEnabled: false, MaxRetries: 0,
			BackoffMin: 0, BackoffMax: 0, BackoffMultiplier: 1,
			BulkheadLimit: 50,
		},
		KindHTTP: {
			FailureThreshold: 5, RecoveryTimeout: 15 * time.Second, AttemptTimeout: 10 * time.Second,
			RetryEnabled: true, MaxRetries: 3,
			BackoffMin: 250 * time.Millisecond, BackoffMax: 5 * time.Second, BackoffMultiplier: 2,
			BulkheadLimit: 30,
		},
	}
}
