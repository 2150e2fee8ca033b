package resilience

import (
	"sync"
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitBreaker is a consecutive-failure-count breaker: it trips after FailureThreshold
// consecutive failures, stays OPEN for RecoveryTimeout, then allows a single HALF_OPEN probe.
// Unlike the teacher's sliding-window adaptive breaker, this one is deliberately simple —
// the spec calls for a fixed threshold per dependency kind, not a recomputed rate.
type CircuitBreaker struct {
	mu sync.Mutex

	kind    DependencyKind
	profile Profile

	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenInUse   bool
}

// NewCircuitBreaker constructs a breaker in the CLOSED state.
func NewCircuitBreaker(kind DependencyKind, profile Profile) *CircuitBreaker {
	return &CircuitBreaker{kind: kind, profile: profile, state: StateClosed}
}

// Allow reports whether a call may proceed, transitioning OPEN -> HALF_OPEN once
// RecoveryTimeout has elapsed. Only one HALF_OPEN probe is let through at a time.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.profile.RecoveryTimeout {
			return errs.New(errs.KindCircuitOpen, "resilience.circuit_breaker",
				string(b.kind)+" circuit open")
		}
		b.state = StateHalfOpen
		b.halfOpenInUse = true
		return nil
	case StateHalfOpen:
		if b.halfOpenInUse {
			return errs.New(errs.KindCircuitOpen, "resilience.circuit_breaker",
				string(b.kind)+" circuit half-open probe in flight")
		}
		b.halfOpenInUse = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
	b.state = StateClosed
	b.halfOpenInUse = false
}

// RecordFailure increments the consecutive-failure count and trips the breaker once the
// threshold is reached, or re-opens immediately if the failing call was the HALF_OPEN probe.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenInUse = false

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = time.Now()
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.profile.FailureThreshold {
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// Snapshot is a read-only view of breaker state, exposed for health checks.
type Snapshot struct {
	Kind            DependencyKind `json:"kind"`
	State           State          `json:"state"`
	ConsecutiveFail int            `json:"consecutive_failures"`
	OpenedAt        *time.Time     `json:"opened_at,omitempty"`
}

func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Kind: b.kind, State: b.state, ConsecutiveFail: b.consecutiveFail}
	if b.state == StateOpen || b.state == StateHalfOpen {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

// Registry holds one CircuitBreaker per DependencyKind for the lifetime of the process, per
// the fabric's design note that resilience state is process-global, not request-scoped.
type Registry struct {
	mu       sync.RWMutex
	breakers map[DependencyKind]*CircuitBreaker
	profiles map[DependencyKind]Profile
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide Registry, built from DefaultProfiles on first use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(DefaultProfiles())
	})
	return defaultRegistry
}

// NewRegistry builds a Registry from an explicit profile set, primarily for tests that need
// isolation from the process-wide singleton.
func NewRegistry(profiles map[DependencyKind]Profile) *Registry {
	return &Registry{breakers: make(map[DependencyKind]*CircuitBreaker), profiles: profiles}
}

// Breaker returns (creating if necessary) the breaker for kind.
func (r *Registry) Breaker(kind DependencyKind) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[kind]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[kind]; ok {
		return b
	}
	b = NewCircuitBreaker(kind, r.profiles[kind])
	r.breakers[kind] = b
	return b
}

// Profile returns the resilience profile configured for kind.
func (r *Registry) Profile(kind DependencyKind) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[kind]
}

// Snapshots returns a point-in-time view of every breaker the registry has created so far,
// for the fabric's health endpoint.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
