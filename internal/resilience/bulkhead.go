package resilience

import (
	"context"
	"sync"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

// Bulkhead is a named counting semaphore that limits concurrent in-flight calls per
// dependency kind, simplified from the teacher's token+leaky-bucket hybrid rate limiter down
// to the plain concurrency cap the spec asks for.
type Bulkhead struct {
	sem chan struct{}
}

func NewBulkhead(limit int) *Bulkhead {
	if limit <= 0 {
		limit = 1
	}
	return &Bulkhead{sem: make(chan struct{}, limit)}
}

// Acquire blocks until a slot is free or ctx is done, returning a release function that must
// be called exactly once on every exit path.
func (b *Bulkhead) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return func() {}, errs.Wrap(errs.KindTransient, "resilience.bulkhead",
			"context done while waiting for bulkhead slot", ctx.Err())
	}
}

// BulkheadRegistry hands out one Bulkhead per DependencyKind, sized from each kind's profile.
type BulkheadRegistry struct {
	mu        sync.Mutex
	bulkheads map[DependencyKind]*Bulkhead
	profiles  map[DependencyKind]Profile
}

func NewBulkheadRegistry(profiles map[DependencyKind]Profile) *BulkheadRegistry {
	return &BulkheadRegistry{bulkheads: make(map[DependencyKind]*Bulkhead), profiles: profiles}
}

func (r *BulkheadRegistry) Bulkhead(kind DependencyKind) *Bulkhead {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bulkheads[kind]; ok {
		return b
	}
	b := NewBulkhead(r.profiles[kind].BulkheadLimit)
	r.bulkheads[kind] = b
	return b
}
