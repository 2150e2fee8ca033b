package resilience

import (
	"context"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

// Timeout bounds a single attempt of fn to profile.AttemptTimeout, translating a deadline
// exceeded into a distinguishable errs.KindTimeout rather than the bare context error.
func Timeout[T any](ctx context.Context, profile Profile, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if profile.AttemptTimeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, profile.AttemptTimeout)
	defer cancel()

	type out struct {
		val T
		err error
	}
	done := make(chan out, 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- out{v, err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-attemptCtx.Done():
		return zero, errs.Wrap(errs.KindTimeout, "resilience.timeout",
			"attempt deadline exceeded", attemptCtx.Err())
	}
}
