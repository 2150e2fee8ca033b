package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

// Retry runs fn up to profile.MaxRetries+1 times, backing off between attempts per
// min(BackoffMax, BackoffMin * BackoffMultiplier^(attempt-1)) with +/-10% jitter. A circuit
// breaker that is already open is never retried — it fails the call immediately. If
// RetryEnabled is false the function is invoked exactly once.
func Retry[T any](ctx context.Context, profile Profile, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := 1
	if profile.RetryEnabled {
		attempts = profile.MaxRetries + 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, errs.Sentinel(errs.KindCircuitOpen)) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := backoffDelay(profile, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	if profile.RetryEnabled && attempts > 1 {
		return zero, errs.Wrap(errs.KindRetryExhausted, "resilience.retry",
			"retries exhausted", lastErr)
	}
	return zero, lastErr
}

func backoffDelay(p Profile, attempt int) time.Duration {
	if p.BackoffMin <= 0 {
		return 0
	}
	raw := float64(p.BackoffMin) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	capped := math.Min(raw, float64(p.BackoffMax))

	jitterFrac := 1 + (rand.Float64()*0.2 - 0.1) // +/-10%
	d := time.Duration(capped * jitterFrac)
	if d < 0 {
		d = 0
	}
	return d
}
