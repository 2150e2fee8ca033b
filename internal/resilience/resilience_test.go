package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

func testProfile() Profile {
	return Profile{
		FailureThreshold:  3,
		RecoveryTimeout:   50 * time.Millisecond,
		AttemptTimeout:    time.Second,
		RetryEnabled:      true,
		MaxRetries:        3,
		BackoffMin:        time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		BulkheadLimit:     5,
	}
}

// TestCircuitOpensAfterThresholdFailedCalls reproduces the spec's worked example: an LLM
// profile with failure_threshold=3, max_retries=3. After three calls that each exhaust their
// retries, a fourth call must fail fast with CircuitOpen and never invoke the inner op.
func TestCircuitOpensAfterThresholdFailedCalls(t *testing.T) {
	profiles := map[DependencyKind]Profile{KindLLM: testProfile()}
	stack := &Stack{
		Breakers:  NewRegistry(profiles),
		Bulkheads: NewBulkheadRegistry(profiles),
	}

	alwaysFails := func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	}

	for i := 0; i < 3; i++ {
		_, err := Call(context.Background(), stack, KindLLM, alwaysFails)
		if err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
		if kind, ok := errs.Of(err); ok && kind == errs.KindCircuitOpen {
			t.Fatalf("call %d: circuit opened too early", i)
		}
	}

	invoked := false
	_, err := Call(context.Background(), stack, KindLLM, func(ctx context.Context) (string, error) {
		invoked = true
		return "", nil
	})
	if err == nil {
		t.Fatal("expected CircuitOpen on fourth call")
	}
	if kind, ok := errs.Of(err); !ok || kind != errs.KindCircuitOpen {
		t.Fatalf("expected KindCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatal("inner op must not run while circuit is open")
	}
}

func TestCircuitHalfOpenRecovers(t *testing.T) {
	profiles := map[DependencyKind]Profile{KindRedis: testProfile()}
	stack := &Stack{Breakers: NewRegistry(profiles), Bulkheads: NewBulkheadRegistry(profiles)}

	fail := func(ctx context.Context) (int, error) { return 0, errors.New("down") }
	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), stack, KindRedis, fail)
	}

	time.Sleep(60 * time.Millisecond) // past RecoveryTimeout

	succeeded := false
	_, err := Call(context.Background(), stack, KindRedis, func(ctx context.Context) (int, error) {
		succeeded = true
		return 1, nil
	})
	if err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if !succeeded {
		t.Fatal("expected probe to invoke inner op")
	}

	snap := stack.Breakers.Breaker(KindRedis).Snapshot()
	if snap.State != StateClosed {
		t.Fatalf("expected breaker closed after successful probe, got %s", snap.State)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	profile := testProfile()
	attempts := 0
	result, err := Retry(context.Background(), profile, func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != 42 {
		t.Fatalf("expected 42, got %d", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryDisabledRunsOnce(t *testing.T) {
	profile := DefaultProfiles()[KindDatabase]
	attempts := 0
	_, err := Retry(context.Background(), profile, func(ctx context.Context) (int, error) {
		attempts++
		return 0, errors.New("write failed")
	})
	if err == nil {
		t.Fatal("expected failure to propagate")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a no-retry profile, got %d", attempts)
	}
}

func TestRetryNeverRetriesCircuitOpen(t *testing.T) {
	profile := testProfile()
	attempts := 0
	_, err := Retry(context.Background(), profile, func(ctx context.Context) (int, error) {
		attempts++
		return 0, errs.New(errs.KindCircuitOpen, "test", "open")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected retry loop to stop immediately on CircuitOpen, got %d attempts", attempts)
	}
}

func TestTimeoutTranslatesDeadlineExceeded(t *testing.T) {
	profile := Profile{AttemptTimeout: 10 * time.Millisecond}
	_, err := Timeout(context.Background(), profile, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if kind, ok := errs.Of(err); !ok || kind != errs.KindTimeout {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
}

func TestBulkheadLimitsConcurrency(t *testing.T) {
	b := NewBulkhead(1)
	release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(ctx); err == nil {
		t.Fatal("expected second acquire to block until context deadline")
	}
}

type fallbackOwner struct{}

func (fallbackOwner) Heuristic(input string) (string, error) {
	return "heuristic:" + input, nil
}

func TestFallbackInvokesNamedMethod(t *testing.T) {
	owner := fallbackOwner{}
	result, err := Fallback[string](owner, "Heuristic", errors.New("llm down"), "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "heuristic:req-1" {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestFallbackReturnsOriginalErrorWhenMethodMissing(t *testing.T) {
	owner := fallbackOwner{}
	primary := errors.New("llm down")
	_, err := Fallback[string](owner, "DoesNotExist", primary)
	if err != primary {
		t.Fatalf("expected original error, got %v", err)
	}
}
