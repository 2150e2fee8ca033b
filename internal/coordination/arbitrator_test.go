package coordination

import (
	"context"
	"testing"
	"time"
)

func TestAcquireFreeResourceSucceeds(t *testing.T) {
	a := NewArbitrator(nil)
	ok, err := a.AcquireResource(context.Background(), "db-1", "agent-a", false)
	if err != nil || !ok {
		t.Fatalf("expected free resource to be acquired, got ok=%v err=%v", ok, err)
	}
}

func TestAcquireByCurrentHolderIsIdempotent(t *testing.T) {
	a := NewArbitrator(nil)
	ctx := context.Background()
	if ok, _ := a.AcquireResource(ctx, "db-1", "agent-a", false); !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if ok, err := a.AcquireResource(ctx, "db-1", "agent-a", false); err != nil || !ok {
		t.Fatalf("expected re-acquire by the same holder to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestAcquireWithoutWaitFailsOnContention(t *testing.T) {
	a := NewArbitrator(nil)
	ctx := context.Background()
	a.AcquireResource(ctx, "db-1", "agent-a", false)

	ok, err := a.AcquireResource(ctx, "db-1", "agent-b", false)
	if err != nil || ok {
		t.Fatalf("expected contended non-waiting acquire to return false, got ok=%v err=%v", ok, err)
	}

	active := a.GetActiveConflicts("", "")
	if len(active) != 1 {
		t.Fatalf("expected one active conflict to be recorded, got %d", len(active))
	}
}

func TestReleaseGrantsNextFIFOWaiter(t *testing.T) {
	a := NewArbitrator(nil)
	ctx := context.Background()
	a.AcquireResource(ctx, "db-1", "agent-a", false)

	acquired := make(chan string, 1)
	go func() {
		ok, _ := a.AcquireResource(ctx, "db-1", "agent-b", true)
		if ok {
			acquired <- "agent-b"
		}
	}()

	time.Sleep(20 * time.Millisecond) // let agent-b enqueue as a waiter
	a.ReleaseResource("db-1", "agent-a")

	select {
	case winner := <-acquired:
		if winner != "agent-b" {
			t.Fatalf("expected agent-b to win the released lock, got %s", winner)
		}
	case <-time.After(time.Second):
		t.Fatal("expected waiting agent to be granted the lock after release")
	}

	locked := a.GetLockedResources("")
	if locked["db-1"] != "agent-b" {
		t.Fatalf("expected db-1 held by agent-b, got %+v", locked)
	}
}

func TestReleaseTieBreaksByConfiguredPriority(t *testing.T) {
	a := NewArbitrator(nil)
	ctx := context.Background()
	a.SetAgentPriority("agent-low", 1)
	a.SetAgentPriority("agent-high", 9)
	a.AcquireResource(ctx, "db-1", "agent-a", false)

	lowDone := make(chan bool, 1)
	highDone := make(chan bool, 1)
	go func() { ok, _ := a.AcquireResource(ctx, "db-1", "agent-low", true); lowDone <- ok }()
	time.Sleep(10 * time.Millisecond)
	go func() { ok, _ := a.AcquireResource(ctx, "db-1", "agent-high", true); highDone <- ok }()
	time.Sleep(10 * time.Millisecond)

	a.ReleaseResource("db-1", "agent-a")

	select {
	case ok := <-highDone:
		if !ok {
			t.Fatal("expected agent-high to acquire")
		}
	case <-time.After(time.Second):
		t.Fatal("expected higher-priority waiter to be granted the lock first")
	}

	select {
	case <-lowDone:
		t.Fatal("expected agent-low to still be waiting")
	default:
	}
}

func TestAcquireWithWaitTimesOutViaContextCancellation(t *testing.T) {
	a := NewArbitrator(nil)
	a.AcquireResource(context.Background(), "db-1", "agent-a", false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := a.AcquireResource(ctx, "db-1", "agent-b", true)
	if ok || err == nil {
		t.Fatalf("expected context-cancelled wait to fail, got ok=%v err=%v", ok, err)
	}
}

func TestAcquireDetectsDeadlockAndAborts(t *testing.T) {
	a := NewArbitrator(nil)
	ctx := context.Background()

	a.AcquireResource(ctx, "res-1", "agent-a", false)
	a.AcquireResource(ctx, "res-2", "agent-b", false)

	agentAWaitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	waitErr := make(chan error, 1)
	go func() {
		_, err := a.AcquireResource(agentAWaitCtx, "res-2", "agent-a", true)
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // agent-a now waiting on res-2 (held by agent-b)

	ok, err := a.AcquireResource(ctx, "res-1", "agent-b", true)
	if ok || err == nil {
		t.Fatalf("expected agent-b's wait on res-1 to deadlock-abort, got ok=%v err=%v", ok, err)
	}

	select {
	case <-waitErr:
	case <-time.After(time.Second):
		t.Fatal("expected agent-a's original wait to still resolve")
	}
}

func TestResolveAutoSelectsStrategyByConflictType(t *testing.T) {
	a := NewArbitrator(nil)
	a.SetAgentPriority("agent-a", 9)
	a.SetAgentPriority("agent-b", 1)

	conflict := a.DetectConflict(ConflictResourceContention, []string{"agent-a", "agent-b"}, "contention", nil, "res-1", 5, nil)

	resolution, err := a.Resolve(conflict.ID, "", "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Strategy != StrategyPriorityBased {
		t.Fatalf("expected priority_based strategy for resource contention, got %s", resolution.Strategy)
	}
	if resolution.WinnerAgentID != "agent-a" {
		t.Fatalf("expected agent-a (higher priority) to win, got %s", resolution.WinnerAgentID)
	}

	reloaded, ok := a.GetConflict(conflict.ID)
	if !ok || !reloaded.Resolved {
		t.Fatal("expected conflict to be marked resolved")
	}
}

func TestResolveRejectsAlreadyResolvedConflict(t *testing.T) {
	a := NewArbitrator(nil)
	conflict := a.DetectConflict(ConflictDataConflict, []string{"agent-a"}, "dup write", nil, "", 3, nil)
	if _, err := a.Resolve(conflict.ID, StrategyDefer, "", ""); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := a.Resolve(conflict.ID, StrategyDefer, "", ""); err == nil {
		t.Fatal("expected resolving an already-resolved conflict to fail")
	}
}

func TestStatsReflectConflictsAndLocks(t *testing.T) {
	a := NewArbitrator(nil)
	ctx := context.Background()
	a.AcquireResource(ctx, "res-1", "agent-a", false)
	conflict := a.DetectConflict(ConflictPriority, []string{"agent-a", "agent-b"}, "priority clash", nil, "", 4, nil)
	a.Resolve(conflict.ID, StrategyFirstCome, "", "")

	stats := a.GetStats()
	if stats.TotalConflicts != 1 || stats.ResolvedConflicts != 1 || stats.ActiveConflicts != 0 {
		t.Fatalf("unexpected conflict stats: %+v", stats)
	}
	if stats.ActiveLocks != 1 {
		t.Fatalf("expected 1 active lock, got %d", stats.ActiveLocks)
	}
}
