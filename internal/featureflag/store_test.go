package featureflag

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client), mr
}

func TestGetFallsBackToDefaultTenant(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "new-ui", DefaultTenant, true); err != nil {
		t.Fatalf("set default: %v", err)
	}

	flag, err := store.Get(ctx, "new-ui", "tenant-acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !flag.Enabled {
		t.Fatal("expected tenant lookup to fall back to default tenant and find enabled=true")
	}
}

func TestGetPrefersTenantSpecificOverDefault(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "new-ui", DefaultTenant, true)
	store.Set(ctx, "new-ui", "tenant-acme", false)

	flag, err := store.Get(ctx, "new-ui", "tenant-acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if flag.Enabled {
		t.Fatal("expected tenant-specific override to win over default=true")
	}
}

func TestGetWithNoEntryDefaultsFalse(t *testing.T) {
	store, _ := newTestStore(t)
	flag, err := store.Get(context.Background(), "never-set", "tenant-acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if flag.Enabled {
		t.Fatal("expected unset flag to default to false")
	}
}

func TestResolveGatesByPercentageRollout(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "beta", "tenant-acme", true)
	store.SetPercentage(ctx, "beta", "tenant-acme", 0)

	on, err := store.Resolve(ctx, "beta", "tenant-acme", "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if on {
		t.Fatal("expected 0%% rollout to resolve false for every user")
	}

	store.SetPercentage(ctx, "beta", "tenant-acme", 100)
	on, err = store.Resolve(ctx, "beta", "tenant-acme", "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !on {
		t.Fatal("expected 100%% rollout to resolve true for every user")
	}
}

func TestResolveFalseWhenDisabledRegardlessOfPercentage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "beta", "tenant-acme", false)
	store.SetPercentage(ctx, "beta", "tenant-acme", 100)

	on, err := store.Resolve(ctx, "beta", "tenant-acme", "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if on {
		t.Fatal("expected disabled flag to stay off regardless of 100%% rollout")
	}
}

func TestClearRemovesBooleanAndPercentage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "beta", "tenant-acme", true)
	store.SetPercentage(ctx, "beta", "tenant-acme", 50)

	if err := store.Clear(ctx, "beta", "tenant-acme"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	flag, err := store.Get(ctx, "beta", "tenant-acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if flag.Enabled || flag.Percentage != nil {
		t.Fatalf("expected cleared flag to have no entry, got %+v", flag)
	}
}

func TestListReturnsAllFlagsForTenant(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "flag-a", "tenant-acme", true)
	store.Set(ctx, "flag-b", "tenant-acme", false)
	store.Set(ctx, "flag-c", "tenant-other", true)

	flags, err := store.List(ctx, "tenant-acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(flags) != 2 {
		t.Fatalf("expected 2 flags for tenant-acme, got %d: %+v", len(flags), flags)
	}
}

func TestFeatureOverrideEnvWinsOverStore(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	store.Set(ctx, "override-me", "tenant-acme", false)

	t.Setenv("FEATURE_OVERRIDE_ME", "true")

	flag, err := store.Get(ctx, "override-me", "tenant-acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !flag.Enabled {
		t.Fatal("expected FEATURE_OVERRIDE_ME=true env var to win over a stored false")
	}
}
