package featureflag

import (
	"context"
	"testing"
)

func TestMemoStoreCachesAfterFirstGet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	store.Set(ctx, "cached", "tenant-acme", true)

	memo := NewMemoStore(store)
	flag, err := memo.Get(ctx, "cached", "tenant-acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !flag.Enabled {
		t.Fatal("expected enabled=true")
	}

	// Mutate the underlying store directly, bypassing Set's invalidation publish, to prove
	// the second Get is served from the cache rather than re-reading Redis.
	mr.Set(flagKey("cached", "tenant-acme"), "false")

	flag, err = memo.Get(ctx, "cached", "tenant-acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !flag.Enabled {
		t.Fatal("expected cached value to still read enabled=true despite the underlying change")
	}
}

func TestMemoStoreInvalidateDropsCachedEntry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	store.Set(ctx, "cached", "tenant-acme", true)

	memo := NewMemoStore(store)
	memo.Get(ctx, "cached", "tenant-acme")

	mr.Set(flagKey("cached", "tenant-acme"), "false")
	memo.Invalidate("cached", "tenant-acme")

	flag, err := memo.Get(ctx, "cached", "tenant-acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if flag.Enabled {
		t.Fatal("expected invalidated entry to re-read the underlying store's new value")
	}
}

func TestMemoStoreInvalidateAlsoDropsDefaultTenantEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	store.Set(ctx, "fallback-flag", DefaultTenant, true)

	memo := NewMemoStore(store)
	// Populate the cache for tenant-acme via the default-tenant fallback.
	memo.Get(ctx, "fallback-flag", "tenant-acme")

	memo.Invalidate("fallback-flag", DefaultTenant)

	memo.mu.RLock()
	_, stillCached := memo.cache["fallback-flag|tenant-acme"]
	memo.mu.RUnlock()
	if stillCached {
		t.Fatal("expected a default-tenant invalidation to also drop tenants that fell back to it")
	}
}
