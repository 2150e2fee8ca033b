package featureflag

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWatcherInvokesInvalidatorOnChangeNotice(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 1)

	inv := InvalidatorFunc(func(flag, tenant string) {
		mu.Lock()
		got = append(got, flag+"|"+tenant)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	watcher := NewWatcher(store.client, inv, nil)
	go watcher.Run(ctx)

	// Give the subscribe loop a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	if err := store.Set(ctx, "beta", "tenant-acme", true); err != nil {
		t.Fatalf("set: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected invalidator to be called after a flag change notice")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[0] != "beta|tenant-acme" {
		t.Fatalf("expected invalidation for beta|tenant-acme, got %v", got)
	}
}
