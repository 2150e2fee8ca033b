package featureflag

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
)

// Invalidator is notified whenever a flag changes, so a caller can drop any local
// memoization of Store.Get/Resolve results.
type Invalidator interface {
	Invalidate(flag, tenant string)
}

// InvalidatorFunc adapts a plain function to Invalidator.
type InvalidatorFunc func(flag, tenant string)

func (f InvalidatorFunc) Invalidate(flag, tenant string) { f(flag, tenant) }

// Watcher subscribes to InvalidationChannel and calls an Invalidator on every change,
// reconnecting forever on failure. This generalizes services/control-plane/main.go's
// dialWithRetry — that function gives up after maxAttempts; a flag listener that stops
// forever is worse than one that simply never serves changes until Redis comes back, so
// the backoff here has no ceiling on attempts, only on the per-attempt delay.
type Watcher struct {
	client *redis.Client
	inv    Invalidator
	log    *slog.Logger
}

func NewWatcher(client *redis.Client, inv Invalidator, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{client: client, inv: inv, log: log}
}

// Run blocks until ctx is cancelled, maintaining a subscription to InvalidationChannel and
// restarting it with exponential backoff + jitter whenever the subscription loop exits
// (network blip, Redis restart, or an unexpected panic-free error return). This is the
// "watchdog" named in spec §4.13: the loop never gives up, it just waits longer between
// attempts that fail in quick succession.
func (w *Watcher) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never stop retrying

	for {
		if ctx.Err() != nil {
			return
		}

		connectedAt := time.Now()
		err := w.subscribeOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		// A subscription that stayed up a while before failing is treated as healthy;
		// reset the backoff so a flapping-then-recovering Redis doesn't inherit a long
		// wait from an earlier, unrelated outage.
		if time.Since(connectedAt) > b.MaxInterval {
			b.Reset()
		}

		delay := b.NextBackOff()
		w.log.Warn("featureflag: subscription lost, reconnecting", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *Watcher) subscribeOnce(ctx context.Context) error {
	sub := w.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	w.log.Info("featureflag: subscribed", "channel", InvalidationChannel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var notice ChangeNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				w.log.Warn("featureflag: malformed invalidation notice", "err", err, "payload", msg.Payload)
				continue
			}
			w.inv.Invalidate(notice.Flag, notice.Tenant)
		}
	}
}
