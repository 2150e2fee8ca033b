// Package config loads process configuration from the environment and, where a directory
// of policy/rego or flag-default files is configured, watches it for hot reload the same
// way services/policy-service watches its .rego bundle.
package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Env reads a string env var, falling back to def.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvInt reads an integer env var, falling back to def on absence or parse failure.
func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvDuration reads a duration env var (e.g. "30s"), falling back to def.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// EnvBool reads a boolean env var, falling back to def.
func EnvBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

// FeatureOverride looks up FEATURE_<FLAG_NAME> as a per-process default override for a
// feature flag, ahead of the persisted store — see internal/featureflag.
func FeatureOverride(flagName string) (bool, bool) {
	key := "FEATURE_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	v, set := os.LookupEnv(key)
	if !set {
		return false, false
	}
	return strings.ToLower(v) == "1" || strings.ToLower(v) == "true", true
}

// WatchDir watches dir for filesystem events matching suffix (e.g. ".rego"), debouncing
// rapid bursts of changes, and invokes onChange once per settled burst. Runs until ctx is
// cancelled. Errors from the watcher are reported via onError and do not stop the loop.
func WatchDir(ctx context.Context, dir, suffix string, onChange func(), onError func(error)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		onError(err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		onError(err)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	slog.Info("config: watching directory", "dir", dir, "suffix", suffix)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if suffix == "" || filepath.Ext(ev.Name) == suffix {
				debounce.Reset(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			onError(err)
		case <-debounce.C:
			onChange()
		}
	}
}
