package featureflag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/config"
)

// Store is the Redis-backed flag store. Reads follow the lookup order named in spec §4.13:
// tenant-specific entry, then the "default" tenant entry, then false. A process-level
// FEATURE_<FLAG_NAME> env override (see internal/core/config.FeatureOverride) takes
// precedence over both, letting an operator pin a flag for one process without touching
// the shared store.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get resolves a flag for a tenant, honoring the env override, then tenant, then default,
// then false lookup chain.
func (s *Store) Get(ctx context.Context, name, tenant string) (Flag, error) {
	if override, set := config.FeatureOverride(name); set {
		return Flag{Name: name, Tenant: tenant, Enabled: override}, nil
	}

	if e, ok, err := s.getEntry(ctx, name, tenant); err != nil {
		return Flag{}, err
	} else if ok {
		return Flag{Name: name, Tenant: tenant, Enabled: e.Enabled, Percentage: e.Percentage}, nil
	}

	if tenant != DefaultTenant {
		if e, ok, err := s.getEntry(ctx, name, DefaultTenant); err != nil {
			return Flag{}, err
		} else if ok {
			return Flag{Name: name, Tenant: tenant, Enabled: e.Enabled, Percentage: e.Percentage}, nil
		}
	}

	return Flag{Name: name, Tenant: tenant, Enabled: false}, nil
}

// Resolve returns Get's Enabled result, further gated by percentage rollout for userID when
// a percentage is configured: a flag with a percentage is only "on" for a user if both the
// flag itself is enabled and the user falls in the rollout bucket.
func (s *Store) Resolve(ctx context.Context, name, tenant, userID string) (bool, error) {
	flag, err := s.Get(ctx, name, tenant)
	if err != nil {
		return false, err
	}
	if !flag.Enabled {
		return false, nil
	}
	if flag.Percentage == nil {
		return true, nil
	}
	return inRollout(userID, *flag.Percentage), nil
}

func (s *Store) getEntry(ctx context.Context, name, tenant string) (Entry, bool, error) {
	enabledStr, err := s.client.Get(ctx, flagKey(name, tenant)).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get flag %s/%s: %w", name, tenant, err)
	}
	enabled, err := strconv.ParseBool(enabledStr)
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse flag %s/%s: %w", name, tenant, err)
	}

	entry := Entry{Enabled: enabled}
	pctStr, err := s.client.Get(ctx, percentageKey(name, tenant)).Result()
	switch err {
	case nil:
		pct, perr := strconv.Atoi(pctStr)
		if perr != nil {
			return Entry{}, false, fmt.Errorf("parse percentage %s/%s: %w", name, tenant, perr)
		}
		entry.Percentage = &pct
	case redis.Nil:
		// no percentage configured, entry.Percentage stays nil
	default:
		return Entry{}, false, fmt.Errorf("get percentage %s/%s: %w", name, tenant, err)
	}
	return entry, true, nil
}

// Set persists the boolean value for (name, tenant) and publishes an invalidation notice.
func (s *Store) Set(ctx context.Context, name, tenant string, enabled bool) error {
	if err := s.client.Set(ctx, flagKey(name, tenant), strconv.FormatBool(enabled), 0).Err(); err != nil {
		return fmt.Errorf("set flag %s/%s: %w", name, tenant, err)
	}
	return s.publishChange(ctx, name, tenant)
}

// SetPercentage persists a rollout percentage (0..100) for (name, tenant).
func (s *Store) SetPercentage(ctx context.Context, name, tenant string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("set percentage %s/%s: percentage %d out of range [0,100]", name, tenant, percentage)
	}
	if err := s.client.Set(ctx, percentageKey(name, tenant), strconv.Itoa(percentage), 0).Err(); err != nil {
		return fmt.Errorf("set percentage %s/%s: %w", name, tenant, err)
	}
	return s.publishChange(ctx, name, tenant)
}

// Clear removes both the boolean and percentage keys for (name, tenant).
func (s *Store) Clear(ctx context.Context, name, tenant string) error {
	if err := s.client.Del(ctx, flagKey(name, tenant), percentageKey(name, tenant)).Err(); err != nil {
		return fmt.Errorf("clear flag %s/%s: %w", name, tenant, err)
	}
	return s.publishChange(ctx, name, tenant)
}

// List returns every flag/tenant pair known to the store. It scans rather than relying on
// an index, matching the teacher's policy-service's approach of treating Redis as the
// source of truth with no secondary catalog to keep in sync.
func (s *Store) List(ctx context.Context, tenant string) ([]Flag, error) {
	pattern := "feature_flag:*:" + tenant
	if tenant == "" {
		pattern = "feature_flag:*"
	}

	var flags []Flag
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		name, flagTenant, ok := parseFlagKey(key)
		if !ok {
			continue
		}
		flag, err := s.Get(ctx, name, flagTenant)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan flags: %w", err)
	}
	return flags, nil
}

func (s *Store) publishChange(ctx context.Context, name, tenant string) error {
	notice := fmt.Sprintf(`{"flag":%q,"tenant":%q}`, name, tenant)
	if err := s.client.Publish(ctx, InvalidationChannel, notice).Err(); err != nil {
		return fmt.Errorf("publish change %s/%s: %w", name, tenant, err)
	}
	return nil
}

// parseFlagKey extracts (name, tenant) from a "feature_flag:<name>:<tenant>" key, rejecting
// the ":percentage" suffix keys that share the same prefix.
func parseFlagKey(key string) (name, tenant string, ok bool) {
	const prefix = "feature_flag:"
	if len(key) <= len(prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	if len(rest) > 11 && rest[len(rest)-11:] == ":percentage" {
		return "", "", false
	}
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
