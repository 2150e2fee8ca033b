package featureflag

import (
	"context"
	"sync"
)

// MemoStore wraps a Store with a local in-memory cache of resolved flags, invalidated by a
// Watcher on pub/sub notice. This is the "local memoization" spec §4.13 requires each
// process to invalidate on receipt of a change notice; it's plain stdlib sync rather than a
// ristretto cache like the intelligence package's RAG lookup because flag values have no
// natural eviction pressure (the key space is small and operator-controlled) and must be
// invalidated exactly on notice, not on a TTL.
type MemoStore struct {
	*Store
	mu    sync.RWMutex
	cache map[string]Flag
}

func NewMemoStore(store *Store) *MemoStore {
	return &MemoStore{Store: store, cache: make(map[string]Flag)}
}

func (m *MemoStore) Get(ctx context.Context, name, tenant string) (Flag, error) {
	key := name + "|" + tenant
	m.mu.RLock()
	if flag, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return flag, nil
	}
	m.mu.RUnlock()

	flag, err := m.Store.Get(ctx, name, tenant)
	if err != nil {
		return Flag{}, err
	}
	m.mu.Lock()
	m.cache[key] = flag
	m.mu.Unlock()
	return flag, nil
}

func (m *MemoStore) Resolve(ctx context.Context, name, tenant, userID string) (bool, error) {
	flag, err := m.Get(ctx, name, tenant)
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

// Invalidate drops the cached entry for (flag, tenant). A change to the "default" tenant
// entry can change what any tenant without its own override falls through to, and the
// cache has no reverse index of which tenants fell through — so a default-tenant notice
// drops every cached entry for that flag name rather than guessing which ones depended on
// the default.
func (m *MemoStore) Invalidate(flag, tenant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tenant == DefaultTenant {
		prefix := flag + "|"
		for key := range m.cache {
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
				delete(m.cache, key)
			}
		}
		return
	}
	delete(m.cache, flag+"|"+tenant)
}
