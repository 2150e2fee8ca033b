package discovery

import (
	"sort"
	"sync"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

const maxConsecutiveFailuresBeforeUnhealthy = 3

// Registry is the thread-safe agent catalog. It holds the primary map plus secondary
// indexes by tenant, by capability id, and by capability tag — the same map-of-maps
// shape services/federation/sync_protocol.go uses for its peer map, but without that
// file's CRDT replication: this registry is the single source of truth for one fabric
// process, not a gossip-synced one.
type Registry struct {
	mu sync.RWMutex

	byID         map[string]*AgentCard
	byTenant     map[string]map[string]struct{}
	byCapability map[string]map[string]struct{}
	byTag        map[string]map[string]struct{}

	callbacks []HealthCallback
}

func NewRegistry() *Registry {
	return &Registry{
		byID:         make(map[string]*AgentCard),
		byTenant:     make(map[string]map[string]struct{}),
		byCapability: make(map[string]map[string]struct{}),
		byTag:        make(map[string]map[string]struct{}),
	}
}

// Register adds or replaces an agent's card, rebuilding its secondary index entries.
func (r *Registry) Register(card AgentCard) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[card.AgentID]; ok {
		r.removeFromIndexesLocked(existing)
	}
	if card.Health == "" {
		card.Health = HealthUnknown
	}
	copied := card
	r.byID[card.AgentID] = &copied
	r.addToIndexesLocked(&copied)
}

// Unregister removes an agent entirely.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	card, ok := r.byID[agentID]
	if !ok {
		return errs.New(errs.KindNotFound, "discovery.unregister", "agent not found: "+agentID)
	}
	r.removeFromIndexesLocked(card)
	delete(r.byID, agentID)
	return nil
}

// Update mutates an existing card in place via fn, re-indexing afterward since fn may
// have changed tenant, capabilities, or tags.
func (r *Registry) Update(agentID string, fn func(*AgentCard)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	card, ok := r.byID[agentID]
	if !ok {
		return errs.New(errs.KindNotFound, "discovery.update", "agent not found: "+agentID)
	}
	r.removeFromIndexesLocked(card)
	fn(card)
	r.addToIndexesLocked(card)
	return nil
}

// Get returns a copy of an agent's card.
func (r *Registry) Get(agentID string) (AgentCard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	card, ok := r.byID[agentID]
	if !ok {
		return AgentCard{}, errs.New(errs.KindNotFound, "discovery.get", "agent not found: "+agentID)
	}
	return *card, nil
}

// GetHealth returns an agent's current health state.
func (r *Registry) GetHealth(agentID string) (Health, error) {
	card, err := r.Get(agentID)
	if err != nil {
		return "", err
	}
	return card.Health, nil
}

// UpdateHealth sets an agent's health directly (used by an external health probe result)
// and fires any registered callbacks on a transition.
func (r *Registry) UpdateHealth(agentID string, health Health) error {
	r.mu.Lock()
	card, ok := r.byID[agentID]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.KindNotFound, "discovery.update_health", "agent not found: "+agentID)
	}
	prev := card.Health
	card.Health = health
	if health == HealthHealthy {
		card.ConsecutiveFailures = 0
	}
	changed := prev != health
	callbacks := append([]HealthCallback(nil), r.callbacks...)
	r.mu.Unlock()

	if changed {
		for _, cb := range callbacks {
			cb(HealthChange{AgentID: agentID, Prev: prev, Next: health})
		}
	}
	return nil
}

// CheckHealth records a single health check outcome, incrementing the consecutive-failure
// counter on failure and deriving the resulting Health: three or more consecutive failures
// degrades an agent to unhealthy; any success resets the counter and marks healthy.
func (r *Registry) CheckHealth(agentID string, ok bool) error {
	r.mu.Lock()
	card, found := r.byID[agentID]
	if !found {
		r.mu.Unlock()
		return errs.New(errs.KindNotFound, "discovery.check_health", "agent not found: "+agentID)
	}

	prev := card.Health
	if ok {
		card.ConsecutiveFailures = 0
		card.Health = HealthHealthy
	} else {
		card.ConsecutiveFailures++
		switch {
		case card.ConsecutiveFailures >= maxConsecutiveFailuresBeforeUnhealthy:
			card.Health = HealthUnhealthy
		default:
			card.Health = HealthDegraded
		}
	}
	changed := prev != card.Health
	next := card.Health
	callbacks := append([]HealthCallback(nil), r.callbacks...)
	r.mu.Unlock()

	if changed {
		for _, cb := range callbacks {
			cb(HealthChange{AgentID: agentID, Prev: prev, Next: next})
		}
	}
	return nil
}

// OnHealthChange registers a callback invoked on every health transition.
func (r *Registry) OnHealthChange(cb HealthCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// FindByCapability returns every agent offering the given capability id.
func (r *Registry) FindByCapability(capabilityID string) []AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byCapability[capabilityID])
}

// FindByTag returns every agent with a capability tagged tag.
func (r *Registry) FindByTag(tag string) []AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byTag[tag])
}

// FindDelegatees returns healthy agents offering capabilityID whose CanAcceptDelegation is
// true, excluding the given agent id (typically the delegator itself) and optionally
// restricted to one tenant.
func (r *Registry) FindDelegatees(capabilityID, excluding, tenantID string) []AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AgentCard
	for id := range r.byCapability[capabilityID] {
		card := r.byID[id]
		if card == nil || card.AgentID == excluding {
			continue
		}
		if tenantID != "" && card.TenantID != tenantID {
			continue
		}
		if !card.CanAcceptDelegation || card.Health != HealthHealthy {
			continue
		}
		out = append(out, *card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrustLevel > out[j].TrustLevel })
	return out
}

// Discover intersects the candidate sets implied by filter.IDs/TenantID/CapabilityIDs/Tags,
// applies the remaining predicates, sorts by TrustLevel descending, and paginates.
func (r *Registry) Discover(filter Filter) []AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.candidateIDsLocked(filter)

	out := make([]AgentCard, 0, len(candidates))
	for id := range candidates {
		card := r.byID[id]
		if card == nil || !matchesPredicates(*card, filter) {
			continue
		}
		out = append(out, *card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrustLevel > out[j].TrustLevel })
	return paginate(out, filter.Offset, filter.Limit)
}

func (r *Registry) candidateIDsLocked(filter Filter) map[string]struct{} {
	var sets []map[string]struct{}

	if len(filter.IDs) > 0 {
		set := make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			if _, ok := r.byID[id]; ok {
				set[id] = struct{}{}
			}
		}
		sets = append(sets, set)
	}
	if filter.TenantID != "" {
		sets = append(sets, r.byTenant[filter.TenantID])
	}
	for _, capID := range filter.CapabilityIDs {
		sets = append(sets, r.byCapability[capID])
	}
	for _, tag := range filter.Tags {
		sets = append(sets, r.byTag[tag])
	}

	if len(sets) == 0 {
		all := make(map[string]struct{}, len(r.byID))
		for id := range r.byID {
			all[id] = struct{}{}
		}
		return all
	}

	result := sets[0]
	for _, s := range sets[1:] {
		result = intersect(result, s)
	}
	return result
}

func matchesPredicates(card AgentCard, filter Filter) bool {
	if filter.Type != "" && card.Type != filter.Type {
		return false
	}
	if filter.Role != "" && card.Role != filter.Role {
		return false
	}
	if filter.MinTrustLevel > 0 && card.TrustLevel < filter.MinTrustLevel {
		return false
	}
	if filter.CertifiedOnly && !card.Certified {
		return false
	}
	if filter.CanDelegate != nil && card.CanDelegate != *filter.CanDelegate {
		return false
	}
	if filter.CanAcceptDelegation != nil && card.CanAcceptDelegation != *filter.CanAcceptDelegation {
		return false
	}
	if filter.Health != "" && card.Health != filter.Health {
		return false
	}
	return true
}

func paginate(cards []AgentCard, offset, limit int) []AgentCard {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(cards) {
		return []AgentCard{}
	}
	end := len(cards)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return cards[offset:end]
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for id := range small {
		if _, ok := large[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func (r *Registry) collectLocked(ids map[string]struct{}) []AgentCard {
	out := make([]AgentCard, 0, len(ids))
	for id := range ids {
		if card, ok := r.byID[id]; ok {
			out = append(out, *card)
		}
	}
	return out
}

func (r *Registry) addToIndexesLocked(card *AgentCard) {
	if card.TenantID != "" {
		addToSet(r.byTenant, card.TenantID, card.AgentID)
	}
	for _, capability := range card.Capabilities {
		addToSet(r.byCapability, capability.ID, card.AgentID)
		for _, tag := range capability.Tags {
			addToSet(r.byTag, tag, card.AgentID)
		}
	}
}

func (r *Registry) removeFromIndexesLocked(card *AgentCard) {
	if card.TenantID != "" {
		removeFromSet(r.byTenant, card.TenantID, card.AgentID)
	}
	for _, capability := range card.Capabilities {
		removeFromSet(r.byCapability, capability.ID, card.AgentID)
		for _, tag := range capability.Tags {
			removeFromSet(r.byTag, tag, card.AgentID)
		}
	}
}

func addToSet(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
