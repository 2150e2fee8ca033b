package discovery

import "testing"

func cardFixture(id, tenant string, trust float64, capIDs ...string) AgentCard {
	caps := make([]Capability, len(capIDs))
	for i, c := range capIDs {
		caps[i] = Capability{ID: c, Tags: []string{"tag-" + c}}
	}
	return AgentCard{
		AgentID:             id,
		TenantID:            tenant,
		TrustLevel:          trust,
		Capabilities:        caps,
		CanAcceptDelegation: true,
		Health:              HealthHealthy,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(cardFixture("agent-1", "tenant-a", 0.8, "summarize"))

	card, err := r.Get("agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if card.TrustLevel != 0.8 {
		t.Fatalf("expected trust 0.8, got %v", card.TrustLevel)
	}
}

func TestUnregisterRemovesFromIndexes(t *testing.T) {
	r := NewRegistry()
	r.Register(cardFixture("agent-1", "tenant-a", 0.8, "summarize"))
	if err := r.Unregister("agent-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	if _, err := r.Get("agent-1"); err == nil {
		t.Fatal("expected not-found after unregister")
	}
	if found := r.FindByCapability("summarize"); len(found) != 0 {
		t.Fatalf("expected capability index to be cleared, got %v", found)
	}
}

func TestUpdateReindexesOnCapabilityChange(t *testing.T) {
	r := NewRegistry()
	r.Register(cardFixture("agent-1", "tenant-a", 0.8, "summarize"))

	err := r.Update("agent-1", func(c *AgentCard) {
		c.Capabilities = []Capability{{ID: "translate"}}
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if found := r.FindByCapability("summarize"); len(found) != 0 {
		t.Fatal("expected old capability index entry to be removed")
	}
	if found := r.FindByCapability("translate"); len(found) != 1 {
		t.Fatalf("expected new capability index entry, got %v", found)
	}
}

func TestDiscoverIntersectsFilterAndSortsByTrust(t *testing.T) {
	r := NewRegistry()
	r.Register(cardFixture("agent-low", "tenant-a", 0.3, "summarize"))
	r.Register(cardFixture("agent-high", "tenant-a", 0.9, "summarize"))
	r.Register(cardFixture("agent-other-tenant", "tenant-b", 0.95, "summarize"))

	results := r.Discover(Filter{TenantID: "tenant-a", CapabilityIDs: []string{"summarize"}})
	if len(results) != 2 {
		t.Fatalf("expected 2 agents in tenant-a, got %d", len(results))
	}
	if results[0].AgentID != "agent-high" {
		t.Fatalf("expected highest-trust agent first, got %s", results[0].AgentID)
	}
}

func TestDiscoverAppliesPagination(t *testing.T) {
	r := NewRegistry()
	r.Register(cardFixture("a", "t", 0.9, "x"))
	r.Register(cardFixture("b", "t", 0.8, "x"))
	r.Register(cardFixture("c", "t", 0.7, "x"))

	page := r.Discover(Filter{TenantID: "t", Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].AgentID != "b" {
		t.Fatalf("expected single page entry 'b', got %+v", page)
	}
}

func TestFindDelegateesExcludesIneligibleAgents(t *testing.T) {
	r := NewRegistry()
	self := cardFixture("delegator", "t", 1.0, "review")
	r.Register(self)

	eligible := cardFixture("eligible", "t", 0.6, "review")
	r.Register(eligible)

	unhealthy := cardFixture("unhealthy", "t", 0.9, "review")
	unhealthy.Health = HealthUnhealthy
	r.Register(unhealthy)

	cannotAccept := cardFixture("cannot-accept", "t", 0.9, "review")
	cannotAccept.CanAcceptDelegation = false
	r.Register(cannotAccept)

	delegatees := r.FindDelegatees("review", "delegator", "t")
	if len(delegatees) != 1 || delegatees[0].AgentID != "eligible" {
		t.Fatalf("expected only 'eligible', got %+v", delegatees)
	}
}

func TestCheckHealthDegradesAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	r.Register(cardFixture("agent-1", "t", 0.5, "x"))

	r.CheckHealth("agent-1", false)
	card, _ := r.Get("agent-1")
	if card.Health != HealthDegraded {
		t.Fatalf("expected degraded after first failure, got %s", card.Health)
	}

	r.CheckHealth("agent-1", false)
	r.CheckHealth("agent-1", false)
	card, _ = r.Get("agent-1")
	if card.Health != HealthUnhealthy {
		t.Fatalf("expected unhealthy after 3 consecutive failures, got %s", card.Health)
	}

	r.CheckHealth("agent-1", true)
	card, _ = r.Get("agent-1")
	if card.Health != HealthHealthy || card.ConsecutiveFailures != 0 {
		t.Fatalf("expected healthy and reset counter after a success, got %+v", card)
	}
}

func TestHealthChangeCallbackFiresOnTransition(t *testing.T) {
	r := NewRegistry()
	r.Register(cardFixture("agent-1", "t", 0.5, "x"))

	var changes []HealthChange
	r.OnHealthChange(func(c HealthChange) { changes = append(changes, c) })

	r.UpdateHealth("agent-1", HealthDegraded)
	r.UpdateHealth("agent-1", HealthDegraded) // no-op, same state

	if len(changes) != 1 {
		t.Fatalf("expected exactly one callback invocation, got %d", len(changes))
	}
	if changes[0].Prev != HealthHealthy || changes[0].Next != HealthDegraded {
		t.Fatalf("unexpected transition recorded: %+v", changes[0])
	}
}
