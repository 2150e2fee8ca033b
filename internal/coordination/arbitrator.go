package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

const defaultAgentPriority = 5

type waitEntry struct {
	agentID string
	ch      chan struct{}
}

// Arbitrator is the Conflict Arbitrator named in spec §5: resource locks with FIFO
// waiters, deadlock resolution by abort, and priority-or-round-robin tie-breaking on
// release. Conflict/Resolution bookkeeping and the strategy-handler table follow
// original_source/app/agentic/coordination/arbitration.py's Arbitrator one-for-one; the
// FIFO wait queue is reshaped into Go channels instead of Python's blocking-call model.
type Arbitrator struct {
	mu sync.Mutex

	conflicts   map[string]*Conflict
	resolutions map[string]*Resolution

	locks          map[string]string // resource id -> holding agent id
	waiters        map[string][]waitEntry
	waitingFor     map[string]string // agent id -> resource id it is currently blocked on
	roundRobinIdx  map[string]int
	agentPriority  map[string]int

	strategyHandlers map[ResolutionStrategy]func(Conflict) Resolution

	log *slog.Logger

	callbackMu  sync.RWMutex
	onConflict  []ConflictCallback
	onResolution []ResolutionCallback
}

func NewArbitrator(log *slog.Logger) *Arbitrator {
	if log == nil {
		log = slog.Default()
	}
	a := &Arbitrator{
		conflicts:     make(map[string]*Conflict),
		resolutions:   make(map[string]*Resolution),
		locks:         make(map[string]string),
		waiters:       make(map[string][]waitEntry),
		waitingFor:    make(map[string]string),
		roundRobinIdx: make(map[string]int),
		agentPriority: make(map[string]int),
		log:           log,
	}
	a.strategyHandlers = map[ResolutionStrategy]func(Conflict) Resolution{
		StrategyPriorityBased: a.resolveByPriority,
		StrategyFirstCome:     a.resolveFirstCome,
		StrategyRoundRobin:    a.resolveRoundRobin,
		StrategyAbort:         a.resolveAbort,
		StrategyDefer:         a.resolveDefer,
	}
	return a
}

// SetAgentPriority configures a per-agent priority (higher wins ties). Unconfigured
// agents default to priority 5, matching the original's default.
func (a *Arbitrator) SetAgentPriority(agentID string, priority int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentPriority[agentID] = priority
}

// OnConflict registers a callback fired whenever a new Conflict is detected.
func (a *Arbitrator) OnConflict(cb ConflictCallback) {
	a.callbackMu.Lock()
	defer a.callbackMu.Unlock()
	a.onConflict = append(a.onConflict, cb)
}

// OnResolution registers a callback fired whenever a Conflict is resolved.
func (a *Arbitrator) OnResolution(cb ResolutionCallback) {
	a.callbackMu.Lock()
	defer a.callbackMu.Unlock()
	a.onResolution = append(a.onResolution, cb)
}

// AcquireResource attempts to acquire resourceID for agentID. If the resource is free or
// already held by agentID it returns true immediately. Otherwise a Conflict is recorded;
// if wait is false it returns false without blocking. If wait is true, AcquireResource
// first checks whether waiting would deadlock (the current holder, transitively, is
// itself waiting on a resource agentID holds) — deadlocks are resolved by abort, i.e.
// this call fails immediately rather than queuing. Otherwise the caller is queued FIFO
// and AcquireResource blocks until it is granted the lock or ctx is cancelled.
func (a *Arbitrator) AcquireResource(ctx context.Context, resourceID, agentID string, wait bool) (bool, error) {
	a.mu.Lock()
	holder, held := a.locks[resourceID]
	if !held {
		a.locks[resourceID] = agentID
		a.mu.Unlock()
		return true, nil
	}
	if holder == agentID {
		a.mu.Unlock()
		return true, nil
	}

	conflict := a.recordConflictLocked(Conflict{
		Type:        ConflictResourceContention,
		Description: fmt.Sprintf("resource %s contention", resourceID),
		Severity:    5,
		AgentIDs:    []string{holder, agentID},
		ResourceID:  resourceID,
		Context:     map[string]any{"current_holder": holder},
	})

	if !wait {
		a.mu.Unlock()
		a.fireConflict(conflict)
		return false, nil
	}

	if a.wouldDeadlockLocked(agentID, holder) {
		a.mu.Unlock()
		a.fireConflict(conflict)
		a.autoResolve(conflict, StrategyAbort)
		return false, errs.New(errs.KindInvariant, "coordination.acquire_resource",
			fmt.Sprintf("waiting for resource %s would deadlock with agent %s", resourceID, holder))
	}

	entry := waitEntry{agentID: agentID, ch: make(chan struct{})}
	a.waiters[resourceID] = append(a.waiters[resourceID], entry)
	a.waitingFor[agentID] = resourceID
	a.mu.Unlock()
	a.fireConflict(conflict)

	select {
	case <-entry.ch:
		a.mu.Lock()
		delete(a.waitingFor, agentID)
		a.mu.Unlock()
		return true, nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.waitingFor, agentID)
		a.removeWaiterLocked(resourceID, agentID)
		a.mu.Unlock()
		return false, ctx.Err()
	}
}

// ReleaseResource releases resourceID if held by agentID, granting it to the next
// waiter (if any) chosen per priority-or-round-robin tie-breaking.
func (a *Arbitrator) ReleaseResource(resourceID, agentID string) {
	a.mu.Lock()
	if a.locks[resourceID] != agentID {
		a.mu.Unlock()
		return
	}
	delete(a.locks, resourceID)

	winner, ok := a.popNextWaiterLocked(resourceID)
	if !ok {
		a.mu.Unlock()
		return
	}
	a.locks[resourceID] = winner.agentID
	a.mu.Unlock()
	close(winner.ch)
}

// DetectConflict manually records a conflict not arising from AcquireResource.
func (a *Arbitrator) DetectConflict(ct ConflictType, agentIDs []string, description string, taskIDs []string, resourceID string, severity int, context map[string]any) Conflict {
	a.mu.Lock()
	conflict := a.recordConflictLocked(Conflict{
		Type: ct, Description: description, Severity: severity,
		AgentIDs: agentIDs, TaskIDs: taskIDs, ResourceID: resourceID, Context: context,
	})
	a.mu.Unlock()
	a.fireConflict(conflict)
	return conflict
}

// Resolve resolves a previously recorded conflict, auto-selecting a strategy when none
// is given. manualDecision, when non-empty, bypasses the strategy handler table.
func (a *Arbitrator) Resolve(conflictID string, strategy ResolutionStrategy, manualDecision, resolvedBy string) (Resolution, error) {
	a.mu.Lock()
	conflict, ok := a.conflicts[conflictID]
	if !ok {
		a.mu.Unlock()
		return Resolution{}, errs.New(errs.KindNotFound, "coordination.resolve", "conflict not found: "+conflictID)
	}
	if conflict.Resolved {
		a.mu.Unlock()
		return Resolution{}, errs.New(errs.KindInvariant, "coordination.resolve", "conflict already resolved: "+conflictID)
	}
	if strategy == "" {
		strategy = a.selectStrategyLocked(*conflict)
	}

	var resolution Resolution
	if manualDecision != "" {
		resolution = Resolution{
			ID: uuid.NewString(), ConflictID: conflictID, Strategy: strategy,
			Decision: manualDecision, Reasoning: "manually resolved", ResolvedBy: resolvedBy,
			ResolvedAt: time.Now(),
		}
	} else if handler, ok := a.strategyHandlers[strategy]; ok {
		resolution = handler(*conflict)
		if resolution.ResolvedBy == "" {
			resolution.ResolvedBy = "system"
		}
	} else {
		resolution = Resolution{
			ID: uuid.NewString(), ConflictID: conflictID, Strategy: strategy,
			Decision: "unresolved strategy", ResolvedBy: "system", ResolvedAt: time.Now(),
		}
	}

	now := time.Now()
	conflict.Resolved = true
	conflict.Resolution = &resolution
	conflict.ResolvedAt = &now
	a.resolutions[resolution.ID] = &resolution
	conflictCopy := *conflict
	a.mu.Unlock()

	a.fireResolution(conflictCopy, resolution)
	return resolution, nil
}

// GetConflict returns a conflict by id.
func (a *Arbitrator) GetConflict(conflictID string) (Conflict, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conflicts[conflictID]
	if !ok {
		return Conflict{}, false
	}
	return *c, true
}

// GetActiveConflicts returns unresolved conflicts, optionally filtered by agent or type.
func (a *Arbitrator) GetActiveConflicts(agentID string, conflictType ConflictType) []Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Conflict
	for _, c := range a.conflicts {
		if c.Resolved {
			continue
		}
		if agentID != "" && !containsString(c.AgentIDs, agentID) {
			continue
		}
		if conflictType != "" && c.Type != conflictType {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// GetLockedResources returns currently held locks, optionally filtered to one agent.
func (a *Arbitrator) GetLockedResources(agentID string) map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string)
	for resourceID, holder := range a.locks {
		if agentID != "" && holder != agentID {
			continue
		}
		out[resourceID] = holder
	}
	return out
}

// GetStats summarizes arbitration activity.
func (a *Arbitrator) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{
		ByType:     make(map[ConflictType]int),
		ByStrategy: make(map[ResolutionStrategy]int),
	}
	for _, c := range a.conflicts {
		stats.TotalConflicts++
		stats.ByType[c.Type]++
		if c.Resolved {
			stats.ResolvedConflicts++
		}
	}
	stats.ActiveConflicts = stats.TotalConflicts - stats.ResolvedConflicts
	for _, r := range a.resolutions {
		stats.ByStrategy[r.Strategy]++
	}
	stats.ActiveLocks = len(a.locks)
	for _, ws := range a.waiters {
		stats.PendingClaims += len(ws)
	}
	return stats
}

func (a *Arbitrator) recordConflictLocked(c Conflict) Conflict {
	c.ID = uuid.NewString()
	c.DetectedAt = time.Now()
	a.conflicts[c.ID] = &c
	return c
}

func (a *Arbitrator) autoResolve(conflict Conflict, strategy ResolutionStrategy) {
	if _, err := a.Resolve(conflict.ID, strategy, "", "system"); err != nil {
		a.log.Warn("coordination: auto-resolve failed", "conflict_id", conflict.ID, "error", err)
	}
}

// wouldDeadlockLocked reports whether agentID waiting on a resource held by holder would
// complete a cycle: holder (or whoever holder itself is transitively waiting on) is
// already blocked waiting on some resource that agentID currently holds.
func (a *Arbitrator) wouldDeadlockLocked(agentID, holder string) bool {
	visited := make(map[string]bool)
	current := holder
	for {
		if visited[current] {
			return false
		}
		visited[current] = true

		waitedResource, ok := a.waitingFor[current]
		if !ok {
			return false
		}
		nextHolder, ok := a.locks[waitedResource]
		if !ok {
			return false
		}
		if nextHolder == agentID {
			return true
		}
		current = nextHolder
	}
}

func (a *Arbitrator) removeWaiterLocked(resourceID, agentID string) {
	ws := a.waiters[resourceID]
	for i, w := range ws {
		if w.agentID == agentID {
			a.waiters[resourceID] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// popNextWaiterLocked selects and removes the winning waiter for resourceID: if any
// waiter has a configured priority, the highest-priority waiter wins (ties broken by
// FIFO arrival order); otherwise the resource's round-robin index picks the winner.
func (a *Arbitrator) popNextWaiterLocked(resourceID string) (waitEntry, bool) {
	ws := a.waiters[resourceID]
	if len(ws) == 0 {
		return waitEntry{}, false
	}

	havePriority := false
	for _, w := range ws {
		if _, ok := a.agentPriority[w.agentID]; ok {
			havePriority = true
			break
		}
	}

	idx := 0
	if havePriority {
		best := a.priorityOf(ws[0].agentID)
		for i, w := range ws {
			if p := a.priorityOf(w.agentID); p > best {
				best = p
				idx = i
			}
		}
	} else {
		count := a.roundRobinIdx[resourceID]
		idx = count % len(ws)
		a.roundRobinIdx[resourceID] = count + 1
	}

	winner := ws[idx]
	a.waiters[resourceID] = append(ws[:idx], ws[idx+1:]...)
	return winner, true
}

func (a *Arbitrator) priorityOf(agentID string) int {
	if p, ok := a.agentPriority[agentID]; ok {
		return p
	}
	return defaultAgentPriority
}

func (a *Arbitrator) selectStrategyLocked(c Conflict) ResolutionStrategy {
	if c.Severity >= 8 {
		return StrategyEscalate
	}
	if c.Type == ConflictResourceContention {
		return StrategyPriorityBased
	}
	if c.Type == ConflictDeadlock {
		return StrategyAbort
	}
	return StrategyPriorityBased
}

func (a *Arbitrator) resolveByPriority(c Conflict) Resolution {
	a.mu.Lock()
	winner := ""
	best := -1
	for _, id := range c.AgentIDs {
		p := a.priorityOf(id)
		if p > best {
			best = p
			winner = id
		}
	}
	a.mu.Unlock()
	return Resolution{
		ID: uuid.NewString(), ConflictID: c.ID, Strategy: StrategyPriorityBased,
		Decision:      fmt.Sprintf("agent %s wins by priority", winner),
		Reasoning:     "highest configured priority among involved agents",
		WinnerAgentID: winner, ResolvedAt: time.Now(),
	}
}

func (a *Arbitrator) resolveFirstCome(c Conflict) Resolution {
	winner := ""
	if len(c.AgentIDs) > 0 {
		winner = c.AgentIDs[0]
	}
	return Resolution{
		ID: uuid.NewString(), ConflictID: c.ID, Strategy: StrategyFirstCome,
		Decision: fmt.Sprintf("agent %s wins by first-come", winner),
		Reasoning: "first request takes precedence", WinnerAgentID: winner, ResolvedAt: time.Now(),
	}
}

func (a *Arbitrator) resolveRoundRobin(c Conflict) Resolution {
	resourceID := c.ResourceID
	if resourceID == "" {
		resourceID = "default"
	}
	a.mu.Lock()
	index := a.roundRobinIdx[resourceID]
	var winner string
	if len(c.AgentIDs) > 0 {
		winner = c.AgentIDs[index%len(c.AgentIDs)]
		a.roundRobinIdx[resourceID] = index + 1
	}
	a.mu.Unlock()
	return Resolution{
		ID: uuid.NewString(), ConflictID: c.ID, Strategy: StrategyRoundRobin,
		Decision:      fmt.Sprintf("agent %s wins by round-robin", winner),
		Reasoning:     fmt.Sprintf("round-robin index %d", index),
		WinnerAgentID: winner, ResolvedAt: time.Now(),
	}
}

func (a *Arbitrator) resolveAbort(c Conflict) Resolution {
	return Resolution{
		ID: uuid.NewString(), ConflictID: c.ID, Strategy: StrategyAbort,
		Decision: "all conflicting operations aborted", Reasoning: "conflict cannot be resolved, operations cancelled",
		TasksCancelled: append([]string(nil), c.TaskIDs...), ResolvedAt: time.Now(),
	}
}

func (a *Arbitrator) resolveDefer(c Conflict) Resolution {
	return Resolution{
		ID: uuid.NewString(), ConflictID: c.ID, Strategy: StrategyDefer,
		Decision: "resolution deferred", Reasoning: "conflict resolution delayed for later review",
		TasksDelayed: append([]string(nil), c.TaskIDs...), ResolvedAt: time.Now(),
	}
}

func (a *Arbitrator) fireConflict(c Conflict) {
	a.callbackMu.RLock()
	callbacks := append([]ConflictCallback(nil), a.onConflict...)
	a.callbackMu.RUnlock()
	for _, cb := range callbacks {
		a.safeCall(func() { cb(c) })
	}
}

func (a *Arbitrator) fireResolution(c Conflict, r Resolution) {
	a.callbackMu.RLock()
	callbacks := append([]ResolutionCallback(nil), a.onResolution...)
	a.callbackMu.RUnlock()
	for _, cb := range callbacks {
		a.safeCall(func() { cb(c, r) })
	}
}

func (a *Arbitrator) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("coordination: callback panicked, ignoring", "recover", r)
		}
	}()
	fn()
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
