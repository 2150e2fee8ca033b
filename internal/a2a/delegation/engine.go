package delegation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/a2a/discovery"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/pii"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/store"
)

const bucketDelegations = "delegation_requests"

const defaultDelegationTimeout = 10 * time.Minute

// DelegateInput is what a delegator supplies to start a hand-off. DelegateeID is optional;
// when empty the engine resolves the best candidate via the discovery registry's
// FindDelegatees, ordered by trust.
type DelegateInput struct {
	TenantID         string
	DelegatorID      string
	DelegateeID      string
	CapabilityID     string
	OriginalInput    string
	DelegationReason string
	OriginalContext  map[string]any
	SharedState      map[string]any
	TenantOverride   map[string]string // per-tenant PII policy override, passed to pii.Gate
	Timeout          time.Duration
}

// Engine is the Delegation Engine named in spec §4.9.
type Engine struct {
	db        *store.BoltStore
	registry  *discovery.Registry
	gate      *pii.Gate
	log       *slog.Logger

	mu        sync.Mutex
	byID      map[string]*Request
	byDelegator map[string][]string
	byDelegatee map[string][]string
	handlers  map[string]Handler // keyed by delegatee agent id

	callbacksMu sync.RWMutex
	callbacks   []Callback
}

func New(db *store.BoltStore, registry *discovery.Registry, gate *pii.Gate, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		db:          db,
		registry:    registry,
		gate:        gate,
		log:         log,
		byID:        make(map[string]*Request),
		byDelegator: make(map[string][]string),
		byDelegatee: make(map[string][]string),
		handlers:    make(map[string]Handler),
	}
	store.ForEach(db, func(_ string, req Request) error {
		e.indexLocked(&req)
		return nil
	})
	return e
}

// RegisterHandler wires a delegatee agent's execution handler, invoked in the background
// once a request addressed to it is accepted.
func (e *Engine) RegisterHandler(delegateeID string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[delegateeID] = handler
}

// OnEvent registers a lifecycle callback.
func (e *Engine) OnEvent(cb Callback) {
	e.callbacksMu.Lock()
	defer e.callbacksMu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// Delegate resolves the delegatee, runs the Shift-Left PII gate over the shared context,
// persists the request, and — if the delegatee has a registered handler and is already
// accepting on registration (rare; normally acceptance is explicit) — does nothing further
// until Accept is called.
func (e *Engine) Delegate(ctx context.Context, in DelegateInput) (*Request, error) {
	delegateeID := in.DelegateeID
	if delegateeID == "" {
		candidates := e.registry.FindDelegatees(in.CapabilityID, in.DelegatorID, in.TenantID)
		if len(candidates) == 0 {
			return nil, errs.New(errs.KindNotFound, "delegation.delegate", "no eligible delegatee for capability "+in.CapabilityID)
		}
		delegateeID = candidates[0].AgentID
	}

	chain := []string{in.DelegatorID}

	safe, err := e.gate.Scan(ctx, in.TenantID, "", pii.ScanInput{
		OriginalInput:    in.OriginalInput,
		DelegationReason: in.DelegationReason,
		OriginalContext:  in.OriginalContext,
		SharedState:      in.SharedState,
	}, in.TenantOverride)
	if err != nil {
		return nil, err // *pii.BlockedError on BLOCK policy
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = defaultDelegationTimeout
	}
	timeoutAt := time.Now().Add(timeout)

	req := &Request{
		ID:              uuid.NewString(),
		TenantID:        in.TenantID,
		DelegatorID:     in.DelegatorID,
		DelegateeID:     delegateeID,
		CapabilityID:    in.CapabilityID,
		Status:          StatusPending,
		Context:         *safe,
		DelegationChain: chain,
		CreatedAt:       time.Now(),
		TimeoutAt:       &timeoutAt,
	}

	if err := e.persist(req); err != nil {
		return nil, err
	}
	e.fire(EventCreated, *req)
	return req, nil
}

// Accept may only be invoked by the named delegatee, and not on a terminal or expired
// request. Expiry transitions the request to StatusTimeout instead of accepting it.
func (e *Engine) Accept(ctx context.Context, requestID, delegateeID string) (*Request, error) {
	req, err := e.mustGet(requestID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if req.Status.terminal() {
		e.mu.Unlock()
		return nil, errs.New(errs.KindInvariant, "delegation.accept", "request "+requestID+" already in terminal status "+string(req.Status))
	}
	if req.DelegateeID != delegateeID {
		e.mu.Unlock()
		return nil, errs.New(errs.KindInvariant, "delegation.accept", "only the assigned delegatee can accept")
	}
	if req.TimeoutAt != nil && time.Now().After(*req.TimeoutAt) {
		req.Status = StatusTimeout
		e.mu.Unlock()
		e.persist(req)
		return req, errs.New(errs.KindInvariant, "delegation.accept", "request "+requestID+" expired")
	}

	now := time.Now()
	req.Status = StatusAccepted
	req.AcceptedAt = &now
	handler, hasHandler := e.handlers[delegateeID]
	e.mu.Unlock()

	if err := e.persist(req); err != nil {
		return nil, err
	}
	e.fire(EventAccepted, *req)

	if hasHandler {
		go e.runInBackground(ctx, req.ID, handler)
	}
	return req, nil
}

// Reject is terminal; reason is recorded.
func (e *Engine) Reject(requestID, reason string) (*Request, error) {
	req, err := e.mustGet(requestID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if req.Status.terminal() {
		e.mu.Unlock()
		return nil, errs.New(errs.KindInvariant, "delegation.reject", "request "+requestID+" already in terminal status "+string(req.Status))
	}
	req.Status = StatusRejected
	req.RejectReason = reason
	e.mu.Unlock()

	if err := e.persist(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Complete sets the terminal status from resp and stores result/error/cost/steps.
func (e *Engine) Complete(requestID string, resp Response) (*Request, error) {
	req, err := e.mustGet(requestID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	now := time.Now()
	req.Status = resp.Status
	req.Result = resp.Result
	req.Error = resp.Error
	req.CostEstimate = resp.Cost
	req.StepsTaken = resp.Steps
	req.CompletedAt = &now
	req.Duration = now.Sub(req.CreatedAt)
	e.mu.Unlock()

	if err := e.persist(req); err != nil {
		return nil, err
	}
	if resp.Status == StatusFailed {
		e.fire(EventFailed, *req)
	} else {
		e.fire(EventCompleted, *req)
	}
	return req, nil
}

// Cancel is forbidden from terminal statuses.
func (e *Engine) Cancel(requestID, reason string) (*Request, error) {
	req, err := e.mustGet(requestID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if req.Status.terminal() {
		e.mu.Unlock()
		return nil, errs.New(errs.KindInvariant, "delegation.cancel", "request "+requestID+" already in terminal status "+string(req.Status))
	}
	req.Status = StatusCancelled
	req.CancelReason = reason
	e.mu.Unlock()

	if err := e.persist(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns a copy of a persisted request.
func (e *Engine) Get(requestID string) (*Request, error) {
	return e.mustGet(requestID)
}

// ByDelegator returns every request a delegator agent created.
func (e *Engine) ByDelegator(delegatorID string) []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collectLocked(e.byDelegator[delegatorID])
}

// ByDelegatee returns every request addressed to a delegatee agent.
func (e *Engine) ByDelegatee(delegateeID string) []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collectLocked(e.byDelegatee[delegateeID])
}

func (e *Engine) collectLocked(ids []string) []Request {
	out := make([]Request, 0, len(ids))
	for _, id := range ids {
		if req, ok := e.byID[id]; ok {
			out = append(out, *req)
		}
	}
	return out
}

func (e *Engine) runInBackground(ctx context.Context, requestID string, handler Handler) {
	req, err := e.mustGet(requestID)
	if err != nil {
		return
	}
	e.mu.Lock()
	req.Status = StatusInProgress
	e.mu.Unlock()
	e.persist(req)

	resp, err := handler(*req)
	if err != nil {
		e.Complete(requestID, Response{Status: StatusFailed, Error: err.Error()})
		return
	}
	e.Complete(requestID, resp)
}

func (e *Engine) mustGet(requestID string) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.byID[requestID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "delegation.get", "delegation request not found: "+requestID)
	}
	copied := *req
	return &copied, nil
}

func (e *Engine) persist(req *Request) error {
	e.mu.Lock()
	if _, known := e.byID[req.ID]; !known {
		e.byDelegator[req.DelegatorID] = append(e.byDelegator[req.DelegatorID], req.ID)
		e.byDelegatee[req.DelegateeID] = append(e.byDelegatee[req.DelegateeID], req.ID)
	}
	e.byID[req.ID] = req
	e.mu.Unlock()
	if err := e.db.Put(req.ID, req); err != nil {
		return errs.Wrap(errs.KindTransient, "delegation.persist", "persist delegation request", err)
	}
	return nil
}

func (e *Engine) indexLocked(req *Request) {
	copied := *req
	e.byID[req.ID] = &copied
	e.byDelegator[req.DelegatorID] = append(e.byDelegator[req.DelegatorID], req.ID)
	e.byDelegatee[req.DelegateeID] = append(e.byDelegatee[req.DelegateeID], req.ID)
}

func (e *Engine) fire(event EventType, req Request) {
	e.callbacksMu.RLock()
	callbacks := append([]Callback(nil), e.callbacks...)
	e.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Warn("delegation: callback panicked, ignoring", "event", event, "recover", r)
				}
			}()
			cb(event, req)
		}()
	}
}
