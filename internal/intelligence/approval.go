package intelligence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/store"
)

const approvalExpiry = 7 * 24 * time.Hour

// ApprovalBucket is the bbolt bucket name the caller opens for the *store.BoltStore passed
// into NewApprovalStore.
const ApprovalBucket = "intelligence_approvals"

// ApprovalStore persists ApprovalWorkflow records and runs a background expiry sweep,
// grounded on itsneelabh-gomind/orchestration/hitl_checkpoint_store.go's expiry-processor
// loop, simplified from Redis SETNX distributed claiming (single node here) to a plain
// ticker over a bbolt-backed store, and from streaming/non-streaming request modes down to
// the spec's single pending -> approved/rejected/expired transition.
type ApprovalStore struct {
	db *store.BoltStore

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewApprovalStore(db *store.BoltStore) *ApprovalStore {
	return &ApprovalStore{db: db, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Create persists a new pending ApprovalWorkflow for a FieldRepair tiered hitl_queued.
func (a *ApprovalStore) Create(ctx context.Context, tenantID, assignedTo string, connector, table, field string, proposal MappingProposal) (*ApprovalWorkflow, error) {
	now := time.Now()
	wf := &ApprovalWorkflow{
		ID: uuid.NewString(), TenantID: tenantID, Connector: connector,
		SourceTable: table, SourceField: field, Proposal: proposal,
		Status: ApprovalPending, AssignedTo: assignedTo,
		CreatedAt: now, ExpiresAt: now.Add(approvalExpiry),
	}
	if err := a.db.Put(wf.ID, wf); err != nil {
		return nil, fmt.Errorf("persist approval workflow: %w", err)
	}
	return wf, nil
}

// Approve materializes a pending workflow as approved. Callers apply the mapping themselves;
// this just records the decision.
func (a *ApprovalStore) Approve(ctx context.Context, id string) (*ApprovalWorkflow, error) {
	return a.resolve(id, ApprovalApproved, "")
}

// Reject records a pending workflow as rejected with a reason.
func (a *ApprovalStore) Reject(ctx context.Context, id, reason string) (*ApprovalWorkflow, error) {
	return a.resolve(id, ApprovalRejected, reason)
}

func (a *ApprovalStore) resolve(id string, status ApprovalStatus, reason string) (*ApprovalWorkflow, error) {
	var wf ApprovalWorkflow
	ok, err := a.db.Get(id, &wf)
	if err != nil {
		return nil, fmt.Errorf("load approval workflow %s: %w", id, err)
	}
	if !ok {
		return nil, errs.New(errs.KindNotFound, "intelligence.resolve_approval", "workflow not found")
	}
	if wf.Status != ApprovalPending {
		return nil, errs.New(errs.KindInvariant, "intelligence.resolve_approval", "workflow is not pending")
	}
	now := time.Now()
	wf.Status = status
	wf.Reason = reason
	wf.ResolvedAt = &now
	if err := a.db.Put(id, &wf); err != nil {
		return nil, fmt.Errorf("persist resolved workflow: %w", err)
	}
	return &wf, nil
}

// Get returns the workflow by id.
func (a *ApprovalStore) Get(id string) (*ApprovalWorkflow, error) {
	var wf ApprovalWorkflow
	ok, err := a.db.Get(id, &wf)
	if err != nil {
		return nil, fmt.Errorf("load approval workflow %s: %w", id, err)
	}
	if !ok {
		return nil, errs.New(errs.KindNotFound, "intelligence.get_approval", "workflow not found")
	}
	return &wf, nil
}

// ListPending returns every workflow still awaiting a decision for tenantID.
func (a *ApprovalStore) ListPending(tenantID string) ([]*ApprovalWorkflow, error) {
	var pending []*ApprovalWorkflow
	err := store.ForEach(a.db, func(_ string, wf ApprovalWorkflow) error {
		if wf.TenantID == tenantID && wf.Status == ApprovalPending {
			w := wf
			pending = append(pending, &w)
		}
		return nil
	})
	return pending, err
}

// StartExpirySweep runs a background loop that marks overdue pending workflows expired.
func (a *ApprovalStore) StartExpirySweep(ctx context.Context, interval time.Duration) {
	go func() {
		defer close(a.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.sweepExpired()
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a *ApprovalStore) sweepExpired() {
	now := time.Now()
	var expired []string
	store.ForEach(a.db, func(id string, wf ApprovalWorkflow) error {
		if wf.Status == ApprovalPending && wf.ExpiresAt.Before(now) {
			expired = append(expired, id)
		}
		return nil
	})
	for _, id := range expired {
		var wf ApprovalWorkflow
		ok, err := a.db.Get(id, &wf)
		if err != nil || !ok {
			continue
		}
		wf.Status = ApprovalExpired
		resolvedAt := now
		wf.ResolvedAt = &resolvedAt
		a.db.Put(id, &wf)
	}
}

// Stop halts the expiry sweep loop and waits for it to exit.
func (a *ApprovalStore) Stop() {
	close(a.stopCh)
	<-a.doneCh
}
