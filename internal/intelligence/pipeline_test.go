package intelligence

import (
	"context"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/resilience"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/store"
)

type fakeLLMClient struct {
	proposal MappingProposal
	err      error
}

func (f *fakeLLMClient) ProposeMapping(_ context.Context, _ DriftEvent) (MappingProposal, error) {
	return f.proposal, f.err
}

func newTestPipeline(t *testing.T, ragStore VectorStore, llmClient LLMClient) *Pipeline {
	t.Helper()
	rag, err := NewRAGLookup(ragStore)
	if err != nil {
		t.Fatalf("new rag lookup: %v", err)
	}
	stack := resilience.NewStack(nil, nil)
	llm := NewLLMProposer(llmClient, stack)

	dbPath := filepath.Join(t.TempDir(), "approvals.db")
	db, err := store.OpenBolt(dbPath, ApprovalBucket)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	boltStore, err := store.NewBoltStore(db, ApprovalBucket, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	approvals := NewApprovalStore(boltStore)

	return NewPipeline(rag, llm, approvals, "admin-1")
}

func TestPipelineUsesRAGWhenAboveThreshold(t *testing.T) {
	ragStore := &fakeVectorStore{
		embedding:  []float64{1, 0, 0},
		candidates: []RAGCandidate{{CanonicalField: "email", Embedding: []float64{1, 0, 0}}},
	}
	p := newTestPipeline(t, ragStore, &fakeLLMClient{err: errUnused})

	repair, err := p.Repair(context.Background(), DriftEvent{TenantID: "t1", Connector: "c", SourceTable: "tbl", SourceField: "f"},
		UsageStats{ValidationSuccessRate: 1, HumanApprovalRate: 1, UsageCount: 100})
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if repair.Proposal.Source != SourceRAG {
		t.Fatalf("expected rag source, got %s", repair.Proposal.Source)
	}
}

func TestPipelineQueuesHITLForMidConfidence(t *testing.T) {
	ragStore := &fakeVectorStore{
		embedding:  []float64{1, 0, 0},
		candidates: []RAGCandidate{{CanonicalField: "x", Embedding: []float64{0, 1, 0}}},
	}
	p := newTestPipeline(t, ragStore, &fakeLLMClient{proposal: MappingProposal{CanonicalField: "custom_field", Source: SourceLLM}})

	repair, err := p.Repair(context.Background(), DriftEvent{TenantID: "t1", Connector: "c", SourceTable: "tbl", SourceField: "custom_field"},
		UsageStats{ValidationSuccessRate: 0.8, HumanApprovalRate: 0.7, UsageCount: 500})
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if repair.Confidence.Tier != TierHITLQueued {
		t.Fatalf("expected hitl_queued, got %s (score=%.2f)", repair.Confidence.Tier, repair.Confidence.Score)
	}

	pending, err := p.approvals.ListPending("t1")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one approval workflow queued, got %d", len(pending))
	}
}

func TestRepairBatchAggregatesTierCounts(t *testing.T) {
	ragStore := &fakeVectorStore{
		embedding:  []float64{1, 0, 0},
		candidates: []RAGCandidate{{CanonicalField: "email", Embedding: []float64{1, 0, 0}}},
	}
	p := newTestPipeline(t, ragStore, &fakeLLMClient{proposal: MappingProposal{CanonicalField: "x", Source: SourceLLM}})

	events := []DriftEvent{
		{TenantID: "t1", Connector: "c", SourceTable: "tbl", SourceField: "f1"},
		{TenantID: "t1", Connector: "c", SourceTable: "tbl", SourceField: "f2"},
	}
	stats := map[string]UsageStats{
		"f1": {ValidationSuccessRate: 1, HumanApprovalRate: 1, UsageCount: 1000},
		"f2": {ValidationSuccessRate: 1, HumanApprovalRate: 1, UsageCount: 1000},
	}

	agg, err := p.RepairBatch(context.Background(), "t1", events, stats)
	if err != nil {
		t.Fatalf("repair batch: %v", err)
	}
	if len(agg.FieldRepairs) != 2 {
		t.Fatalf("expected 2 field repairs, got %d", len(agg.FieldRepairs))
	}
	if agg.OverallAction != TierAutoApply {
		t.Fatalf("expected overall auto_apply, got %s", agg.OverallAction)
	}
}

var errUnused = errTest("llm should not be called when rag short-circuits")

type errTest string

func (e errTest) Error() string { return string(e) }
