package intelligence

import (
	"context"
	"testing"
)

type fakeVectorStore struct {
	embedding  []float64
	candidates []RAGCandidate
	queries    int
}

func (f *fakeVectorStore) Embed(_ context.Context, _, _, _ string) ([]float64, error) {
	return f.embedding, nil
}

func (f *fakeVectorStore) Query(_ context.Context, _ string, _ []float64, _ int) ([]RAGCandidate, error) {
	f.queries++
	return f.candidates, nil
}

func TestRAGLookupShortCircuitsAboveThreshold(t *testing.T) {
	store := &fakeVectorStore{
		embedding:  []float64{1, 0, 0},
		candidates: []RAGCandidate{{CanonicalField: "email", Embedding: []float64{1, 0, 0}}},
	}
	rag, err := NewRAGLookup(store)
	if err != nil {
		t.Fatalf("new rag lookup: %v", err)
	}

	candidate, hit, err := rag.Lookup(context.Background(), DriftEvent{TenantID: "t1", Connector: "c", SourceTable: "tbl", SourceField: "f"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !hit {
		t.Fatalf("expected identical vectors to short-circuit, similarity=%.2f", candidate.Similarity)
	}
	if candidate.CanonicalField != "email" {
		t.Fatalf("expected email, got %s", candidate.CanonicalField)
	}
}

func TestRAGLookupCachesRepeatedQueries(t *testing.T) {
	store := &fakeVectorStore{
		embedding:  []float64{1, 0, 0},
		candidates: []RAGCandidate{{CanonicalField: "email", Embedding: []float64{1, 0, 0}}},
	}
	rag, err := NewRAGLookup(store)
	if err != nil {
		t.Fatalf("new rag lookup: %v", err)
	}
	event := DriftEvent{TenantID: "t1", Connector: "c", SourceTable: "tbl", SourceField: "f"}

	if _, _, err := rag.Lookup(context.Background(), event); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if _, _, err := rag.Lookup(context.Background(), event); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if store.queries != 1 {
		t.Fatalf("expected cache to prevent second query, got %d queries", store.queries)
	}
}

func TestRAGLookupBelowThresholdDoesNotShortCircuit(t *testing.T) {
	store := &fakeVectorStore{
		embedding:  []float64{1, 0, 0},
		candidates: []RAGCandidate{{CanonicalField: "email", Embedding: []float64{0, 1, 0}}},
	}
	rag, err := NewRAGLookup(store)
	if err != nil {
		t.Fatalf("new rag lookup: %v", err)
	}

	_, hit, err := rag.Lookup(context.Background(), DriftEvent{TenantID: "t1", Connector: "c", SourceTable: "tbl", SourceField: "f"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if hit {
		t.Fatal("expected orthogonal vectors not to short-circuit")
	}
}
