package intelligence

import (
	"context"
	"fmt"
	"math"

	"github.com/dgraph-io/ristretto"
)

// RAGCandidate is one vector-store hit for a (connector, table, field) lookup.
type RAGCandidate struct {
	CanonicalField string
	Embedding      []float64
	Similarity     float64 // populated by Lookup, not stored
}

// VectorStore is the subset of a vector database the RAG stage needs, filtered per tenant.
type VectorStore interface {
	Query(ctx context.Context, tenantID string, embedding []float64, topK int) ([]RAGCandidate, error)
	Embed(ctx context.Context, connector, table, field string) ([]float64, error)
}

// ragShortCircuitThreshold is the cosine similarity above which a RAG hit is trusted without
// invoking the LLM stage.
const ragShortCircuitThreshold = 0.90

// RAGLookup wraps a VectorStore with a hot-path cache, grounded on the teacher blockchain
// service's dgraph-io/ristretto dependency (pulled in transitively via badger there; used
// directly here as the cache for repeated connector/table/field lookups).
type RAGLookup struct {
	store VectorStore
	cache *ristretto.Cache
}

func NewRAGLookup(store VectorStore) (*RAGLookup, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create rag cache: %w", err)
	}
	return &RAGLookup{store: store, cache: cache}, nil
}

// Lookup returns the best candidate for the field and whether it clears the short-circuit
// threshold. A cache hit skips the embedding call and the vector store query entirely.
func (r *RAGLookup) Lookup(ctx context.Context, event DriftEvent) (RAGCandidate, bool, error) {
	key := cacheKey(event)
	if cached, ok := r.cache.Get(key); ok {
		c := cached.(RAGCandidate)
		return c, c.Similarity >= ragShortCircuitThreshold, nil
	}

	embedding, err := r.store.Embed(ctx, event.Connector, event.SourceTable, event.SourceField)
	if err != nil {
		return RAGCandidate{}, false, fmt.Errorf("embed field: %w", err)
	}
	candidates, err := r.store.Query(ctx, event.TenantID, embedding, 5)
	if err != nil {
		return RAGCandidate{}, false, fmt.Errorf("query vector store: %w", err)
	}
	if len(candidates) == 0 {
		return RAGCandidate{}, false, nil
	}

	best := candidates[0]
	best.Similarity = cosineSimilarity(embedding, best.Embedding)
	for _, c := range candidates[1:] {
		sim := cosineSimilarity(embedding, c.Embedding)
		if sim > best.Similarity {
			best, best.Similarity = c, sim
		}
	}
	best.Similarity = cosineSimilarity(embedding, best.Embedding)

	r.cache.SetWithTTL(key, best, 1, 0)
	r.cache.Wait() // ristretto applies Set asynchronously; block so the next Lookup sees it
	return best, best.Similarity >= ragShortCircuitThreshold, nil
}

func cacheKey(event DriftEvent) string {
	return event.TenantID + "|" + event.Connector + "|" + event.SourceTable + "|" + event.SourceField
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
