package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-memory stand-in for Client, used by tests and by
// local development without a running Qdrant instance. Grounded on
// rag/store/memory.go's MemoryStore (same mutex-guarded map-of-documents
// shape), generalized from BM25-only retrieval to cosine similarity over
// dense vectors.
type MemoryStore struct {
	mu         sync.RWMutex
	collection map[string]map[string]Point
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collection: make(map[string]map[string]Point)}
}

// Upsert implements the same semantics as Client.Upsert.
func (m *MemoryStore) Upsert(ctx context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.collection[collection]
	if !ok {
		bucket = make(map[string]Point)
		m.collection[collection] = bucket
	}
	for _, p := range points {
		bucket[p.ID] = p
	}
	return nil
}

// Search performs brute-force cosine similarity search, filtered by an
// equality match over payload fields.
func (m *MemoryStore) Search(ctx context.Context, collection string, queryVector []float32, k int, filters map[string]string) ([]SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.collection[collection]
	hits := make([]SearchHit, 0, len(bucket))
	for _, p := range bucket {
		if !matchFilters(p.Payload, filters) {
			continue
		}
		hits = append(hits, SearchHit{ID: p.ID, Score: cosine(queryVector, p.Vector), Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes points by id.
func (m *MemoryStore) Delete(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.collection[collection]
	for _, id := range ids {
		delete(bucket, id)
	}
	return nil
}

func matchFilters(payload map[string]any, filters map[string]string) bool {
	for field, want := range filters {
		got, ok := payload[field]
		if !ok {
			return false
		}
		gotStr, ok := got.(string)
		if !ok || gotStr != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
