package conversation

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu     sync.Mutex
	points map[string]map[string]Point // collection -> id -> point
}

func newMemStore() *memStore {
	return &memStore{points: make(map[string]map[string]Point)}
}

func (m *memStore) Upsert(ctx context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.points[collection] == nil {
		m.points[collection] = make(map[string]Point)
	}
	for _, p := range points {
		m.points[collection][p.ID] = p
	}
	return nil
}

func (m *memStore) Search(ctx context.Context, collection string, queryVector []float32, k int, filters map[string]string) ([]SearchHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []SearchHit
	for _, p := range m.points[collection] {
		if !matchFilters(p.Payload, filters) {
			continue
		}
		hits = append(hits, SearchHit{ID: p.ID, Score: 1.0, Payload: p.Payload})
		if len(hits) >= k {
			break
		}
	}
	return hits, nil
}

func (m *memStore) Scroll(ctx context.Context, collection string, filters map[string]string, pageSize uint32, fn func([]SearchHit) error) error {
	m.mu.Lock()
	var hits []SearchHit
	for _, p := range m.points[collection] {
		if !matchFilters(p.Payload, filters) {
			continue
		}
		hits = append(hits, SearchHit{ID: p.ID, Score: 1.0, Payload: p.Payload})
	}
	m.mu.Unlock()
	return fn(hits)
}

func (m *memStore) Delete(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points[collection], id)
	}
	return nil
}

func matchFilters(payload map[string]any, filters map[string]string) bool {
	for k, v := range filters {
		if s, ok := payload[k].(string); !ok || s != v {
			return false
		}
	}
	return true
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func TestAddTurnAndRecentChronological(t *testing.T) {
	store := newMemStore()
	m := New(store, fakeEmbedder{}, nil)

	id1 := m.AddTurn(context.Background(), "s1", "first question", "first answer", nil, "")
	time.Sleep(2 * time.Millisecond)
	id2 := m.AddTurn(context.Background(), "s1", "second question", "second answer", nil, "")

	recent := m.Recent(context.Background(), "s1", 10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(recent))
	}
	if recent[0].TurnID != id1 || recent[1].TurnID != id2 {
		t.Fatalf("expected chronological order, got %+v", recent)
	}
	if recent[1].ParentTurnID != id1 {
		t.Fatalf("expected linear parent chain, got parent=%q want=%q", recent[1].ParentTurnID, id1)
	}
}

func TestRecentCacheServesWithoutRescroll(t *testing.T) {
	store := newMemStore()
	m := New(store, fakeEmbedder{}, nil)
	m.AddTurn(context.Background(), "s1", "q1", "a1", nil, "")

	first := m.Recent(context.Background(), "s1", 10)
	// mutate the store directly, bypassing AddTurn's cache invalidation
	store.mu.Lock()
	delete(store.points[collection], first[0].TurnID)
	store.mu.Unlock()

	second := m.Recent(context.Background(), "s1", 10)
	if len(second) != 1 {
		t.Fatalf("expected cached result to still show 1 turn, got %d", len(second))
	}
}

func TestBuildMessagesFixedOrder(t *testing.T) {
	store := newMemStore()
	m := New(store, fakeEmbedder{}, nil)
	m.AddTurn(context.Background(), "s1", "past question", "past answer", nil, "")

	messages := m.BuildMessages(context.Background(), "s1", "system prompt", "regulation text", "synth answer", "current question", 3, 5)

	if messages[0].Role != "system" || messages[0].Content != "system prompt" {
		t.Fatalf("expected system prompt first, got %+v", messages[0])
	}
	last := messages[len(messages)-1]
	if last.Role != "user" || last.Content != "current question" {
		t.Fatalf("expected current user message last, got %+v", last)
	}

	var sawRegulations, sawSynth bool
	for _, msg := range messages {
		if msg.Content == "regulations\nregulation text" {
			sawRegulations = true
		}
		if msg.Content == "synthesized sub-answers\nsynth answer" {
			sawSynth = true
		}
	}
	if !sawRegulations || !sawSynth {
		t.Fatalf("expected regulations and synthesized sections, got %+v", messages)
	}
}

func TestGCDeletesExpiredAndInvalidatesCache(t *testing.T) {
	store := newMemStore()
	m := New(store, fakeEmbedder{}, nil)
	id := m.AddTurn(context.Background(), "s1", "old question", "old answer", nil, "")

	store.mu.Lock()
	p := store.points[collection][id]
	p.Payload["timestamp"] = time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC3339)
	store.points[collection][id] = p
	store.mu.Unlock()

	deleted, err := m.GC(context.Background(), 7)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted turn, got %d", deleted)
	}

	remaining := m.Recent(context.Background(), "s1", 10)
	if len(remaining) != 0 {
		t.Fatalf("expected no remaining turns after gc, got %+v", remaining)
	}
}
