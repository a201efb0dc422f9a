package kb

import (
	"context"
	"testing"
)

type staticRetriever struct {
	nodes []ScoredNode
}

func (s *staticRetriever) Retrieve(ctx context.Context, query string, opts ...RetrieveOption) ([]ScoredNode, error) {
	out := make([]ScoredNode, len(s.nodes))
	copy(out, s.nodes)
	return out, nil
}

func scored(id string, score float64) ScoredNode {
	return ScoredNode{Node: Node{ID: id, Text: id}, Score: score, InitialScore: score}
}

// TestVisaFreeStrategyIncludesSafetyNet covers R-style scenario 2 with
// sparse KBs: fewer than 15 candidates exist, so all 12 unique ones are
// returned, from both KBs, with no duplicates (P6/P7).
func TestVisaFreeStrategyIncludesSafetyNet(t *testing.T) {
	general := []ScoredNode{scored("g1", 0.9), scored("g2", 0.8), scored("g3", 0.7), scored("g4", 0.6), scored("g5", 0.5), scored("g6", 0.4)}
	visaFree := []ScoredNode{scored("v1", 0.95), scored("v2", 0.85), scored("v3", 0.75), scored("v4", 0.65), scored("v5", 0.55), scored("v6", 0.45)}

	m, err := NewMultiKBRetriever(map[string]Retriever{
		"general":   &staticRetriever{nodes: general},
		"visa_free": &staticRetriever{nodes: visaFree},
	})
	if err != nil {
		t.Fatalf("new multi-kb retriever: %v", err)
	}

	results, err := m.Retrieve(context.Background(), StrategyVisaFree, "去泰国旅游需要签证吗", 15)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 12 { // only 12 unique candidates exist across both KBs
		t.Fatalf("expected all 12 unique candidates returned, got %d", len(results))
	}

	seen := make(map[string]bool)
	hasGeneral, hasVisaFree := false, false
	for _, r := range results {
		if seen[r.Node.ID] {
			t.Fatalf("duplicate node id %s in merged results", r.Node.ID)
		}
		seen[r.Node.ID] = true
		if r.KBSource == "general" {
			hasGeneral = true
		}
		if r.KBSource == "visa_free" {
			hasVisaFree = true
		}
	}
	if !hasGeneral {
		t.Fatal("expected at least one node from the general KB (safety net)")
	}
	if !hasVisaFree {
		t.Fatal("expected at least one node from the visa_free KB")
	}
}

func TestGeneralStrategyUsesOnlyGeneralKB(t *testing.T) {
	general := []ScoredNode{scored("g1", 0.9), scored("g2", 0.8)}
	m, err := NewMultiKBRetriever(map[string]Retriever{"general": &staticRetriever{nodes: general}})
	if err != nil {
		t.Fatalf("new multi-kb retriever: %v", err)
	}
	results, err := m.Retrieve(context.Background(), StrategyGeneral, "如何办理护照", 15)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestNewMultiKBRetrieverRequiresGeneral(t *testing.T) {
	_, err := NewMultiKBRetriever(map[string]Retriever{"visa_free": &staticRetriever{}})
	if err == nil {
		t.Fatal("expected error when general KB is missing")
	}
}
