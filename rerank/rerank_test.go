package rerank

import (
	"context"
	"testing"

	"github.com/wayfarer-labs/advisor/kb"
)

type fakeScorer struct {
	scores []float64
}

func (f *fakeScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	return f.scores, nil
}

func nodesOf(ids ...string) []kb.ScoredNode {
	nodes := make([]kb.ScoredNode, len(ids))
	for i, id := range ids {
		nodes[i] = kb.ScoredNode{
			Node:         kb.Node{ID: id, Text: "text-" + id},
			InitialScore: float64(len(ids) - i),
			SourceTags:   []kb.SourceTag{kb.SourceVector},
		}
	}
	return nodes
}

func TestStageRerankThresholdAndTruncate(t *testing.T) {
	stage := New(&fakeScorer{scores: []float64{0.1, 0.9, 0.5}})
	stage.Threshold = 0.3
	stage.TopN = 2

	out, err := stage.Rerank(context.Background(), "q", nodesOf("a", "b", "c"))
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results after threshold+topN, got %d", len(out))
	}
	if out[0].Node.ID != "b" || out[1].Node.ID != "c" {
		t.Fatalf("unexpected order: %+v", out)
	}
	if !out[0].HasRerank || out[0].RerankScore != 0.9 {
		t.Fatalf("expected rerank metadata set: %+v", out[0])
	}
}

func TestStagePreservesMetadata(t *testing.T) {
	stage := New(&fakeScorer{scores: []float64{0.8}})
	nodes := nodesOf("a")
	nodes[0].VectorScore = 0.77
	nodes[0].MatchedKeywords = []string{"visa"}

	out, err := stage.Rerank(context.Background(), "q", nodes)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out))
	}
	if out[0].VectorScore != 0.77 || out[0].MatchedKeywords[0] != "visa" {
		t.Fatalf("metadata lost: %+v", out[0])
	}
	if out[0].InitialScore != nodes[0].InitialScore {
		t.Fatalf("initial score must not be overwritten: %+v", out[0])
	}
}

func TestStageEmptyInput(t *testing.T) {
	stage := New(&fakeScorer{})
	out, err := stage.Rerank(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %+v", out)
	}
}
