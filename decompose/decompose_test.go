package decompose

import (
	"context"
	"strings"
	"testing"

	"github.com/wayfarer-labs/advisor/kb"
	"github.com/wayfarer-labs/advisor/llmclient"
)

type scriptedStream struct {
	text string
	sent bool
}

func (s *scriptedStream) Next() bool {
	if s.sent {
		return false
	}
	s.sent = true
	return true
}
func (s *scriptedStream) Current() (llmclient.Token, error) {
	return llmclient.Token{Kind: llmclient.Content, Text: s.text}, nil
}
func (s *scriptedStream) Close() error { return nil }

type scriptedClient struct {
	byPrefix map[string]string // matched against req.Messages[0].Content prefix
	calls    int
}

func (c *scriptedClient) StreamChat(ctx context.Context, req llmclient.ChatRequest) (llmclient.TokenStream, error) {
	c.calls++
	system := req.Messages[0].Content
	for prefix, reply := range c.byPrefix {
		if strings.Contains(system, prefix) {
			return &scriptedStream{text: reply}, nil
		}
	}
	return &scriptedStream{text: ""}, nil
}

type staticRetriever struct {
	byQuery map[string][]kb.ScoredNode
}

func (r *staticRetriever) Retrieve(ctx context.Context, query string, opts ...kb.RetrieveOption) ([]kb.ScoredNode, error) {
	return r.byQuery[query], nil
}

func node(id string, score float64) kb.ScoredNode {
	return kb.ScoredNode{Node: kb.Node{ID: id, Text: "text for " + id}, Score: score, InitialScore: score}
}

func TestShouldNotDecomposeShortQuery(t *testing.T) {
	d := New(nil, nil)
	retriever := &staticRetriever{byQuery: map[string][]kb.ScoredNode{"short query": {node("a", 0.9)}}}

	nodes, meta, err := d.Retrieve(context.Background(), "short query", 15, nil, retriever)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if meta.Decomposed {
		t.Fatalf("expected standard retrieve for a short query")
	}
	if len(nodes) != 1 || nodes[0].Node.ID != "a" {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
}

func TestDecomposesLongComplexQuery(t *testing.T) {
	longQuery := "What are the visa-free entry requirements for airline crew members travelling between Japan, Germany, and Brazil for layovers under 48 hours"

	client := &scriptedClient{byPrefix: map[string]string{
		"decompose complex questions": `["visa rules for Japan crew layovers", "visa rules for Germany crew layovers", "visa rules for Brazil crew layovers"]`,
		"answer narrowly":             "Crew may transit visa-free for under 48 hours.",
	}}
	d := New(client, nil)

	retriever := &staticRetriever{byQuery: map[string][]kb.ScoredNode{
		"visa rules for Japan crew layovers":   {node("jp-1", 0.8)},
		"visa rules for Germany crew layovers": {node("de-1", 0.7)},
		"visa rules for Brazil crew layovers":  {node("br-1", 0.6)},
	}}

	nodes, meta, err := d.Retrieve(context.Background(), longQuery, 15, nil, retriever)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !meta.Decomposed {
		t.Fatalf("expected decomposition for a long multi-entity query")
	}
	if len(meta.SubQuestions) != 3 {
		t.Fatalf("expected 3 sub-questions, got %d: %+v", len(meta.SubQuestions), meta.SubQuestions)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 merged nodes, got %d", len(nodes))
	}
}

func TestEmptyResultGuardrailFallsBack(t *testing.T) {
	longQuery := "What are the visa-free entry requirements for airline crew members travelling between Japan, Germany, and Brazil for layovers under 48 hours"

	client := &scriptedClient{byPrefix: map[string]string{
		"decompose complex questions": `["sub one", "sub two", "sub three"]`,
	}}
	d := New(client, nil)
	d.MaxEmptyResults = 2

	retriever := &staticRetriever{byQuery: map[string][]kb.ScoredNode{
		longQuery: {node("fallback-1", 0.5)},
		"sub one": {node("x", 0.4)},
	}}

	nodes, meta, err := d.Retrieve(context.Background(), longQuery, 15, nil, retriever)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if meta.Decomposed {
		t.Fatalf("expected fallback to standard retrieve when too many sub-questions are empty")
	}
	if len(nodes) != 1 || nodes[0].Node.ID != "fallback-1" {
		t.Fatalf("unexpected fallback nodes: %+v", nodes)
	}
}

func TestMergeSubResultsDedupsAndThresholds(t *testing.T) {
	subResults := [][]kb.ScoredNode{
		{node("a", 0.9), node("b", 0.2)},
		{node("a", 0.5), node("c", 0.6)},
	}
	merged := mergeSubResults(subResults, 0.3, 10)
	if len(merged) != 2 {
		t.Fatalf("expected 2 nodes after threshold+dedup, got %d: %+v", len(merged), merged)
	}
	if merged[0].Node.ID != "a" || merged[0].Score != 0.9 {
		t.Fatalf("expected first-occurrence node a with score 0.9, got %+v", merged[0])
	}
}

func TestParseSubQuestionsTolerantOfFencing(t *testing.T) {
	reply := "```json\n[\"one\", \"two\"]\n```"
	got := parseSubQuestions(reply)
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected parse: %+v", got)
	}
}

func TestCountEntitiesHeuristic(t *testing.T) {
	if n := countEntities("a"); n != 0 {
		t.Fatalf("single short token should not count as an entity, got %d", n)
	}
	if n := countEntities("Japan Germany Brazil crew layover"); n < 2 {
		t.Fatalf("expected at least 2 entities, got %d", n)
	}
}
