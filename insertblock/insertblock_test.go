package insertblock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wayfarer-labs/advisor/kb"
	"github.com/wayfarer-labs/advisor/llmclient"
)

type fakeStream struct {
	text  string
	err   error
	delay time.Duration
	sent  bool
}

func (s *fakeStream) Next() bool {
	if s.sent {
		return false
	}
	s.sent = true
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return true
}
func (s *fakeStream) Current() (llmclient.Token, error) {
	if s.err != nil {
		return llmclient.Token{}, s.err
	}
	return llmclient.Token{Kind: llmclient.Content, Text: s.text}, nil
}
func (s *fakeStream) Close() error { return nil }

type scriptedClient struct {
	replyFor func(passage string) (string, time.Duration, error)
}

func (c *scriptedClient) StreamChat(ctx context.Context, req llmclient.ChatRequest) (llmclient.TokenStream, error) {
	passage := req.Messages[1].Content
	reply, delay, err := c.replyFor(passage)
	if err != nil {
		return nil, err
	}
	return &fakeStream{text: reply, delay: delay}, nil
}

func scoredNode(id, text string) kb.ScoredNode {
	return kb.ScoredNode{Node: kb.Node{ID: id, Text: text}, InitialScore: 0.5}
}

func TestFilterKeepsOnlyCanAnswer(t *testing.T) {
	client := &scriptedClient{replyFor: func(passage string) (string, time.Duration, error) {
		if passage == "Candidate passage:\nyes-node\n" || containsSub(passage, "yes-node") {
			return `{"is_relevant": true, "can_answer": true, "key_passage": "it answers", "reasoning": "matches"}`, 0, nil
		}
		return `{"is_relevant": false, "can_answer": false, "key_passage": "", "reasoning": "no match"}`, 0, nil
	}}
	f := New(client, nil)

	nodes := []kb.ScoredNode{scoredNode("a", "yes-node content"), scoredNode("b", "no-node content")}
	out, err := f.Filter(context.Background(), "q", nodes)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out) != 1 || out[0].Node.Node.ID != "a" {
		t.Fatalf("expected only node a to survive, got %+v", out)
	}
}

func TestFilterUnparseableRepliesAreNotAnswerable(t *testing.T) {
	client := &scriptedClient{replyFor: func(passage string) (string, time.Duration, error) {
		return "not json at all", 0, nil
	}}
	f := New(client, nil)

	out, err := f.Filter(context.Background(), "q", []kb.ScoredNode{scoredNode("a", "text")})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected unparseable reply to be treated as not-answerable, got %+v", out)
	}
}

func TestFilterPerNodeTimeoutCountsTowardFailureRate(t *testing.T) {
	client := &scriptedClient{replyFor: func(passage string) (string, time.Duration, error) {
		return `{"can_answer": true}`, 50 * time.Millisecond, nil
	}}
	f := New(client, nil)
	f.PerNodeTimeout = 5 * time.Millisecond
	f.RequestTimeout = 200 * time.Millisecond

	nodes := []kb.ScoredNode{scoredNode("a", "t1"), scoredNode("b", "t2")}
	_, err := f.Filter(context.Background(), "q", nodes)
	var warn Warning
	if !errors.As(err, &warn) {
		t.Fatalf("expected a Warning from the failure-rate short-circuit, got %v", err)
	}
}

func TestFilterEmptyInput(t *testing.T) {
	f := New(&scriptedClient{replyFor: func(string) (string, time.Duration, error) { return "", 0, nil }}, nil)
	out, err := f.Filter(context.Background(), "q", nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("expected empty result, got %+v err=%v", out, err)
	}
}

func TestParseJudgementStripsCodeFence(t *testing.T) {
	reply := "```json\n{\"can_answer\": true, \"key_passage\": \"abc\", \"reasoning\": \"x\"}\n```"
	j, ok := parseJudgement(reply, 200)
	if !ok {
		t.Fatalf("expected parse success")
	}
	if !j.canAnswer || j.keyPassage != "abc" {
		t.Fatalf("unexpected judgement: %+v", j)
	}
}

func TestParseJudgementTruncatesKeyPassage(t *testing.T) {
	reply := `{"can_answer": true, "key_passage": "abcdefghij", "reasoning": "x"}`
	j, ok := parseJudgement(reply, 5)
	if !ok || j.keyPassage != "abcde" {
		t.Fatalf("expected truncated key_passage, got %+v ok=%v", j, ok)
	}
}

func containsSub(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
