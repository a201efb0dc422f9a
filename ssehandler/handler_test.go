package ssehandler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/wayfarer-labs/advisor/kb"
	"github.com/wayfarer-labs/advisor/llmclient"
	"github.com/wayfarer-labs/advisor/router"
)

type fakeStream struct {
	tokens []llmclient.Token
	idx    int
	err    error
}

func (f *fakeStream) Next() bool {
	if f.idx >= len(f.tokens) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeStream) Current() (llmclient.Token, error) {
	if f.err != nil && f.idx == len(f.tokens) {
		return llmclient.Token{}, f.err
	}
	return f.tokens[f.idx-1], nil
}

func (f *fakeStream) Close() error { return nil }

type fakeClient struct {
	tokens []llmclient.Token
	err    error
}

func (f *fakeClient) StreamChat(ctx context.Context, req llmclient.ChatRequest) (llmclient.TokenStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStream{tokens: f.tokens}, nil
}

type staticRetriever struct {
	nodes []kb.ScoredNode
	err   error
}

func (s staticRetriever) Retrieve(ctx context.Context, query string, opts ...kb.RetrieveOption) ([]kb.ScoredNode, error) {
	return s.nodes, s.err
}

func testNode(id string, score float64) kb.ScoredNode {
	return kb.ScoredNode{
		Node:         kb.Node{ID: id, Text: "content for " + id, Metadata: map[string]any{"file_name": id + ".pdf"}},
		Score:        score,
		InitialScore: score,
		SourceTags:   []kb.SourceTag{kb.SourceVector},
	}
}

func newTestHandler(t *testing.T, client llmclient.ChatClient) *Handler {
	t.Helper()
	multi, err := kb.NewMultiKBRetriever(map[string]kb.Retriever{
		"general": staticRetriever{nodes: []kb.ScoredNode{testNode("n1", 0.9), testNode("n2", 0.8)}},
	})
	if err != nil {
		t.Fatalf("build multi-kb retriever: %v", err)
	}

	registry := llmclient.NewRegistry("default")
	registry.Register("default", client)

	rtr := router.New(nil, nil) // no LLM: deterministic keyword classification
	return New(registry, rtr, nil, multi, nil, nil, nil, nil)
}

func postChat(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	h.Register(engine)

	req := httptest.NewRequest(http.MethodPost, "/api/knowledge_chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func countOccurrences(body, tag string) int {
	return strings.Count(body, "data: "+tag+":")
}

func TestHandlerHappyPathFrameOrder(t *testing.T) {
	client := &fakeClient{tokens: []llmclient.Token{
		{Kind: llmclient.Content, Text: "the answer is yes\n"},
	}}
	h := newTestHandler(t, client)

	rec := postChat(t, h, `{"question": "can I enter visa-free?"}`)
	body := rec.Body.String()

	sessionIdx := strings.Index(body, "data: SESSION:")
	doneIdx := strings.LastIndex(body, "data: DONE:")
	sourceIdx := strings.Index(body, "data: SOURCE:")
	contentIdx := strings.Index(body, "data: CONTENT:")

	if sessionIdx < 0 || doneIdx < 0 || sourceIdx < 0 || contentIdx < 0 {
		t.Fatalf("missing expected frame in body: %s", body)
	}
	if !(sessionIdx < contentIdx && contentIdx < sourceIdx && sourceIdx < doneIdx) {
		t.Fatalf("frames out of order: %s", body)
	}
	if n := countOccurrences(body, "DONE"); n != 1 {
		t.Fatalf("expected exactly one DONE frame, got %d", n)
	}
	if strings.Contains(body, "data: THINK:") {
		t.Fatalf("expected no THINK frames when thinking not requested: %s", body)
	}
	if n := countOccurrences(body, "SOURCE"); n != 2 {
		t.Fatalf("expected 2 SOURCE frames for 2 accepted nodes, got %d: %s", n, body)
	}
}

func TestHandlerThinkingModeEmitsThinkFrames(t *testing.T) {
	client := &fakeClient{tokens: []llmclient.Token{
		{Kind: llmclient.Content, Text: "<think>reasoning here longer than ten chars</think>final answer"},
	}}
	h := newTestHandler(t, client)

	rec := postChat(t, h, `{"question": "complex question", "enable_thinking": true}`)
	body := rec.Body.String()

	if !strings.Contains(body, "data: THINK:") {
		t.Fatalf("expected THINK frames, got: %s", body)
	}
	if !strings.Contains(body, "final answer") {
		t.Fatalf("expected final answer in CONTENT, got: %s", body)
	}
}

func TestHandlerLLMErrorStillEmitsSingleDone(t *testing.T) {
	client := &fakeClient{err: errors.New("upstream unavailable")}
	h := newTestHandler(t, client)

	rec := postChat(t, h, `{"question": "any question"}`)
	body := rec.Body.String()

	if !strings.Contains(body, "data: ERROR:") {
		t.Fatalf("expected ERROR frame, got: %s", body)
	}
	if n := countOccurrences(body, "DONE"); n != 1 {
		t.Fatalf("expected exactly one DONE frame even on error, got %d: %s", n, body)
	}
}

func TestHandlerUnknownModelIDErrorsCleanly(t *testing.T) {
	client := &fakeClient{tokens: []llmclient.Token{{Kind: llmclient.Content, Text: "hi"}}}
	h := newTestHandler(t, client)

	rec := postChat(t, h, `{"question": "any question", "model_id": "nonexistent"}`)
	body := rec.Body.String()

	if !strings.Contains(body, "data: ERROR:unknown model_id") {
		t.Fatalf("expected unknown model_id error, got: %s", body)
	}
	if n := countOccurrences(body, "DONE"); n != 1 {
		t.Fatalf("expected exactly one DONE frame, got %d", n)
	}
}

func TestHandlerMintsSessionIDWhenAbsent(t *testing.T) {
	client := &fakeClient{tokens: []llmclient.Token{{Kind: llmclient.Content, Text: "hi"}}}
	h := newTestHandler(t, client)

	rec := postChat(t, h, `{"question": "any question"}`)
	body := rec.Body.String()

	idx := strings.Index(body, "data: SESSION:")
	if idx < 0 {
		t.Fatalf("missing SESSION frame: %s", body)
	}
	line := body[idx:]
	end := strings.Index(line, "\n")
	sessionFrame := line[:end]
	if !strings.HasPrefix(sessionFrame, "data: SESSION:anon_") {
		t.Fatalf("expected minted anon session id, got %q", sessionFrame)
	}
}

