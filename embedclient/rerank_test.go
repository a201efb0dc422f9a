package embedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRerankClientScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp := rerankResponse{}
		for i := range req.Documents {
			resp.Results = append(resp.Results, struct {
				Index          int     `json:"index"`
				RelevanceScore float64 `json:"relevance_score"`
			}{Index: i, RelevanceScore: float64(i) * 0.1})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewRerankClient(srv.URL, "key", "rerank-v1")
	scores, err := c.Score(context.Background(), "query", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(scores) != 3 || scores[2] != 0.2 {
		t.Fatalf("unexpected scores: %+v", scores)
	}
}

func TestRerankClientEmptyPassages(t *testing.T) {
	c := NewRerankClient("http://example.invalid", "key", "model")
	scores, err := c.Score(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores != nil {
		t.Fatalf("expected nil scores, got %+v", scores)
	}
}
