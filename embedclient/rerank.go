package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// RerankClient scores (query, passage) pairs against a cross-encoder
// reranker endpoint. Structurally identical to Client's HTTP plumbing
// (toheart-cocursor's embedding client, adapted to a different request
// shape) since the original system exposes embedding and reranking as
// sibling HTTP services on the same provider.
type RerankClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewRerankClient creates a reranker client against baseURL using model.
func NewRerankClient(baseURL, apiKey, model string, opts ...Option) *RerankClient {
	c := &Client{baseURL: baseURL, apiKey: apiKey, model: model}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return &RerankClient{baseURL: c.baseURL, apiKey: c.apiKey, model: c.model, httpClient: c.httpClient}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score returns one relevance score per passage, in the same order as
// passages. It satisfies rerank.Scorer (component F).
func (c *RerankClient) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: passages})
	if err != nil {
		return nil, fmt.Errorf("embedclient: marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, buildURL(c.baseURL, "/v1/rerank"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedclient: build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedclient: rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedclient: rerank status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedclient: decode rerank response: %w", err)
	}
	scores := make([]float64, len(passages))
	for _, r := range parsed.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.RelevanceScore
		}
	}
	return scores, nil
}
