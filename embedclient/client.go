// Package embedclient implements component B: a client for the embedding
// and reranking model services, treated as opaque HTTP endpoints per
// spec.md §1's non-goals.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks to an OpenAI-embeddings-shaped HTTP endpoint. Grounded on
// toheart-cocursor/backend/internal/infrastructure/embedding/client.go
// (base-URL normalisation, batching, retry-with-backoff), adapted to take
// a context.Context per call and to log with zap instead of slog to match
// this repository's ambient logging choice.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *zap.Logger

	maxBatchSize int
	maxRetries   int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client (e.g. for a custom
// timeout or transport in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates an embedding client against baseURL using model.
func New(baseURL, apiKey, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		model:        model,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       zap.NewNop(),
		maxBatchSize: 2048,
		maxRetries:   3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed vectorises a single piece of text. It implements kb.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedclient: empty embedding response")
	}
	return vectors[0], nil
}

// EmbedTexts vectorises a batch of texts, splitting into sub-batches of at
// most maxBatchSize as the embedding API itself requires.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedclient: texts cannot be empty")
	}
	if len(texts) <= c.maxBatchSize {
		return c.embedBatch(ctx, texts)
	}

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.maxBatchSize {
		end := i + c.maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := c.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embedclient: batch starting at %d: %w", i, err)
		}
		all = append(all, vectors...)
	}
	return all, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedclient: marshal request: %w", err)
	}

	url := buildURL(c.baseURL, "/v1/embeddings")

	var resp *http.Response
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("embedclient: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err = c.httpClient.Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			break
		}
		if resp != nil {
			c.logger.Warn("embedding request failed, retrying",
				zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))
			resp.Body.Close()
			resp = nil
		}
		if err != nil && attempt == c.maxRetries-1 {
			return nil, fmt.Errorf("embedclient: send request: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	if resp == nil {
		return nil, fmt.Errorf("embedclient: exhausted retries")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedclient: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedclient: decode response: %w", err)
	}
	vectors := make([][]float32, len(parsed.Data))
	for _, d := range parsed.Data {
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func buildURL(baseURL, path string) string {
	if strings.Contains(baseURL, strings.TrimPrefix(path, "/")) {
		return baseURL
	}
	return baseURL + path
}
