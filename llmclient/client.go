// Package llmclient implements component C: a streaming chat client that
// separates "thinking"/reasoning tokens from ordinary content tokens,
// dispatched to a concrete provider by model_id.
package llmclient

import "context"

// TokenKind distinguishes ordinary answer text from reasoning/"thinking"
// text a provider may stream alongside it.
type TokenKind int

const (
	// Content is ordinary answer text.
	Content TokenKind = iota
	// Thinking is reasoning/"thinking" text, emitted only when the caller
	// requested thinking mode and the model actually produced it.
	Thinking
)

// Token is one streamed delta.
type Token struct {
	Kind TokenKind
	Text string
}

// ChatMessage is one turn in the conversation sent to the model.
type ChatMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// ChatRequest is a single streaming chat completion request.
type ChatRequest struct {
	Messages    []ChatMessage
	Model       string
	MaxTokens   int
	Temperature float64
	// EnableThinking requests the reasoning/thinking channel where the
	// provider supports it; providers that don't support it ignore this.
	EnableThinking bool
}

// TokenStream yields Tokens from a single streaming request via a
// Next/Current/Close cursor; every component in this module that calls an
// LLM consumes replies through it.
type TokenStream interface {
	Next() bool
	Current() (Token, error)
	Close() error
}

// ChatClient is a single provider's streaming chat client.
type ChatClient interface {
	StreamChat(ctx context.Context, req ChatRequest) (TokenStream, error)
}

// Registry dispatches a ChatRequest to a provider ChatClient by model_id,
// grounded on spec.md §7's "pluggable endpoints keyed by model_id".
type Registry struct {
	clients map[string]ChatClient
	fallback string
}

// NewRegistry creates an empty registry. fallback is the model_id used
// when a caller doesn't specify one.
func NewRegistry(fallback string) *Registry {
	return &Registry{clients: make(map[string]ChatClient), fallback: fallback}
}

// Register binds a model_id to a provider client.
func (r *Registry) Register(modelID string, client ChatClient) {
	r.clients[modelID] = client
}

// Resolve returns the client for modelID, or the fallback client if
// modelID is empty.
func (r *Registry) Resolve(modelID string) (ChatClient, bool) {
	if modelID == "" {
		modelID = r.fallback
	}
	c, ok := r.clients[modelID]
	return c, ok
}
