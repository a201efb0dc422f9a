package llmclient

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient adapts the anthropic-sdk-go streaming Messages API to
// ChatClient. Grounded on the teacher's own go.mod requirement
// (anthropic-sdk-go v1.13.0) — the pack never wires it to real source, so
// this call shape follows the SDK's own documented streaming pattern
// (client.Messages.NewStreaming, accumulating ContentBlockDeltaEvent).
// Anthropic's native "thinking" content-block delta maps directly onto
// spec.md's thinking/content token split, needing no ad-hoc parsing.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a client for the given default model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *AnthropicClient) StreamChat(ctx context.Context, req ChatRequest) (TokenStream, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var system string
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.EnableThinking {
		const thinkingBudget = int64(1024)
		if params.MaxTokens <= thinkingBudget {
			params.MaxTokens = thinkingBudget + 1024
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget)
	}

	pipe := newTokenPipe()
	go func() {
		defer pipe.closeSend()
		stream := c.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text != "" {
					pipe.send(Token{Kind: Content, Text: d.Text})
				}
			case anthropic.ThinkingDelta:
				if d.Thinking != "" {
					pipe.send(Token{Kind: Thinking, Text: d.Thinking})
				}
			}
		}
		if err := stream.Err(); err != nil {
			pipe.fail(fmt.Errorf("llmclient: anthropic stream: %w", err))
		}
	}()
	return pipe, nil
}
