package llmclient

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/tidwall/gjson"
)

// OpenAIClient adapts the OpenAI-compatible streaming chat-completions API
// to ChatClient. Folds in what the teacher pack's contrib/openai submodule
// only declared a dependency on but never implemented (see DESIGN.md).
// Many OpenAI-compatible providers (the kind spec.md's "pluggable
// endpoints keyed by model_id" anticipates) stream a vendor extension
// field `reasoning_content` alongside the standard `content` delta; since
// that field isn't part of openai-go's typed ChoiceDelta, it's pulled out
// of the chunk's raw JSON with gjson rather than left unreadable.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a client against baseURL (empty for the default
// OpenAI endpoint) for the given default model.
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...), model: model}
}

func (c *OpenAIClient) StreamChat(ctx context.Context, req ChatRequest) (TokenStream, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	pipe := newTokenPipe()
	go func() {
		defer pipe.closeSend()
		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				pipe.send(Token{Kind: Content, Text: delta.Content})
			}
			if req.EnableThinking {
				if reasoning := gjson.Get(chunk.RawJSON(), "choices.0.delta.reasoning_content").String(); reasoning != "" {
					pipe.send(Token{Kind: Thinking, Text: reasoning})
				}
			}
		}
		if err := stream.Err(); err != nil {
			pipe.fail(fmt.Errorf("llmclient: openai stream: %w", err))
		}
	}()
	return pipe, nil
}
