// Package llm contains the upstream completion clients. Every client speaks
// to the proxy through its provider SDK and exposes the same channel-based
// streaming surface, so the agent core never branches on provider.
package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"proxychat/internal/logger"
	"proxychat/pkg/agenttypes"
)

// OpenAIChatClient streams completions from the proxy's OpenAI-compatible
// chat completions endpoint. This is the default endpoint and the only one
// with true token-level streaming.
type OpenAIChatClient struct {
	apiKey  string
	baseURL string
	client  *openai.Client
}

// NewOpenAIChatClient creates a chat completions client with lazy
// initialization. baseURL may be empty to use the SDK default.
func NewOpenAIChatClient(apiKey, baseURL string) *OpenAIChatClient {
	return &OpenAIChatClient{apiKey: apiKey, baseURL: baseURL}
}

// EndpointName returns the endpoint selector this client serves.
func (c *OpenAIChatClient) EndpointName() string {
	return "chat"
}

// IsConfigured returns true if the client has an API key.
func (c *OpenAIChatClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *OpenAIChatClient) initializeClientIfNeeded() error {
	if c.client != nil {
		return nil
	}
	if c.apiKey == "" {
		return fmt.Errorf("API key not configured")
	}

	options := []option.RequestOption{option.WithAPIKey(c.apiKey)}
	if c.baseURL != "" {
		options = append(options, option.WithBaseURL(c.baseURL))
	}

	client := openai.NewClient(options...)
	c.client = &client
	logger.Debug("Chat completions client initialized", "endpoint", c.EndpointName())
	return nil
}

// StreamCompletion sends the request and streams deltas on the returned
// channel. Usage arrives on the final chunk when the upstream honors
// stream_options.include_usage; the channel always ends with exactly one
// Done chunk.
func (c *OpenAIChatClient) StreamCompletion(ctx context.Context, req agenttypes.CompletionRequest) (<-chan agenttypes.StreamChunk, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, err
	}

	messages := buildOpenAIMessages(req)
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.IncludeUsage {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
	}

	logger.Debug("Sending chat completion request", "model", req.Model, "message_count", len(messages))
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)

	responseChan := make(chan agenttypes.StreamChunk, 10)
	go func() {
		defer close(responseChan)
		defer func() { _ = stream.Close() }()

		var usage map[string]any
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				responseChan <- agenttypes.StreamChunk{Content: chunk.Choices[0].Delta.Content}
			}
			if chunk.Usage.TotalTokens > 0 {
				usage = map[string]any{
					"prompt_tokens":     float64(chunk.Usage.PromptTokens),
					"completion_tokens": float64(chunk.Usage.CompletionTokens),
					"total_tokens":      float64(chunk.Usage.TotalTokens),
				}
			}
		}

		responseChan <- agenttypes.StreamChunk{Done: true, Usage: usage, Error: stream.Err()}
	}()

	return responseChan, nil
}

// buildOpenAIMessages converts a completion request into the SDK's message
// union: optional system text, prior turns, then the new user text.
func buildOpenAIMessages(req agenttypes.CompletionRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)

	if req.SystemText != "" {
		messages = append(messages, openai.SystemMessage(req.SystemText))
	}
	for _, msg := range req.History {
		switch msg.Role {
		case agenttypes.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case agenttypes.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case agenttypes.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		default:
			continue
		}
	}
	messages = append(messages, openai.UserMessage(req.UserText))

	return messages
}
