package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"proxychat/internal/logger"
	"proxychat/pkg/agenttypes"
)

// defaultAnthropicMaxTokens is used when the request carries no max_tokens;
// the Anthropic messages API requires the field.
const defaultAnthropicMaxTokens = 1024

// AnthropicClient serves completions through the proxy's Anthropic messages
// endpoint. The response is delivered as a single chunk followed by a done
// chunk.
type AnthropicClient struct {
	apiKey  string
	baseURL string
	client  *anthropic.Client
}

// NewAnthropicClient creates an Anthropic client with lazy initialization.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	return &AnthropicClient{apiKey: apiKey, baseURL: baseURL}
}

// EndpointName returns the endpoint selector this client serves.
func (c *AnthropicClient) EndpointName() string {
	return "anthropic"
}

// IsConfigured returns true if the client has an API key.
func (c *AnthropicClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *AnthropicClient) initializeClientIfNeeded() error {
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

	client := anthropic.NewClient(options...)
	c.client = &client
	logger.Debug("Anthropic client initialized", "endpoint", c.EndpointName())
	return nil
}

// StreamCompletion sends the request to the messages endpoint and emits the
// concatenated text blocks as one chunk.
func (c *AnthropicClient) StreamCompletion(ctx context.Context, req agenttypes.CompletionRequest) (<-chan agenttypes.StreamChunk, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  buildAnthropicMessages(req),
	}
	if req.SystemText != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemText}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	responseChan := make(chan agenttypes.StreamChunk, 2)
	go func() {
		defer close(responseChan)

		logger.Debug("Sending Anthropic request", "model", req.Model)
		message, err := c.client.Messages.New(ctx, params)
		if err != nil {
			responseChan <- agenttypes.StreamChunk{Done: true, Error: fmt.Errorf("anthropic request failed: %w", err)}
			return
		}

		var content string
		for _, block := range message.Content {
			content += block.Text
		}
		if content != "" {
			responseChan <- agenttypes.StreamChunk{Content: content}
		}

		usage := map[string]any{
			"input_tokens":  float64(message.Usage.InputTokens),
			"output_tokens": float64(message.Usage.OutputTokens),
		}
		responseChan <- agenttypes.StreamChunk{Done: true, Usage: usage}
	}()

	return responseChan, nil
}

// buildAnthropicMessages converts the request history into the messages API
// format. System text travels separately in the params, so system-role turns
// in history are folded into user messages to preserve ordering.
func buildAnthropicMessages(req agenttypes.CompletionRequest) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)

	for _, msg := range req.History {
		switch msg.Role {
		case agenttypes.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case agenttypes.RoleUser, agenttypes.RoleSystem:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			continue
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserText)))

	return messages
}
