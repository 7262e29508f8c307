package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"

	"proxychat/internal/logger"
	"proxychat/pkg/agenttypes"
)

// OpenAIResponsesClient serves completions through the proxy's /responses
// endpoint. The responses API does not stream through this client; the full
// text is delivered as a single chunk followed by a done chunk so callers see
// the same channel shape as true streaming endpoints.
type OpenAIResponsesClient struct {
	apiKey  string
	baseURL string
	client  *openai.Client
}

// NewOpenAIResponsesClient creates a responses API client with lazy
// initialization.
func NewOpenAIResponsesClient(apiKey, baseURL string) *OpenAIResponsesClient {
	return &OpenAIResponsesClient{apiKey: apiKey, baseURL: baseURL}
}

// EndpointName returns the endpoint selector this client serves.
func (c *OpenAIResponsesClient) EndpointName() string {
	return "responses"
}

// IsConfigured returns true if the client has an API key.
func (c *OpenAIResponsesClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *OpenAIResponsesClient) initializeClientIfNeeded() error {
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
	logger.Debug("Responses client initialized", "endpoint", c.EndpointName())
	return nil
}

// StreamCompletion sends the request to the responses endpoint and emits the
// whole response as one chunk.
func (c *OpenAIResponsesClient) StreamCompletion(ctx context.Context, req agenttypes.CompletionRequest) (<-chan agenttypes.StreamChunk, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, err
	}

	params := responses.ResponseNewParams{
		Model: req.Model,
		Input: buildResponsesInput(req),
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}

	responseChan := make(chan agenttypes.StreamChunk, 2)
	go func() {
		defer close(responseChan)

		logger.Debug("Sending responses request", "model", req.Model)
		response, err := c.client.Responses.New(ctx, params)
		if err != nil {
			responseChan <- agenttypes.StreamChunk{Done: true, Error: fmt.Errorf("responses request failed: %w", err)}
			return
		}

		if text := responsesText(response); text != "" {
			responseChan <- agenttypes.StreamChunk{Content: text}
		}

		usage := map[string]any{
			"input_tokens":  float64(response.Usage.InputTokens),
			"output_tokens": float64(response.Usage.OutputTokens),
			"total_tokens":  float64(response.Usage.TotalTokens),
		}
		responseChan <- agenttypes.StreamChunk{Done: true, Usage: usage}
	}()

	return responseChan, nil
}

// responsesText concatenates the text content of the assistant message
// output items.
func responsesText(response *responses.Response) string {
	var content string
	for _, item := range response.Output {
		if message := item.AsMessage(); message.Type == "message" && message.Role == "assistant" {
			for _, contentItem := range message.Content {
				if text := contentItem.AsOutputText(); text.Type == "output_text" {
					content += text.Text
				}
			}
		}
	}
	return content
}

// buildResponsesInput converts a completion request to the responses API
// input list.
func buildResponsesInput(req agenttypes.CompletionRequest) responses.ResponseNewParamsInputUnion {
	input := make(responses.ResponseInputParam, 0, len(req.History)+2)

	if req.SystemText != "" {
		input = append(input, responses.ResponseInputItemParamOfMessage(
			req.SystemText,
			responses.EasyInputMessageRoleSystem,
		))
	}
	for _, msg := range req.History {
		var role responses.EasyInputMessageRole
		switch msg.Role {
		case agenttypes.RoleUser:
			role = responses.EasyInputMessageRoleUser
		case agenttypes.RoleAssistant:
			role = responses.EasyInputMessageRoleAssistant
		case agenttypes.RoleSystem:
			role = responses.EasyInputMessageRoleSystem
		default:
			continue
		}
		input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, role))
	}
	input = append(input, responses.ResponseInputItemParamOfMessage(
		req.UserText,
		responses.EasyInputMessageRoleUser,
	))

	return responses.ResponseNewParamsInputUnion{OfInputItemList: input}
}
