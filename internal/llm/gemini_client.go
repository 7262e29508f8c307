package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"proxychat/internal/logger"
	"proxychat/pkg/agenttypes"
)

// GeminiClient serves completions through the proxy's Gemini endpoint. The
// response is delivered as a single chunk followed by a done chunk.
type GeminiClient struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// NewGeminiClient creates a Gemini client with lazy initialization.
func NewGeminiClient(apiKey, baseURL string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, baseURL: baseURL}
}

// EndpointName returns the endpoint selector this client serves.
func (c *GeminiClient) EndpointName() string {
	return "gemini"
}

// IsConfigured returns true if the client has an API key.
func (c *GeminiClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *GeminiClient) initializeClientIfNeeded(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	if c.apiKey == "" {
		return fmt.Errorf("API key not configured")
	}

	clientConfig := &genai.ClientConfig{APIKey: c.apiKey}
	if c.baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}
	c.client = client
	logger.Debug("Gemini client initialized", "endpoint", c.EndpointName())
	return nil
}

// StreamCompletion sends the request to Gemini and emits the generated text
// as one chunk.
func (c *GeminiClient) StreamCompletion(ctx context.Context, req agenttypes.CompletionRequest) (<-chan agenttypes.StreamChunk, error) {
	if err := c.initializeClientIfNeeded(ctx); err != nil {
		return nil, err
	}

	contents := buildGeminiContents(req)
	config := &genai.GenerateContentConfig{}
	if req.SystemText != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemText, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		config.Temperature = &temp
	}

	responseChan := make(chan agenttypes.StreamChunk, 2)
	go func() {
		defer close(responseChan)

		logger.Debug("Sending Gemini request", "model", req.Model)
		result, err := c.client.Models.GenerateContent(ctx, req.Model, contents, config)
		if err != nil {
			responseChan <- agenttypes.StreamChunk{Done: true, Error: fmt.Errorf("gemini request failed: %w", err)}
			return
		}

		if text := geminiText(result); text != "" {
			responseChan <- agenttypes.StreamChunk{Content: text}
		}

		var usage map[string]any
		if result.UsageMetadata != nil {
			usage = map[string]any{
				"prompt_tokens":     float64(result.UsageMetadata.PromptTokenCount),
				"completion_tokens": float64(result.UsageMetadata.CandidatesTokenCount),
				"total_tokens":      float64(result.UsageMetadata.TotalTokenCount),
			}
		}
		responseChan <- agenttypes.StreamChunk{Done: true, Usage: usage}
	}()

	return responseChan, nil
}

// buildGeminiContents converts the request into the genai content list.
// Gemini only knows user and model roles; system-role history is sent as
// user content.
func buildGeminiContents(req agenttypes.CompletionRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)

	for _, msg := range req.History {
		role := "user"
		if msg.Role == agenttypes.RoleAssistant {
			// Gemini uses "model" instead of "assistant".
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: msg.Content}},
			Role:  role,
		})
	}
	contents = append(contents, &genai.Content{
		Parts: []*genai.Part{{Text: req.UserText}},
		Role:  "user",
	})

	return contents
}

// geminiText concatenates the non-thinking text parts of all candidates.
func geminiText(result *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text == "" || part.Thought {
				continue
			}
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
