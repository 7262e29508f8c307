// Package agenttypes defines LLM-related types and interfaces for the
// proxychat agent. This file contains the completion client abstraction shared
// by the main answer path and the history summarization path.
package agenttypes

import "context"

// StreamChunk represents a single chunk of streaming response.
type StreamChunk struct {
	Content string         // The text content of this chunk
	Done    bool           // Whether this is the final chunk
	Usage   map[string]any // Provider-reported usage counters, set on the final chunk when available
	Error   error          // Any error that occurred during streaming
}

// CompletionRequest describes one streaming completion call to the upstream
// provider. SystemText and History are optional; UserText is appended last.
type CompletionRequest struct {
	SystemText   string
	History      []ChatMessage
	UserText     string
	Model        string
	MaxTokens    int
	Temperature  *float64
	IncludeUsage bool
}

// CompletionClient is the streaming contract with the upstream completion
// provider. Implementations yield text deltas as they arrive and report
// provider usage counters on the terminal chunk when IncludeUsage is set.
type CompletionClient interface {
	// StreamCompletion sends a streaming completion request. The returned
	// channel is closed after the terminal chunk (Done or Error set).
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)

	// EndpointName returns the endpoint selector this client serves
	// (e.g. "chat", "responses", "anthropic", "gemini").
	EndpointName() string

	// IsConfigured returns true if the client has valid configuration and can
	// make requests.
	IsConfigured() bool
}
