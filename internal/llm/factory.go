package llm

import (
	"fmt"
	"sync"

	"proxychat/internal/logger"
	"proxychat/pkg/agenttypes"
)

// DefaultEndpoint is used when a request does not name an endpoint.
const DefaultEndpoint = "chat"

// Config carries the upstream credentials shared by every client the factory
// builds. All endpoints talk to the same proxy deployment.
type Config struct {
	APIKey  string
	BaseURL string
}

// Factory builds and caches one completion client per endpoint selector.
// Clients are lazily constructed and reused across requests; the underlying
// SDK clients hold their own HTTP connection pools.
type Factory struct {
	config Config

	mu    sync.Mutex
	cache map[string]agenttypes.CompletionClient
}

// NewFactory creates a client factory for the given upstream configuration.
func NewFactory(config Config) *Factory {
	return &Factory{
		config: config,
		cache:  make(map[string]agenttypes.CompletionClient),
	}
}

// GetClient returns the client for the endpoint selector, constructing it on
// first use. An empty selector means the default chat endpoint; an unknown
// selector is an error surfaced to the requesting connection.
func (f *Factory) GetClient(endpoint string) (agenttypes.CompletionClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.cache[endpoint]; ok {
		return client, nil
	}

	var client agenttypes.CompletionClient
	switch endpoint {
	case "chat":
		client = NewOpenAIChatClient(f.config.APIKey, f.config.BaseURL)
	case "responses":
		client = NewOpenAIResponsesClient(f.config.APIKey, f.config.BaseURL)
	case "anthropic":
		client = NewAnthropicClient(f.config.APIKey, f.config.BaseURL)
	case "gemini":
		client = NewGeminiClient(f.config.APIKey, f.config.BaseURL)
	default:
		return nil, fmt.Errorf("unknown endpoint: %s", endpoint)
	}

	if !client.IsConfigured() {
		return nil, fmt.Errorf("endpoint %s is not configured: missing API key", endpoint)
	}

	logger.Debug("Completion client created", "endpoint", endpoint)
	f.cache[endpoint] = client
	return client, nil
}
