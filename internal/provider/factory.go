package provider

import (
	"fmt"

	"github.com/haasonsaas/chatos/pkg/models"
)

// Options carries process-level provider defaults.
type Options struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// AllowPreviousIDForProxy enables previous_response_id even when the
	// base URL points at a proxy.
	AllowPreviousIDForProxy bool
}

// ForModelConfig selects the client for a model config: response-style when
// the config opts in, chat-style otherwise, Anthropic for provider "claude".
// Config-level key and URL override the process defaults.
func ForModelConfig(mc *models.ModelConfig, opts Options) (Client, error) {
	if mc == nil {
		return nil, fmt.Errorf("model config is required")
	}
	apiKey := mc.APIKey
	if apiKey == "" {
		apiKey = opts.OpenAIAPIKey
	}
	baseURL := mc.BaseURL
	if baseURL == "" {
		baseURL = opts.OpenAIBaseURL
	}

	switch mc.Provider {
	case "claude":
		return NewAnthropicClient(apiKey, mc.BaseURL), nil
	case "gpt", "":
		if mc.SupportsResponses {
			c := NewResponsesClient(apiKey, baseURL)
			c.AllowPreviousID = opts.AllowPreviousIDForProxy || mc.BaseURL == ""
			return c, nil
		}
		return NewChatClient(apiKey, baseURL), nil
	default:
		// Unknown tags are treated as chat-style against the configured
		// endpoint, which covers OpenAI-compatible gateways.
		return NewChatClient(apiKey, baseURL), nil
	}
}
