package gateway

import "net/http"

// Canonical model ids.
const (
	ModelOpenAI = "openai"
	ModelClaude = "claude"
	ModelGemini = "gemini"
)

// ProviderConfig holds vendor credentials and endpoints. An empty API key
// leaves the model registered; its calls fail as upstream errors.
type ProviderConfig struct {
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string
	GeminiAPIKey     string
	GeminiBaseURL    string
	GeminiModel      string
	HTTP             *http.Client
}

// DefaultBackends returns the three supported vendors in their preferred
// merge order.
func DefaultBackends(pc ProviderConfig) []Backend {
	return []Backend{
		{
			ID:                ModelOpenAI,
			DisplayName:       "OpenAI GPT-4V",
			Aliases:           []string{"gpt-4o", "gpt4v", "gpt-4-vision", "chatgpt"},
			DefaultConfidence: 0.85,
			Client: &OpenAIClient{
				APIKey: pc.OpenAIAPIKey, BaseURL: pc.OpenAIBaseURL, Model: pc.OpenAIModel, HTTP: pc.HTTP,
			},
		},
		{
			ID:                ModelClaude,
			DisplayName:       "Anthropic Claude",
			Aliases:           []string{"anthropic", "claude-sonnet"},
			DefaultConfidence: 0.88,
			Client: &AnthropicClient{
				APIKey: pc.AnthropicAPIKey, BaseURL: pc.AnthropicBaseURL, Model: pc.AnthropicModel, HTTP: pc.HTTP,
			},
		},
		{
			ID:                ModelGemini,
			DisplayName:       "Google Gemini",
			Aliases:           []string{"google", "gemini-pro", "gemini-2.5-pro"},
			DefaultConfidence: 0.82,
			Client: &GeminiClient{
				APIKey: pc.GeminiAPIKey, BaseURL: pc.GeminiBaseURL, Model: pc.GeminiModel, HTTP: pc.HTTP,
			},
		},
	}
}
