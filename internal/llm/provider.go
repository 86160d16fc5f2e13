package llm

import (
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/option"
)

// Provider identifies a language-model provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// ParseModelString splits a model string into provider and model name.
//
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"claude-sonnet-4-20250514" → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4o"                   → (openai, "gpt-4o")
//	"llama3.2"                 → (anthropic, "llama3.2")
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		name := model[i+1:]
		switch strings.ToLower(model[:i]) {
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	lower := strings.ToLower(model)
	for _, p := range []string{"gpt-", "o1", "o3", "o4"} {
		if strings.HasPrefix(lower, p) {
			return ProviderOpenAI, model
		}
	}
	return ProviderAnthropic, model
}

// Credentials holds what each provider needs to connect.
type Credentials struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OllamaHost      string
	HTTPClient      *http.Client
}

// NewClientForModel builds the client for model and returns it together with
// the model name stripped of its provider prefix.
func NewClientForModel(model string, creds Credentials) (Client, string) {
	provider, name := ParseModelString(model)

	var opts []OpenAIOption
	if creds.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(creds.HTTPClient))
	}

	switch provider {
	case ProviderOllama:
		return NewOllamaClient(creds.OllamaHost, opts...), name
	case ProviderOpenAI:
		return NewOpenAIClient(creds.OpenAIBaseURL, creds.OpenAIAPIKey, opts...), name
	default:
		var aopts []option.RequestOption
		if creds.HTTPClient != nil {
			aopts = append(aopts, option.WithHTTPClient(creds.HTTPClient))
		}
		return NewAnthropicClient(creds.AnthropicAPIKey, aopts...), name
	}
}
