package subagent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const defaultMaxOutputTokens = 4096

// ChatMessage is one turn of provider input. Image URLs ride alongside the
// text; multimodal understanding is the provider's job, this layer never
// touches image bytes.
type ChatMessage struct {
	Role      string   `json:"role"`
	Text      string   `json:"text,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

// GenerateRequest is the normalized single-shot model request. Subagent calls
// are one request, one structured response — no tool loop.
type GenerateRequest struct {
	Model           string        `json:"model"`
	System          string        `json:"system,omitempty"`
	Messages        []ChatMessage `json:"messages"`
	MaxOutputTokens int           `json:"max_output_tokens,omitempty"`
	Temperature     *float64      `json:"temperature,omitempty"`
	// ForceJSON asks the provider for a JSON object response where the API
	// supports it. Validation never relies on it; the schema check runs on
	// every response regardless.
	ForceJSON bool `json:"force_json,omitempty"`
}

// Provider is the normalized model-call capability. Adapters return the raw
// text output; hard transport failures surface as errors.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// ProviderFunc adapts a function to the Provider interface (test fakes).
type ProviderFunc func(ctx context.Context, req GenerateRequest) (string, error)

func (f ProviderFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

// NewProvider builds a provider adapter for a configured provider type.
// Supported types: "openai" | "openai_compatible" | "anthropic".
func NewProvider(providerType string, baseURL string, apiKey string) (Provider, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAIProvider{client: openai.NewClient(opts...)}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}
