// Package llm is a minimal single-turn completion client over several model
// providers. Models are named "provider/model", e.g. "openai/gpt-4o-mini".
package llm

import (
	"context"
	"fmt"
	"strings"
)

type Client interface {
	// Complete answers prompt under the given system instruction.
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Keys holds one API key per provider. Only the key of the selected
// provider is needed.
type Keys struct {
	OpenAI    string
	Anthropic string
	Gemini    string
}

// For returns the key of provider, or "" for an unknown provider.
func (k Keys) For(provider string) string {
	switch provider {
	case "openai":
		return k.OpenAI
	case "anthropic":
		return k.Anthropic
	case "gemini":
		return k.Gemini
	default:
		return ""
	}
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
}

// WithBaseURL points the client at a compatible endpoint, mostly for tests.
func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

func ParseModel(model string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(model, "/")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q, expected provider/model", ErrInvalidModel, model)
	}
	return provider, name, nil
}

// New builds a client for model, failing when the provider's key is missing.
func New(model string, keys Keys, opts ...Option) (Client, error) {
	provider, name, err := ParseModel(model)
	if err != nil {
		return nil, err
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "openai", "anthropic", "gemini":
	default:
		return nil, fmt.Errorf("%w: %q (supported: openai, anthropic, gemini)", ErrUnknownProvider, provider)
	}
	key := keys.For(provider)
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w for %s", ErrMissingKey, provider)
	}

	switch provider {
	case "anthropic":
		return newAnthropicClient(key, name, o), nil
	case "gemini":
		return newGeminiClient(key, name, o)
	default:
		return newOpenAIClient(key, name, o), nil
	}
}
