// Package llm provides completion clients for the linguistic brain.
// Three providers are supported: Gemini (Google AI Studio), Claude
// (Anthropic), and any OpenAI-compatible endpoint. A failover wrapper
// chains a primary and fallback provider.
package llm

import (
	"context"
	"fmt"
	"time"

	"nancy/internal/config"
)

// Client is the completion interface every provider implements.
type Client interface {
	// Complete sends a prompt and returns the completion text.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a prompt with a system message.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// Model returns the model identifier in use.
	Model() string

	// HealthCheck verifies the provider is reachable and authorized.
	HealthCheck(ctx context.Context) error
}

// Options configures one provider client.
type Options struct {
	Provider    string // "gemini", "claude", "openai-compatible"
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// New creates a client for the named provider.
func New(opts Options) (Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 2048
	}

	switch opts.Provider {
	case "gemini":
		return NewGeminiClient(opts), nil
	case "claude":
		return NewClaudeClient(opts), nil
	case "openai-compatible":
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", opts.Provider)
	}
}

// NewFromConfig builds the linguistic client stack from configuration.
// When a fallback provider is configured the result is a failover client.
func NewFromConfig(cfg config.LinguisticBrainConfig) (Client, error) {
	primary, err := New(Options{
		Provider:    cfg.PrimaryLLM,
		APIKey:      cfg.Connection.APIKey,
		BaseURL:     cfg.Connection.URL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	if cfg.FallbackLLM == "" {
		return primary, nil
	}

	conn := cfg.Connection
	if cfg.FallbackConnection != nil {
		conn = *cfg.FallbackConnection
	}
	fallback, err := New(Options{
		Provider:    cfg.FallbackLLM,
		APIKey:      conn.APIKey,
		BaseURL:     conn.URL,
		Model:       cfg.FallbackModel,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return NewFailover(primary, fallback), nil
}
