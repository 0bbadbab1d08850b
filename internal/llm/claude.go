package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"nancy/internal/logging"
)

// ClaudeClient talks to the Anthropic Messages API through the official SDK.
type ClaudeClient struct {
	client      sdk.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewClaudeClient creates a Claude completion client.
func NewClaudeClient(opts Options) *ClaudeClient {
	model := opts.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	sdkOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &ClaudeClient{
		client:      sdk.NewClient(sdkOpts...),
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
}

// Complete sends a prompt and returns the completion.
func (c *ClaudeClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *ClaudeClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryLLM, "claude.Complete")
	defer timer.StopWithThreshold(5 * time.Second)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude request failed: %w", err)
	}
	if len(msg.Content) == 0 {
		return "", fmt.Errorf("no completion returned")
	}

	var result strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			result.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(result.String()), nil
}

// Model returns the model identifier in use.
func (c *ClaudeClient) Model() string {
	return c.model
}

// HealthCheck issues a minimal completion to verify reachability and the
// API key.
func (c *ClaudeClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.Complete(ctx, "ping")
	return err
}
