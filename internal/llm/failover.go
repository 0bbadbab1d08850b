package llm

import (
	"context"

	"nancy/internal/logging"
)

// Failover tries a primary client and falls back to a secondary when the
// primary errors. Context cancellation is not retried against the fallback.
type Failover struct {
	primary  Client
	fallback Client
}

// NewFailover wraps a primary and fallback client.
func NewFailover(primary, fallback Client) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

// Complete sends a prompt, failing over on primary error.
func (f *Failover) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message, failing over on
// primary error.
func (f *Failover) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	out, err := f.primary.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", err
	}

	logging.Get(logging.CategoryLLM).Warn("Primary LLM %s failed, using fallback %s: %v",
		f.primary.Model(), f.fallback.Model(), err)
	return f.fallback.CompleteWithSystem(ctx, systemPrompt, userPrompt)
}

// Model returns the primary model identifier.
func (f *Failover) Model() string {
	return f.primary.Model()
}

// HealthCheck reports healthy when either provider responds.
func (f *Failover) HealthCheck(ctx context.Context) error {
	if err := f.primary.HealthCheck(ctx); err == nil {
		return nil
	}
	return f.fallback.HealthCheck(ctx)
}
