package system

import (
	"context"
	"time"

	"nancy/internal/brain"
	"nancy/internal/intent"
	"nancy/internal/llm"
	"nancy/internal/synth"
)

// linguisticBrain composes the intent analyzer and the synthesizer over one
// model client into the LinguisticModel contract.
type linguisticBrain struct {
	analyzer    *intent.Analyzer
	synthesizer *synth.Synthesizer
	client      llm.Client
}

func newLinguisticBrain(client llm.Client) *linguisticBrain {
	return &linguisticBrain{
		analyzer:    intent.NewAnalyzer(client),
		synthesizer: synth.NewSynthesizer(client),
		client:      client,
	}
}

func (l *linguisticBrain) AnalyzeIntent(ctx context.Context, query string, history []string) (brain.QueryIntent, error) {
	return l.analyzer.AnalyzeIntent(ctx, query, history)
}

func (l *linguisticBrain) Synthesize(ctx context.Context, query string, results []brain.Result, queryIntent brain.QueryIntent) (string, error) {
	return l.synthesizer.Synthesize(ctx, query, results, queryIntent)
}

func (l *linguisticBrain) ExtractStory(ctx context.Context, text, docName string) (brain.StoryElements, error) {
	return l.synthesizer.ExtractStory(ctx, text, docName)
}

func (l *linguisticBrain) Health(ctx context.Context) brain.Health {
	start := time.Now()
	if err := l.client.HealthCheck(ctx); err != nil {
		return brain.Health{OK: false, Details: err.Error(), Latency: time.Since(start)}
	}
	return brain.Health{OK: true, Details: l.client.Model(), Latency: time.Since(start)}
}

var _ brain.LinguisticModel = (*linguisticBrain)(nil)
