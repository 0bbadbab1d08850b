package synth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"nancy/internal/brain"
)

type stubClient struct {
	response string
	err      error
	lastUser string
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *stubClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	s.lastUser = user
	return s.response, s.err
}

func (s *stubClient) Model() string                        { return "stub" }
func (s *stubClient) HealthCheck(ctx context.Context) error { return s.err }

func sampleResults() []brain.Result {
	return []brain.Result{
		{Brain: brain.KindVector, Text: "The enclosure uses a copper heat spreader.", Source: "thermal_design.md", Author: "Sarah Chen", Distance: 0.12},
		{Brain: brain.KindGraph, Text: "Sarah Chen AUTHORED thermal_design.md", Distance: 0},
	}
}

func TestSynthesizePromptCarriesSources(t *testing.T) {
	client := &stubClient{response: "The enclosure uses a copper heat spreader (thermal_design.md, Sarah Chen)."}
	s := NewSynthesizer(client)

	answer, err := s.Synthesize(context.Background(), "how is the enclosure cooled?", sampleResults(), brain.QueryIntent{QueryType: brain.QuerySemantic})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !strings.Contains(answer, "copper heat spreader") {
		t.Errorf("answer = %q", answer)
	}
	for _, want := range []string{"thermal_design.md", "Sarah Chen", "how is the enclosure cooled?", "[1]", "[2]"} {
		if !strings.Contains(client.lastUser, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestSynthesizeEmptyResults(t *testing.T) {
	client := &stubClient{response: "should not be called"}
	s := NewSynthesizer(client)

	answer, err := s.Synthesize(context.Background(), "anything?", nil, brain.QueryIntent{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(answer, "No relevant information") {
		t.Errorf("answer = %q", answer)
	}
	if client.lastUser != "" {
		t.Error("model should not be called with zero results")
	}
}

func TestSynthesizeFallbackWhenModelDown(t *testing.T) {
	client := &stubClient{err: errors.New("connection refused")}
	s := NewSynthesizer(client)

	answer, err := s.Synthesize(context.Background(), "how is the enclosure cooled?", sampleResults(), brain.QueryIntent{})
	if err != nil {
		t.Fatalf("model failure must degrade, not error: %v", err)
	}
	if !strings.Contains(answer, "unavailable") {
		t.Errorf("answer = %q", answer)
	}
	if !strings.Contains(answer, "thermal_design.md") || !strings.Contains(answer, "copper heat spreader") {
		t.Errorf("fallback should list results with sources: %q", answer)
	}
}

func TestExtractStoryCleanJSON(t *testing.T) {
	client := &stubClient{response: `{
		"decisions": [{"name": "switch to copper spreader", "maker": "Sarah Chen", "affects": ["enclosure"]}],
		"meetings": [{"name": "Q3 design review", "attendees": ["Sarah Chen", "James Wong"]}],
		"features": [],
		"eras": [{"name": "prototype phase", "span": "2024 H1"}],
		"collaborations": [{"person_a": "Sarah Chen", "person_b": "James Wong", "topic": "thermals"}]
	}`}
	s := NewSynthesizer(client)

	elements, err := s.ExtractStory(context.Background(), "meeting notes...", "q3_review.md")
	if err != nil {
		t.Fatalf("ExtractStory: %v", err)
	}
	if len(elements.Decisions) != 1 || elements.Decisions[0].Maker != "Sarah Chen" {
		t.Errorf("decisions = %+v", elements.Decisions)
	}
	if len(elements.Meetings) != 1 || len(elements.Meetings[0].Attendees) != 2 {
		t.Errorf("meetings = %+v", elements.Meetings)
	}
	if len(elements.Collaborations) != 1 {
		t.Errorf("collaborations = %+v", elements.Collaborations)
	}
}

func TestExtractStoryRepairsFencedOutput(t *testing.T) {
	client := &stubClient{response: "Sure, here it is:\n```json\n{\"decisions\": [], \"meetings\": [], \"features\": [{\"name\": \"active cooling\", \"owner\": \"James Wong\"}], \"eras\": [], \"collaborations\": []}\n```"}
	s := NewSynthesizer(client)

	elements, err := s.ExtractStory(context.Background(), "doc text", "features.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(elements.Features) != 1 || elements.Features[0].Owner != "James Wong" {
		t.Errorf("features = %+v", elements.Features)
	}
}

func TestExtractStoryUnrepairableIsEmpty(t *testing.T) {
	client := &stubClient{response: "I could not find any structure in this document."}
	s := NewSynthesizer(client)

	elements, err := s.ExtractStory(context.Background(), "doc text", "notes.md")
	if err != nil {
		t.Fatalf("unrepairable output must not error: %v", err)
	}
	if len(elements.Decisions)+len(elements.Meetings)+len(elements.Features) != 0 {
		t.Errorf("elements = %+v", elements)
	}
}

func TestExtractStoryEmptyText(t *testing.T) {
	client := &stubClient{response: "should not be called"}
	s := NewSynthesizer(client)

	if _, err := s.ExtractStory(context.Background(), "   ", "empty.md"); err != nil {
		t.Fatal(err)
	}
	if client.lastUser != "" {
		t.Error("model should not be called for empty text")
	}
}

func TestExtractStoryModelError(t *testing.T) {
	client := &stubClient{err: errors.New("rate limited")}
	s := NewSynthesizer(client)

	if _, err := s.ExtractStory(context.Background(), "doc text", "notes.md"); err == nil {
		t.Fatal("transport errors should surface")
	}
}
