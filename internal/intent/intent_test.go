package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"nancy/internal/brain"
)

// scriptedClient returns canned responses in order, then repeats the last.
type scriptedClient struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (s *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *scriptedClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	s.prompts = append(s.prompts, user)
	if s.err != nil {
		return "", s.err
	}
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i], nil
}

func (s *scriptedClient) Model() string                        { return "scripted" }
func (s *scriptedClient) HealthCheck(ctx context.Context) error { return nil }

func TestAnalyzeIntentCleanJSON(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"query_type": "author_attribution", "entities": ["Sarah Chen"], "confidence": 0.92, "reasoning": "asks who wrote a document"}`,
	}}
	a := NewAnalyzer(client)

	intent, err := a.AnalyzeIntent(context.Background(), "who wrote the thermal design doc?", nil)
	if err != nil {
		t.Fatalf("AnalyzeIntent: %v", err)
	}
	if intent.QueryType != brain.QueryAuthor {
		t.Errorf("query_type = %s, want author_attribution", intent.QueryType)
	}
	if intent.Confidence != 0.92 {
		t.Errorf("confidence = %v", intent.Confidence)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1", client.calls)
	}
}

func TestAnalyzeIntentMarkdownFenced(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"Here is the classification:\n```json\n{\"query_type\": \"semantic\", \"semantic_terms\": [\"thermal throttling\"], \"confidence\": 0.8}\n```\n",
	}}
	a := NewAnalyzer(client)

	intent, _ := a.AnalyzeIntent(context.Background(), "explain thermal throttling", nil)
	if intent.QueryType != brain.QuerySemantic {
		t.Errorf("query_type = %s", intent.QueryType)
	}
	if len(intent.SemanticTerms) != 1 || intent.SemanticTerms[0] != "thermal throttling" {
		t.Errorf("semantic_terms = %v", intent.SemanticTerms)
	}
}

func TestAnalyzeIntentPythonLiterals(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{'query_type': 'relationship_discovery', 'relationship_targets': ['James Wong'], 'confidence': 0.7, 'reasoning': None}`,
	}}
	a := NewAnalyzer(client)

	intent, _ := a.AnalyzeIntent(context.Background(), "who collaborates with James Wong?", nil)
	if intent.QueryType != brain.QueryRelationship {
		t.Errorf("query_type = %s, want relationship_discovery", intent.QueryType)
	}
	if len(intent.RelationshipTargets) != 1 {
		t.Errorf("relationship_targets = %v", intent.RelationshipTargets)
	}
}

func TestAnalyzeIntentRepromptRecovers(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"I think this is a temporal question about recent changes.",
		`{"query_type": "temporal_analysis", "time_constraints": {"relative": "last month"}, "confidence": 0.85}`,
	}}
	a := NewAnalyzer(client)

	intent, _ := a.AnalyzeIntent(context.Background(), "what changed last month?", nil)
	if intent.QueryType != brain.QueryTemporal {
		t.Errorf("query_type = %s, want temporal_analysis", intent.QueryType)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
	if !strings.Contains(client.prompts[1], "not valid JSON") {
		t.Error("re-prompt should carry the malformed output complaint")
	}
}

func TestAnalyzeIntentFallsBackToHeuristic(t *testing.T) {
	client := &scriptedClient{responses: []string{"complete garbage", "still garbage"}}
	a := NewAnalyzer(client)

	intent, err := a.AnalyzeIntent(context.Background(), "who wrote the cooling spec?", nil)
	if err != nil {
		t.Fatalf("AnalyzeIntent must not fail: %v", err)
	}
	if intent.Reasoning != "fallback" {
		t.Errorf("reasoning = %q, want fallback", intent.Reasoning)
	}
	if intent.QueryType != brain.QueryAuthor {
		t.Errorf("heuristic query_type = %s, want author_attribution", intent.QueryType)
	}
	if intent.Confidence >= 0.5 {
		t.Errorf("fallback confidence should be low, got %v", intent.Confidence)
	}
}

func TestAnalyzeIntentModelDown(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	a := NewAnalyzer(client)

	intent, err := a.AnalyzeIntent(context.Background(), "recent decisions about the enclosure", nil)
	if err != nil {
		t.Fatalf("AnalyzeIntent must not fail: %v", err)
	}
	if intent.QueryType != brain.QueryTemporal {
		t.Errorf("query_type = %s, want temporal_analysis", intent.QueryType)
	}
	if intent.Reasoning != "fallback" {
		t.Errorf("reasoning = %q", intent.Reasoning)
	}
}

func TestAnalyzeIntentRejectsUnknownQueryType(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"query_type": "interpretive_dance", "confidence": 0.9}`,
		`{"query_type": "interpretive_dance", "confidence": 0.9}`,
	}}
	a := NewAnalyzer(client)

	intent, _ := a.AnalyzeIntent(context.Background(), "how is the chassis connected to cooling?", nil)
	if intent.Reasoning != "fallback" {
		t.Errorf("unknown query_type should force fallback, got %+v", intent)
	}
}

func TestAnalyzeIntentHistoryInPrompt(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"query_type": "semantic", "confidence": 0.8}`,
	}}
	a := NewAnalyzer(client)

	history := []string{"turn1", "turn2", "turn3", "turn4", "turn5", "turn6", "turn7"}
	a.AnalyzeIntent(context.Background(), "and what about power?", history)

	prompt := client.prompts[0]
	if strings.Contains(prompt, "turn1") || strings.Contains(prompt, "turn2") {
		t.Error("prompt should only carry the most recent turns")
	}
	for _, want := range []string{"turn3", "turn7", "## Recent Conversation", "and what about power?"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestHeuristicIntentFamilies(t *testing.T) {
	cases := []struct {
		query string
		want  brain.QueryType
	}{
		{"who wrote the firmware notes?", brain.QueryAuthor},
		{"who works with Sarah Chen?", brain.QueryRelationship},
		{"when was the enclosure redesigned?", brain.QueryTemporal},
		{"show all .xlsx files", brain.QueryMetadataFilter},
		{"which documents reference each other?", brain.QueryCrossReference},
		{"thermal throttling behavior under load", brain.QuerySemantic},
	}
	for _, tc := range cases {
		got := HeuristicIntent(tc.query)
		if got.QueryType != tc.want {
			t.Errorf("HeuristicIntent(%q) = %s, want %s", tc.query, got.QueryType, tc.want)
		}
		if got.Reasoning != "fallback" || got.Confidence != 0.3 {
			t.Errorf("HeuristicIntent(%q) metadata = %+v", tc.query, got)
		}
	}
}

func TestHeuristicSemanticTerms(t *testing.T) {
	got := HeuristicIntent("what is the thermal budget for the enclosure?")
	joined := strings.Join(got.SemanticTerms, " ")
	for _, want := range []string{"thermal", "budget", "enclosure"} {
		if !strings.Contains(joined, want) {
			t.Errorf("semantic terms %v missing %q", got.SemanticTerms, want)
		}
	}
	for _, banned := range []string{"what", "is", "the", "for"} {
		for _, term := range got.SemanticTerms {
			if term == banned {
				t.Errorf("stopword %q survived", banned)
			}
		}
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"prose before {\"a\": {\"b\": 2}} prose after", `{"a": {"b": 2}}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{`{"s": "brace } in string", "n": 1}`, `{"s": "brace } in string", "n": 1}`},
		{"no json here", ""},
		{"{unbalanced", ""},
	}
	for _, tc := range cases {
		if got := ExtractJSON(tc.in); got != tc.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeJSON(t *testing.T) {
	in := `{'ok': True, 'missing': None, 'list': [1, 2,]}`
	want := `{"ok": true, "missing": null, "list": [1, 2]}`
	if got := NormalizeJSON(in); got != want {
		t.Errorf("NormalizeJSON = %q, want %q", got, want)
	}

	// Mixed quoting is left alone.
	mixed := `{"a": 'b'}`
	if got := NormalizeJSON(mixed); got != mixed {
		t.Errorf("mixed quoting rewritten: %q", got)
	}
}
