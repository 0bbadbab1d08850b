// Package intent classifies natural-language queries into structured intents
// that the router can plan against. The analyzer is deliberately paranoid
// about model output: a malformed response goes through progressive JSON
// repair, one re-prompt, and finally a keyword heuristic, so AnalyzeIntent
// always produces a usable intent.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nancy/internal/brain"
	"nancy/internal/llm"
	"nancy/internal/logging"
)

const systemPrompt = `You classify knowledge-base queries. Respond with a single JSON object and nothing else.

Schema:
{
  "query_type": one of "semantic", "author_attribution", "metadata_filter", "relationship_discovery", "temporal_analysis", "cross_reference", "hybrid_complex",
  "semantic_terms": [strings worth searching for by meaning],
  "entities": [people, documents, features, concepts named in the query],
  "time_constraints": {"relative": "e.g. last month", "start": RFC3339 or omit, "end": RFC3339 or omit},
  "metadata_filters": {"field": "value"} for constraints like file type or filename,
  "relationship_targets": [entities whose connections are being asked about],
  "confidence": 0.0 to 1.0,
  "reasoning": one short sentence
}

Guidance:
- "who wrote/authored X" is author_attribution.
- "how is A connected to B", "who works with X" is relationship_discovery.
- "when", "latest", "recent", "before/after <date>" is temporal_analysis.
- "which documents reference each other" is cross_reference.
- constraints on file type, size, or filename are metadata_filter.
- questions needing both meaning search and structure are hybrid_complex.
- everything else is semantic.

Omit empty fields. Output only the JSON object.`

// historyTurns bounds how much conversation context rides along with the
// classification prompt.
const historyTurns = 5

// Analyzer turns queries into structured intents using a linguistic model.
type Analyzer struct {
	client    llm.Client
	reprompts bool
}

// NewAnalyzer creates an intent analyzer backed by the given model client.
func NewAnalyzer(client llm.Client) *Analyzer {
	return &Analyzer{client: client, reprompts: true}
}

// AnalyzeIntent classifies query. The returned intent is always usable; when
// the model is unreachable or its output cannot be repaired, the heuristic
// classifier supplies a low-confidence intent with reasoning "fallback".
func (a *Analyzer) AnalyzeIntent(ctx context.Context, query string, history []string) (brain.QueryIntent, error) {
	timer := logging.StartTimer(logging.CategoryIntent, "AnalyzeIntent")
	defer timer.StopWithThreshold(5 * time.Second)

	prompt := buildPrompt(query, history)

	raw, err := a.client.CompleteWithSystem(ctx, systemPrompt, prompt)
	if err != nil {
		logging.Get(logging.CategoryIntent).Warn("Model call failed, using heuristic: %v", err)
		return HeuristicIntent(query), nil
	}

	if intent, ok := a.parseIntent(raw); ok {
		logging.Get(logging.CategoryIntent).Debug("Classified %q as %s (confidence %.2f)",
			query, intent.QueryType, intent.Confidence)
		return intent, nil
	}

	// One re-prompt carrying the malformed output, then give up on the model.
	if a.reprompts && ctx.Err() == nil {
		logging.Get(logging.CategoryIntent).Warn("Malformed intent output, re-prompting")
		retryPrompt := fmt.Sprintf("Your previous response was not valid JSON:\n\n%s\n\nRespond again with ONLY the JSON object, no prose, no code fences.", raw)
		retry, err := a.client.CompleteWithSystem(ctx, systemPrompt, prompt+"\n\n"+retryPrompt)
		if err == nil {
			if intent, ok := a.parseIntent(retry); ok {
				return intent, nil
			}
		}
	}

	logging.Get(logging.CategoryIntent).Warn("Intent repair exhausted for %q, using heuristic", query)
	return HeuristicIntent(query), nil
}

// parseIntent attempts direct parse then progressive repairs.
func (a *Analyzer) parseIntent(raw string) (brain.QueryIntent, bool) {
	candidates := []string{
		strings.TrimSpace(raw),
		ExtractJSON(raw),
		NormalizeJSON(ExtractJSON(raw)),
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		var intent brain.QueryIntent
		if err := json.Unmarshal([]byte(c), &intent); err != nil {
			continue
		}
		if !validateIntent(&intent) {
			continue
		}
		return intent, true
	}
	return brain.QueryIntent{}, false
}

// validateIntent normalizes a parsed intent in place and reports whether it
// is usable. An unrecognized query_type is rejected rather than guessed at.
func validateIntent(intent *brain.QueryIntent) bool {
	if intent.QueryType == "" {
		return false
	}
	known := false
	for _, t := range brain.ValidQueryTypes {
		if intent.QueryType == t {
			known = true
			break
		}
	}
	if !known {
		return false
	}
	if intent.Confidence < 0 {
		intent.Confidence = 0
	}
	if intent.Confidence > 1 {
		intent.Confidence = 1
	}
	return true
}

func buildPrompt(query string, history []string) string {
	var b strings.Builder

	if len(history) > 0 {
		start := len(history) - historyTurns
		if start < 0 {
			start = 0
		}
		b.WriteString("## Recent Conversation\n")
		for _, turn := range history[start:] {
			b.WriteString(turn)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Query\n")
	b.WriteString(query)
	return b.String()
}
