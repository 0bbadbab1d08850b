// Package synth turns merged brain results into final answers, and pulls
// narrative structure (decisions, meetings, features, eras, collaborations)
// out of documents at ingestion time. Answers are grounded: every claim must
// trace to a supplied result, and when the model is unreachable a templated
// summary of the raw results stands in.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nancy/internal/brain"
	"nancy/internal/intent"
	"nancy/internal/llm"
	"nancy/internal/logging"
)

const synthesisSystem = `You answer questions from a private knowledge base. You are given the question and a set of retrieved results, each tagged with its source.

Rules:
- Use ONLY the supplied results. Never invent facts, names, dates, or documents.
- Cite sources inline by filename or author where a result supports a claim.
- If the results do not answer the question, say so plainly.
- Be concise and direct.`

// maxResultChars bounds how much of a single result is quoted into the prompt.
const maxResultChars = 1200

// Synthesizer produces grounded answers from brain results.
type Synthesizer struct {
	client llm.Client
}

// NewSynthesizer creates a synthesizer backed by the given model client.
func NewSynthesizer(client llm.Client) *Synthesizer {
	return &Synthesizer{client: client}
}

// Synthesize fuses results into an answer to query. A model failure degrades
// to a templated summary rather than an error; the query path stays usable
// when the linguistic brain is down.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, results []brain.Result, queryIntent brain.QueryIntent) (string, error) {
	timer := logging.StartTimer(logging.CategorySynth, "Synthesize")
	defer timer.StopWithThreshold(10 * time.Second)

	if len(results) == 0 {
		return "No relevant information was found in the knowledge base for this question.", nil
	}

	prompt := buildSynthesisPrompt(query, results, queryIntent)

	answer, err := s.client.CompleteWithSystem(ctx, synthesisSystem, prompt)
	if err != nil {
		logging.Get(logging.CategorySynth).Warn("Model unavailable, templated fallback: %v", err)
		return fallbackAnswer(query, results), nil
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fallbackAnswer(query, results), nil
	}
	return answer, nil
}

func buildSynthesisPrompt(query string, results []brain.Result, queryIntent brain.QueryIntent) string {
	var b strings.Builder

	b.WriteString("## Question\n")
	b.WriteString(query)
	b.WriteString("\n\n")

	if queryIntent.QueryType != "" {
		fmt.Fprintf(&b, "Query type: %s\n\n", queryIntent.QueryType)
	}

	b.WriteString("## Retrieved Results\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] source=%s", i+1, sourceLabel(r))
		if r.Author != "" {
			fmt.Fprintf(&b, " author=%s", r.Author)
		}
		fmt.Fprintf(&b, " brain=%s\n", r.Brain)

		text := r.Text
		if len(text) > maxResultChars {
			text = text[:maxResultChars] + "…"
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	b.WriteString("\n## Answer\n")
	b.WriteString("Answer the question using only the results above, citing sources.")
	return b.String()
}

func sourceLabel(r brain.Result) string {
	if r.Source != "" {
		return r.Source
	}
	if r.DocID != "" {
		return r.DocID
	}
	return string(r.Brain)
}

// fallbackAnswer lists the top results verbatim with their sources. Ugly but
// honest: no model means no paraphrase.
func fallbackAnswer(query string, results []brain.Result) string {
	var b strings.Builder
	b.WriteString("The language model is currently unavailable. Top matching results:\n")

	limit := len(results)
	if limit > 5 {
		limit = 5
	}
	for _, r := range results[:limit] {
		text := strings.TrimSpace(r.Text)
		if len(text) > 300 {
			text = text[:300] + "…"
		}
		fmt.Fprintf(&b, "\n- [%s] %s", sourceLabel(r), text)
	}
	return b.String()
}

// =============================================================================
// STORY EXTRACTION
// =============================================================================

const storySystem = `You extract narrative structure from project documents. Respond with a single JSON object and nothing else.

Schema:
{
  "decisions": [{"name", "maker", "context", "era", "affects": [..], "documents": [..]}],
  "meetings": [{"name", "attendees": [..], "topics": [..]}],
  "features": [{"name", "owner", "era"}],
  "eras": [{"name", "span"}],
  "collaborations": [{"person_a", "person_b", "topic"}]
}

Only extract what the text explicitly states. Empty arrays are fine. Output only the JSON object.`

// maxStoryChars bounds how much document text goes into a single extraction
// call. Longer documents are truncated; chunk-level ingestion already covers
// the tail for retrieval.
const maxStoryChars = 24000

// ExtractStory pulls story elements out of document text. Malformed model
// output goes through the same JSON repair used for intent analysis; when
// nothing can be recovered the result is empty, never an error about syntax.
func (s *Synthesizer) ExtractStory(ctx context.Context, text, docName string) (brain.StoryElements, error) {
	timer := logging.StartTimer(logging.CategorySynth, "ExtractStory")
	defer timer.StopWithThreshold(15 * time.Second)

	if strings.TrimSpace(text) == "" {
		return brain.StoryElements{}, nil
	}
	if len(text) > maxStoryChars {
		text = text[:maxStoryChars]
	}

	prompt := fmt.Sprintf("## Document: %s\n\n%s", docName, text)

	raw, err := s.client.CompleteWithSystem(ctx, storySystem, prompt)
	if err != nil {
		return brain.StoryElements{}, fmt.Errorf("story extraction for %s: %w", docName, err)
	}

	elements, ok := parseStory(raw)
	if !ok {
		logging.Get(logging.CategorySynth).Warn("Unrepairable story output for %s", docName)
		return brain.StoryElements{}, nil
	}
	logging.Get(logging.CategorySynth).Debug("Story for %s: %d decisions, %d meetings, %d collaborations",
		docName, len(elements.Decisions), len(elements.Meetings), len(elements.Collaborations))
	return elements, nil
}

func parseStory(raw string) (brain.StoryElements, bool) {
	candidates := []string{
		strings.TrimSpace(raw),
		intent.ExtractJSON(raw),
		intent.NormalizeJSON(intent.ExtractJSON(raw)),
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		var elements brain.StoryElements
		if err := json.Unmarshal([]byte(c), &elements); err == nil {
			return elements, true
		}
	}
	return brain.StoryElements{}, false
}
