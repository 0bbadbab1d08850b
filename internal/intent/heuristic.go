package intent

import (
	"strings"

	"nancy/internal/brain"
)

// Keyword families for the heuristic classifier. Order matters: the first
// matching family wins.
var heuristicRules = []struct {
	queryType brain.QueryType
	keywords  []string
}{
	{brain.QueryAuthor, []string{"who wrote", "who authored", "author of", "written by", "whose document"}},
	{brain.QueryRelationship, []string{"relationship", "related to", "connected", "collaborat", "works with", "worked with", "who knows"}},
	{brain.QueryCrossReference, []string{"reference each other", "cross-reference", "cross reference", "cites", "citing"}},
	{brain.QueryTemporal, []string{"when", "latest", "recent", "last month", "last week", "last year", "before", "after", "timeline", "history of"}},
	{brain.QueryMetadataFilter, []string{"file type", "filetype", ".pdf", ".xlsx", ".docx", "larger than", "smaller than", "named", "filename"}},
}

// HeuristicIntent classifies a query with keyword rules alone. It is the
// terminal fallback when the linguistic model is unavailable or its output
// cannot be repaired, so confidence is deliberately low.
func HeuristicIntent(query string) brain.QueryIntent {
	lowered := strings.ToLower(query)

	queryType := brain.QuerySemantic
	for _, rule := range heuristicRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				queryType = rule.queryType
				break
			}
		}
		if queryType != brain.QuerySemantic {
			break
		}
	}

	return brain.QueryIntent{
		QueryType:     queryType,
		SemanticTerms: significantTerms(lowered),
		Confidence:    0.3,
		Reasoning:     "fallback",
	}
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "did": true, "do": true,
	"does": true, "for": true, "how": true, "in": true, "is": true, "of": true,
	"on": true, "or": true, "the": true, "to": true, "was": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "with": true, "about": true, "me": true, "my": true,
	"show": true, "tell": true, "find": true, "all": true,
}

// significantTerms strips stopwords and punctuation, keeping words that can
// anchor a semantic search.
func significantTerms(lowered string) []string {
	fields := strings.FieldsFunc(lowered, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	})
	var terms []string
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}
