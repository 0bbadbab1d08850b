package router

import (
	"context"
	"strings"

	"nancy/internal/brain"
	"nancy/internal/logging"
)

// executeMultiStep runs the escalation path: semantic recall anchors the
// context, graph expansion follows the entities it surfaced, and both
// artifact sets go to the synthesizer under a combined-analysis framing.
func (r *Router) executeMultiStep(ctx context.Context, query string, intent brain.QueryIntent, answer *Answer) {
	logging.Get(logging.CategoryRouter).Info("Multi-step escalation for %q", query)
	multiStepQueries.Inc()

	// Step 1: vector anchor.
	anchorCtx, cancel := context.WithTimeout(ctx, r.opts.BrainTimeout)
	anchors, err := r.queryVector(anchorCtx, query, intent)
	cancel()
	if err != nil {
		logging.Get(logging.CategoryRouter).Warn("Anchor recall failed: %v", err)
		answer.Failed = append(answer.Failed, brain.KindVector)
	}

	// Step 2: graph expansion around the mentioned entities, with the read
	// family chosen by what the query is asking about.
	subjects := append([]string{}, intent.Entities...)
	subjects = append(subjects, intent.RelationshipTargets...)

	var expansion []brain.Result
	if len(subjects) > 0 && r.graph != nil {
		graphCtx, cancel := context.WithTimeout(ctx, r.opts.BrainTimeout)
		expansion = r.expandForQuery(graphCtx, query, subjects)
		cancel()
	}

	answer.Results = Merge(append(anchors, expansion...), r.opts.TopK)

	if ctx.Err() != nil {
		return
	}

	// Step 3: combined synthesis over both artifact sets.
	framed := "Combined analysis (semantic content plus relationship structure): " + query
	text, err := r.linguistic.Synthesize(ctx, framed, answer.Results, intent)
	if err != nil {
		logging.Get(logging.CategoryRouter).Warn("Combined synthesis failed: %v", err)
		text = renderRaw(answer.Results)
	}
	answer.Text = text
}

// Keyword families selecting the graph read for an expansion step.
var expansionFamilies = []struct {
	keywords []string
	expand   func(r *Router, ctx context.Context, subject string) []brain.Result
}{
	{
		keywords: []string{"decision", "decided", "why", "chose", "rationale", "provenance"},
		expand: func(r *Router, ctx context.Context, subject string) []brain.Result {
			paths, err := r.graph.DecisionProvenance(ctx, subject)
			if err != nil {
				return nil
			}
			return pathsToResults(paths)
		},
	},
	{
		keywords: []string{"collaborat", "works with", "worked with", "together", "team"},
		expand: func(r *Router, ctx context.Context, subject string) []brain.Result {
			edges, err := r.graph.Collaborations(ctx, subject)
			if err != nil {
				return nil
			}
			return edgesToResults(edges)
		},
	},
	{
		keywords: []string{"expert", "knows about", "knowledge", "discusses", "specialist"},
		expand: func(r *Router, ctx context.Context, subject string) []brain.Result {
			edges, err := r.graph.ExpertiseFor(ctx, subject)
			if err != nil {
				return nil
			}
			return edgesToResults(edges)
		},
	},
	{
		keywords: []string{"reference", "references", "cites", "cross-reference"},
		expand: func(r *Router, ctx context.Context, subject string) []brain.Result {
			edges, err := r.graph.CrossReferences(ctx)
			if err != nil {
				return nil
			}
			return edgesToResults(edges)
		},
	},
}

// expandForQuery picks the expansion family by keyword match; queries
// matching no family get a bounded neighbor traversal.
func (r *Router) expandForQuery(ctx context.Context, query string, subjects []string) []brain.Result {
	lowered := strings.ToLower(query)

	for _, family := range expansionFamilies {
		for _, kw := range family.keywords {
			if strings.Contains(lowered, kw) {
				var results []brain.Result
				for _, subject := range subjects {
					results = append(results, family.expand(r, ctx, subject)...)
				}
				return results
			}
		}
	}
	return r.expandNeighbors(ctx, subjects)
}
