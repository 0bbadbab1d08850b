package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nancy/internal/brain"
)

// queryVector runs semantic recall. The search text prefers the analyzer's
// extracted terms over the raw query; metadata filters narrow the scan.
func (r *Router) queryVector(ctx context.Context, query string, intent brain.QueryIntent) ([]brain.Result, error) {
	if r.vector == nil {
		return nil, nil
	}

	text := query
	if len(intent.SemanticTerms) > 0 {
		text = strings.Join(intent.SemanticTerms, " ")
	}

	var filter map[string]interface{}
	if len(intent.MetadataFilters) > 0 {
		filter = make(map[string]interface{}, len(intent.MetadataFilters))
		for k, v := range intent.MetadataFilters {
			filter[k] = v
		}
	}

	matches, err := r.vector.Query(ctx, text, r.opts.TopK, filter)
	if err != nil {
		return nil, err
	}

	results := make([]brain.Result, 0, len(matches))
	for _, m := range matches {
		res := brain.Result{
			Brain:    brain.KindVector,
			Text:     m.Text,
			DocID:    m.DocID,
			Distance: m.Distance,
			Metadata: m.Metadata,
		}
		if m.Metadata != nil {
			if v, ok := m.Metadata["title"].(string); ok {
				res.Source = v
			}
			if v, ok := m.Metadata["author"].(string); ok {
				res.Author = v
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// queryAnalytical translates intent constraints into a document filter.
func (r *Router) queryAnalytical(ctx context.Context, intent brain.QueryIntent) ([]brain.Result, error) {
	if r.analytical == nil {
		return nil, nil
	}

	filter := brain.DocumentFilter{Limit: r.opts.TopK}
	for k, v := range intent.MetadataFilters {
		switch strings.ToLower(k) {
		case "file_type", "filetype", "type", "extension":
			filter.FileTypes = append(filter.FileTypes, strings.TrimPrefix(strings.ToLower(v), "."))
		case "filename", "name":
			filter.FilenameSubstring = v
		}
	}
	if !intent.TimeConstraints.IsZero() {
		filter.IngestedAfter = intent.TimeConstraints.Start
		filter.IngestedBefore = intent.TimeConstraints.End
		if filter.IngestedAfter.IsZero() && filter.IngestedBefore.IsZero() {
			filter.IngestedAfter = relativeStart(intent.TimeConstraints.Relative)
		}
	}

	records, err := r.analytical.QueryDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}

	results := make([]brain.Result, 0, len(records))
	for _, rec := range records {
		res := brain.Result{
			Brain:  brain.KindAnalytical,
			Text:   renderDocument(rec),
			DocID:  rec.DocID,
			Source: rec.Filename,
		}
		if rec.Metadata != nil {
			if v, ok := rec.Metadata["author"].(string); ok {
				res.Author = v
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// relativeStart turns a coarse relative phrase into an absolute lower bound.
// Unknown phrases yield the zero time, meaning no constraint.
func relativeStart(relative string) time.Time {
	now := time.Now()
	switch {
	case strings.Contains(relative, "day"), strings.Contains(relative, "today"), strings.Contains(relative, "yesterday"):
		return now.AddDate(0, 0, -1)
	case strings.Contains(relative, "week"):
		return now.AddDate(0, 0, -7)
	case strings.Contains(relative, "month"):
		return now.AddDate(0, -1, 0)
	case strings.Contains(relative, "quarter"):
		return now.AddDate(0, -3, 0)
	case strings.Contains(relative, "year"):
		return now.AddDate(-1, 0, 0)
	default:
		return time.Time{}
	}
}

func renderDocument(rec brain.DocumentRecord) string {
	parts := []string{rec.Filename}
	if rec.FileType != "" {
		parts = append(parts, rec.FileType)
	}
	if rec.Size > 0 {
		parts = append(parts, fmt.Sprintf("%d bytes", rec.Size))
	}
	if !rec.IngestedAt.IsZero() {
		parts = append(parts, "ingested "+rec.IngestedAt.Format("2006-01-02"))
	}
	if rec.Metadata != nil {
		if author, ok := rec.Metadata["author"].(string); ok && author != "" {
			parts = append(parts, "author "+author)
		}
		if title, ok := rec.Metadata["title"].(string); ok && title != "" {
			parts = append(parts, "title "+title)
		}
	}
	return "Document: " + strings.Join(parts, ", ")
}

// queryGraph answers structural questions with the specialized reads.
func (r *Router) queryGraph(ctx context.Context, query string, intent brain.QueryIntent) ([]brain.Result, error) {
	if r.graph == nil {
		return nil, nil
	}

	subjects := intent.RelationshipTargets
	if len(subjects) == 0 {
		subjects = intent.Entities
	}

	var results []brain.Result
	switch intent.QueryType {
	case brain.QueryAuthor:
		for _, person := range subjects {
			docs, err := r.graph.AuthoredDocuments(ctx, person)
			if err != nil {
				return nil, err
			}
			for _, doc := range docs {
				results = append(results, brain.Result{
					Brain:  brain.KindGraph,
					Text:   fmt.Sprintf("%s authored %s", person, doc),
					Source: doc,
					Author: person,
				})
			}
		}

	case brain.QueryCrossReference:
		edges, err := r.graph.CrossReferences(ctx)
		if err != nil {
			return nil, err
		}
		results = append(results, edgesToResults(edges)...)

	case brain.QueryRelationship:
		for _, person := range subjects {
			edges, err := r.graph.Collaborations(ctx, person)
			if err != nil {
				return nil, err
			}
			results = append(results, edgesToResults(edges)...)
		}
		results = append(results, r.expandNeighbors(ctx, subjects)...)

	default:
		for _, subject := range subjects {
			edges, err := r.graph.ExpertiseFor(ctx, subject)
			if err != nil {
				return nil, err
			}
			results = append(results, edgesToResults(edges)...)
		}
		results = append(results, r.expandNeighbors(ctx, subjects)...)
	}

	return results, nil
}

// expandNeighbors adds bounded traversals around each subject. Traversal
// errors are ignored; the specialized reads above already carried the core
// answer.
func (r *Router) expandNeighbors(ctx context.Context, subjects []string) []brain.Result {
	var results []brain.Result
	for _, subject := range subjects {
		for _, label := range []string{brain.NodePerson, brain.NodeConcept, brain.NodeFeature} {
			paths, err := r.graph.Neighbors(ctx, brain.NodeRef{Label: label, Name: subject}, brain.EdgeFilter{}, 2)
			if err != nil {
				continue
			}
			results = append(results, pathsToResults(paths)...)
		}
	}
	return results
}

func edgesToResults(edges []brain.Edge) []brain.Result {
	results := make([]brain.Result, 0, len(edges))
	for _, e := range edges {
		results = append(results, brain.Result{
			Brain: brain.KindGraph,
			Text:  renderEdge(e),
		})
	}
	return results
}

func pathsToResults(paths []brain.Path) []brain.Result {
	var results []brain.Result
	for _, p := range paths {
		if len(p.Edges) == 0 {
			continue
		}
		var steps []string
		for _, e := range p.Edges {
			steps = append(steps, renderEdge(e))
		}
		results = append(results, brain.Result{
			Brain: brain.KindGraph,
			Text:  strings.Join(steps, "; "),
		})
	}
	return results
}

func renderEdge(e brain.Edge) string {
	verb := strings.ToLower(strings.ReplaceAll(e.Type, "_", " "))
	return fmt.Sprintf("%s %s %s", e.Source.Name, verb, e.Target.Name)
}
