package router

import (
	"nancy/internal/brain"
)

// Plan names the brains a query will fan out to. It is deterministic given
// the intent and the confidence threshold.
type Plan struct {
	Vector     bool
	Analytical bool
	Graph      bool
}

// Brains lists the enabled brains in dispatch order.
func (p Plan) Brains() []brain.Kind {
	var kinds []brain.Kind
	if p.Vector {
		kinds = append(kinds, brain.KindVector)
	}
	if p.Analytical {
		kinds = append(kinds, brain.KindAnalytical)
	}
	if p.Graph {
		kinds = append(kinds, brain.KindGraph)
	}
	return kinds
}

// BuildPlan derives the fan-out set from an intent. Low confidence widens
// recall by forcing the vector brain in; hybrid queries enable everything.
func BuildPlan(intent brain.QueryIntent, confidenceThreshold float64) Plan {
	if intent.QueryType == brain.QueryHybridComplex {
		return Plan{Vector: true, Analytical: true, Graph: true}
	}

	var p Plan

	if len(intent.SemanticTerms) > 0 || intent.Confidence < confidenceThreshold {
		p.Vector = true
	}

	if len(intent.MetadataFilters) > 0 || !intent.TimeConstraints.IsZero() ||
		intent.QueryType == brain.QueryMetadataFilter || intent.QueryType == brain.QueryTemporal {
		p.Analytical = true
	}

	switch intent.QueryType {
	case brain.QueryAuthor, brain.QueryRelationship, brain.QueryCrossReference:
		p.Graph = true
	}
	if len(intent.Entities) > 0 || len(intent.RelationshipTargets) > 0 {
		p.Graph = true
	}

	// A plan that enables nothing retrieves nothing; semantic recall is the
	// floor.
	if !p.Vector && !p.Analytical && !p.Graph {
		p.Vector = true
	}
	return p
}

// multiStep reports whether a query warrants the escalation path: content
// recall anchored first, then graph expansion. Triggered by hybrid queries
// and by intents that mix semantic content with relationship structure.
func multiStep(intent brain.QueryIntent, threshold float64) bool {
	if intent.QueryType == brain.QueryHybridComplex && intent.Confidence >= threshold {
		return true
	}
	return len(intent.SemanticTerms) > 0 && len(intent.RelationshipTargets) > 0 &&
		intent.Confidence >= threshold
}
