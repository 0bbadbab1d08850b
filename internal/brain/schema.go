package brain

// Foundational graph schema. Implementations may extend these sets but must
// preserve the canonical labels for interoperability.

// Node labels.
const (
	NodePerson           = "Person"
	NodeDocument         = "Document"
	NodeDecision         = "Decision"
	NodeFeature          = "Feature"
	NodeConcept          = "Concept"
	NodeMeeting          = "Meeting"
	NodeEra              = "Era"
	NodeTechnicalConcept = "TechnicalConcept"
	NodeDecisionTarget   = "DecisionTarget"
)

// Edge types.
const (
	EdgeAuthored         = "AUTHORED"
	EdgeMentionedIn      = "MENTIONED_IN"
	EdgeReferences       = "REFERENCES"
	EdgeDiscusses        = "DISCUSSES"
	EdgeDecisionMade     = "DECISION_MADE"
	EdgeInfluencedBy     = "INFLUENCED_BY"
	EdgeLedTo            = "LED_TO"
	EdgeResultedIn       = "RESULTED_IN"
	EdgeCreatedIn        = "CREATED_IN"
	EdgeAffects          = "AFFECTS"
	EdgeInfluences       = "INFLUENCES"
	EdgeConstrains       = "CONSTRAINS"
	EdgeDependsOn        = "DEPENDS_ON"
	EdgeCollaboratesWith = "COLLABORATES_WITH"
	EdgeRequires         = "REQUIRES"
	EdgeAttended         = "ATTENDED"
)

// FoundationalNodeLabels is the canonical node label set.
var FoundationalNodeLabels = []string{
	NodePerson, NodeDocument, NodeDecision, NodeFeature, NodeConcept,
	NodeMeeting, NodeEra, NodeTechnicalConcept, NodeDecisionTarget,
}

// FoundationalEdgeTypes is the canonical edge type set.
var FoundationalEdgeTypes = []string{
	EdgeAuthored, EdgeMentionedIn, EdgeReferences, EdgeDiscusses,
	EdgeDecisionMade, EdgeInfluencedBy, EdgeLedTo, EdgeResultedIn,
	EdgeCreatedIn, EdgeAffects, EdgeInfluences, EdgeConstrains,
	EdgeDependsOn, EdgeCollaboratesWith, EdgeRequires, EdgeAttended,
}
