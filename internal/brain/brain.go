// Package brain defines the four backend contracts Nancy orchestrates:
// a vector store for semantic recall, an analytical store for structured
// metadata and tabular data, a graph store for entities and relationships,
// and a linguistic model for intent analysis and synthesis.
//
// The package is deliberately dependency-free: adapters live elsewhere and
// are injected by configuration.
package brain

import (
	"context"
	"time"

	"nancy/internal/packet"
)

// Kind identifies one of the four brains.
type Kind string

const (
	KindVector     Kind = "vector"
	KindAnalytical Kind = "analytical"
	KindGraph      Kind = "graph"
	KindLinguistic Kind = "linguistic"
)

// Health reports the availability of a brain backend.
type Health struct {
	OK      bool          `json:"ok"`
	Details string        `json:"details,omitempty"`
	Latency time.Duration `json:"latency"`
}

// =============================================================================
// VECTOR BRAIN
// =============================================================================

// VectorMatch is a single vector search hit. Distance is ascending-better;
// ties are broken by ChunkID.
type VectorMatch struct {
	ChunkID  string                 `json:"chunk_id"`
	DocID    string                 `json:"doc_id"`
	Text     string                 `json:"text"`
	Distance float64                `json:"distance"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// VectorStore stores and searches embedded text chunks.
type VectorStore interface {
	// Upsert replaces all chunks for docID. Idempotent on chunk IDs; a
	// re-ingest of the same document swaps its chunks wholesale.
	Upsert(ctx context.Context, docID string, chunks []packet.Chunk, metadata map[string]interface{}) error

	// Query returns the k nearest chunks to text, optionally restricted by a
	// metadata filter. Results are sorted by distance ascending, then ChunkID.
	Query(ctx context.Context, text string, k int, filter map[string]interface{}) ([]VectorMatch, error)

	// DeleteDocument removes every chunk belonging to docID.
	DeleteDocument(ctx context.Context, docID string) error

	Health(ctx context.Context) Health
}

// =============================================================================
// ANALYTICAL BRAIN
// =============================================================================

// DocumentRecord is one row of the documents table.
type DocumentRecord struct {
	DocID      string                 `json:"doc_id"`
	Filename   string                 `json:"filename"`
	Size       int64                  `json:"size"`
	FileType   string                 `json:"file_type"`
	IngestedAt time.Time              `json:"ingested_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// DocumentFilter narrows QueryDocuments. Zero values mean "no constraint".
type DocumentFilter struct {
	FileTypes         []string
	FilenameSubstring string
	MinSize           int64
	MaxSize           int64
	IngestedAfter     time.Time
	IngestedBefore    time.Time
	Limit             int
}

// FileState is one row of the file_state table used for change detection.
type FileState struct {
	Path             string    `json:"path"`
	ContentHash      string    `json:"content_hash"`
	LastModified     time.Time `json:"last_modified"`
	Size             int64     `json:"size"`
	ProcessingStatus string    `json:"processing_status"` // pending, completed, error, deleted
	DocID            string    `json:"doc_id,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	Root             string    `json:"root"`
	RelativePath     string    `json:"relative_path"`
}

// Processing status values for FileState.
const (
	FileStatePending   = "pending"
	FileStateCompleted = "completed"
	FileStateError     = "error"
	FileStateDeleted   = "deleted"
)

// AnalyticalStore persists structured document metadata and tabular data.
type AnalyticalStore interface {
	// UpsertDocumentMetadata is idempotent: a duplicate doc_id is a no-op.
	UpsertDocumentMetadata(ctx context.Context, docID, filename string, size int64, fileType string, metadata map[string]interface{}) error

	// RegisterTable stores a named table extracted from a document. Column
	// names are normalized to identifier-safe form.
	RegisterTable(ctx context.Context, docID, tableName string, columns []string, rows [][]interface{}) error

	// QueryDocuments returns document rows matching the filter.
	QueryDocuments(ctx context.Context, filter DocumentFilter) ([]DocumentRecord, error)

	// QuerySQL is the ad-hoc analytics escape hatch. Internal use only; the
	// query path never forwards raw user SQL here.
	QuerySQL(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error)

	// UpsertFileState records the observed state of a file and reports whether
	// it changed since the last completed processing.
	UpsertFileState(ctx context.Context, state FileState) (changed bool, err error)

	// MarkFileProcessed transitions a file_state row after ingestion.
	MarkFileProcessed(ctx context.Context, path, docID, status, errorMessage string) error

	Health(ctx context.Context) Health
}

// =============================================================================
// GRAPH BRAIN
// =============================================================================

// NodeRef identifies a node by label and name.
type NodeRef struct {
	Label string `json:"label"`
	Name  string `json:"name"`
}

// Edge is a typed relationship between two nodes.
type Edge struct {
	Source     NodeRef                `json:"source"`
	Type       string                 `json:"type"`
	Target     NodeRef                `json:"target"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Path is an ordered chain of edges from a traversal.
type Path struct {
	Edges []Edge `json:"edges"`
}

// EdgeFilter restricts traversal to the named edge types; empty means all.
type EdgeFilter struct {
	Types []string
}

// GraphStore persists the foundational schema and answers relationship reads.
type GraphStore interface {
	// UpsertNode has MERGE semantics on (label, name); properties are
	// overwritten by the last write.
	UpsertNode(ctx context.Context, label, name string, properties map[string]interface{}) error

	// UpsertEdge has MERGE semantics on (source, type, target).
	UpsertEdge(ctx context.Context, source NodeRef, edgeType string, target NodeRef, properties map[string]interface{}) error

	// Neighbors expands from a node up to depth hops. Depth is clamped by the
	// adapter's configured max_relationship_depth; the foundational schema
	// contains cycles, so traversal must be bounded.
	Neighbors(ctx context.Context, ref NodeRef, filter EdgeFilter, depth int) ([]Path, error)

	// Specialized reads over the foundational schema.
	AuthoredDocuments(ctx context.Context, person string) ([]string, error)
	ExpertiseFor(ctx context.Context, topicOrPerson string) ([]Edge, error)
	DecisionProvenance(ctx context.Context, topic string) ([]Path, error)
	Collaborations(ctx context.Context, person string) ([]Edge, error)
	CrossReferences(ctx context.Context) ([]Edge, error)

	Health(ctx context.Context) Health
}

// =============================================================================
// LINGUISTIC BRAIN
// =============================================================================

// StoryElements is the ingestion-time narrative extraction result.
type StoryElements struct {
	Decisions      []StoryDecision      `json:"decisions"`
	Meetings       []StoryMeeting       `json:"meetings"`
	Features       []StoryFeature       `json:"features"`
	Eras           []StoryEra           `json:"eras"`
	Collaborations []StoryCollaboration `json:"collaborations"`
}

// StoryDecision captures a decision and its stated context.
type StoryDecision struct {
	Name      string   `json:"name"`
	Maker     string   `json:"maker,omitempty"`
	Context   string   `json:"context,omitempty"`
	Era       string   `json:"era,omitempty"`
	Affects   []string `json:"affects,omitempty"`
	Documents []string `json:"documents,omitempty"`
}

// StoryMeeting captures a meeting reference.
type StoryMeeting struct {
	Name      string   `json:"name"`
	Attendees []string `json:"attendees,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// StoryFeature captures a feature and its owner.
type StoryFeature struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
	Era   string `json:"era,omitempty"`
}

// StoryEra captures a project era or phase.
type StoryEra struct {
	Name string `json:"name"`
	Span string `json:"span,omitempty"`
}

// StoryCollaboration captures a pairwise working relationship.
type StoryCollaboration struct {
	PersonA string `json:"person_a"`
	PersonB string `json:"person_b"`
	Topic   string `json:"topic,omitempty"`
}

// LinguisticModel is the inference brain.
type LinguisticModel interface {
	// AnalyzeIntent classifies a query. It must return a usable intent even
	// when the model emits malformed output; see internal/intent for the
	// repair pipeline that guarantees this.
	AnalyzeIntent(ctx context.Context, query string, history []string) (QueryIntent, error)

	// Synthesize fuses brain results into a final answer grounded in them.
	Synthesize(ctx context.Context, query string, results []Result, intent QueryIntent) (string, error)

	// ExtractStory pulls decisions, meetings, features, eras, and
	// collaborations out of document text at ingestion time.
	ExtractStory(ctx context.Context, text, docName string) (StoryElements, error)

	Health(ctx context.Context) Health
}

// =============================================================================
// QUERY INTENT
// =============================================================================

// QueryType classifies a natural-language query.
type QueryType string

const (
	QuerySemantic       QueryType = "semantic"
	QueryAuthor         QueryType = "author_attribution"
	QueryMetadataFilter QueryType = "metadata_filter"
	QueryRelationship   QueryType = "relationship_discovery"
	QueryTemporal       QueryType = "temporal_analysis"
	QueryCrossReference QueryType = "cross_reference"
	QueryHybridComplex  QueryType = "hybrid_complex"
)

// ValidQueryTypes lists every recognized query type.
var ValidQueryTypes = []QueryType{
	QuerySemantic, QueryAuthor, QueryMetadataFilter, QueryRelationship,
	QueryTemporal, QueryCrossReference, QueryHybridComplex,
}

// TimeRange is an optional temporal constraint on a query.
type TimeRange struct {
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
	Relative string    `json:"relative,omitempty"` // e.g. "last month"
}

// IsZero reports whether no temporal constraint is present.
func (t TimeRange) IsZero() bool {
	return t.Start.IsZero() && t.End.IsZero() && t.Relative == ""
}

// QueryIntent is the structured classification of a natural-language query.
type QueryIntent struct {
	QueryType           QueryType         `json:"query_type"`
	SemanticTerms       []string          `json:"semantic_terms,omitempty"`
	Entities            []string          `json:"entities,omitempty"`
	TimeConstraints     TimeRange         `json:"time_constraints,omitempty"`
	MetadataFilters     map[string]string `json:"metadata_filters,omitempty"`
	RelationshipTargets []string          `json:"relationship_targets,omitempty"`
	Confidence          float64           `json:"confidence"`
	Reasoning           string            `json:"reasoning,omitempty"`
}

// =============================================================================
// QUERY RESULTS
// =============================================================================

// Result is one merged query result. Exact-match brains (analytical, graph)
// report Distance 0; vector hits carry their real distance.
type Result struct {
	Brain    Kind                   `json:"brain"`
	Text     string                 `json:"text"`
	DocID    string                 `json:"doc_id,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Author   string                 `json:"author,omitempty"`
	Distance float64                `json:"distance"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
