// Package packet defines the Knowledge Packet, the typed intermediate form
// produced by extractors and consumed by the brains' storage writers. JSON is
// the canonical on-wire encoding; packets must round-trip losslessly.
package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// CurrentVersion is the packet schema version this build produces and accepts.
// Validators reject packets whose major version differs.
const CurrentVersion = "1.0.0"

// KnowledgePacket carries vector, analytical, and graph fragments plus
// provenance from one extraction.
type KnowledgePacket struct {
	PacketID        string           `json:"packet_id"`
	PacketVersion   string           `json:"packet_version"`
	Timestamp       time.Time        `json:"timestamp"`
	Source          Source           `json:"source"`
	Metadata        Metadata         `json:"metadata"`
	Content         Content          `json:"content"`
	ProcessingHints *ProcessingHints `json:"processing_hints,omitempty"`
	QualityMetrics  *QualityMetrics  `json:"quality_metrics,omitempty"`
}

// Source records where a packet came from and how it was extracted.
type Source struct {
	ExtractorName    string `json:"extractor_name"`
	ExtractorVersion string `json:"extractor_version"`
	OriginalLocation string `json:"original_location"`
	ContentType      string `json:"content_type"`
	ExtractionMethod string `json:"extraction_method"`
}

// Metadata holds document-level descriptive fields.
type Metadata struct {
	Title    string            `json:"title"`
	Author   string            `json:"author"`
	FileSize int64             `json:"file_size,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Content holds the brain-specific fragments. A valid packet populates at
// least one sub-type.
type Content struct {
	VectorData     *VectorData     `json:"vector_data,omitempty"`
	AnalyticalData *AnalyticalData `json:"analytical_data,omitempty"`
	GraphData      *GraphData      `json:"graph_data,omitempty"`
}

// Chunk is one ordered unit of text destined for the vector brain.
type Chunk struct {
	ChunkID       string            `json:"chunk_id"`
	Text          string            `json:"text"`
	ChunkMetadata map[string]string `json:"chunk_metadata,omitempty"`
}

// VectorData is the vector-brain fragment.
type VectorData struct {
	Chunks         []Chunk `json:"chunks"`
	EmbeddingModel string  `json:"embedding_model"`
	ChunkStrategy  string  `json:"chunk_strategy"`
}

// Table is a named table with rows, as extracted from a spreadsheet or a
// tabular section of a document.
type Table struct {
	Name    string          `json:"name"`
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// TimeSeriesPoint is one (timestamp, value) observation.
type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// TimeSeries is a named ordered series.
type TimeSeries struct {
	Name   string            `json:"name"`
	Points []TimeSeriesPoint `json:"points"`
}

// AnalyticalData is the analytical-brain fragment.
type AnalyticalData struct {
	StructuredFields map[string]interface{} `json:"structured_fields,omitempty"`
	TableData        []Table                `json:"table_data,omitempty"`
	TimeSeries       []TimeSeries           `json:"time_series,omitempty"`
	Statistics       map[string]float64     `json:"statistics,omitempty"`
}

// Entity is a typed named entity with extraction confidence.
type Entity struct {
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Confidence float64                `json:"confidence"`
}

// EntityRef identifies an entity by type and name.
type EntityRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Relationship is a typed edge between two entities.
type Relationship struct {
	Source       EntityRef              `json:"source"`
	Relationship string                 `json:"relationship"`
	Target       EntityRef              `json:"target"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// GraphData is the graph-brain fragment.
type GraphData struct {
	Entities      []Entity       `json:"entities,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Context       string         `json:"context,omitempty"`
}

// PriorityBrain values for processing hints.
const (
	PriorityVector     = "vector"
	PriorityAnalytical = "analytical"
	PriorityGraph      = "graph"
	PriorityAuto       = "auto"
)

// ProcessingHints let an extractor steer routing.
type ProcessingHints struct {
	PriorityBrain         string  `json:"priority_brain,omitempty"`
	SemanticWeight        float64 `json:"semantic_weight,omitempty"`
	ContentClassification string  `json:"content_classification,omitempty"`
}

// QualityMetrics report extraction confidence.
type QualityMetrics struct {
	ExtractionConfidence float64 `json:"extraction_confidence"`
	ContentCompleteness  float64 `json:"content_completeness"`
}

// HasVectorData reports whether the vector fragment is populated.
func (p *KnowledgePacket) HasVectorData() bool {
	return p.Content.VectorData != nil && len(p.Content.VectorData.Chunks) > 0
}

// HasAnalyticalData reports whether the analytical fragment is populated.
func (p *KnowledgePacket) HasAnalyticalData() bool {
	a := p.Content.AnalyticalData
	if a == nil {
		return false
	}
	return len(a.StructuredFields) > 0 || len(a.TableData) > 0 ||
		len(a.TimeSeries) > 0 || len(a.Statistics) > 0
}

// HasGraphData reports whether the graph fragment is populated.
func (p *KnowledgePacket) HasGraphData() bool {
	g := p.Content.GraphData
	if g == nil {
		return false
	}
	return len(g.Entities) > 0 || len(g.Relationships) > 0
}

// NewPacketID derives a content-addressed packet ID from the source location
// and the extraction timestamp. Stable for a given (location, instant) pair.
func NewPacketID(originalLocation string, extractedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(originalLocation))
	h.Write([]byte{0})
	h.Write([]byte(extractedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// DocumentID identifies a document by the hash of (filename, bytes).
// Re-ingesting identical bytes under the same name yields the same ID.
func DocumentID(filename string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(filename))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ChunkID derives a chunk ID from the document ID and the chunk ordinal.
func ChunkID(docID string, ordinal int) string {
	return fmt.Sprintf("%s:%d", docID, ordinal)
}
