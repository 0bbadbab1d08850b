package packet

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"nancy/internal/logging"
)

// ValidationError reports the offending path and the reason a packet failed
// validation. It is reported to the caller and never retried.
type ValidationError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("packet validation failed at %s: %s", e.Path, e.Reason)
}

func invalid(path, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks version compatibility, required fields, sub-type presence,
// and enum conformance. It returns nil or a *ValidationError; it never panics.
func Validate(p *KnowledgePacket) *ValidationError {
	if p == nil {
		return invalid("", "packet is nil")
	}

	if p.PacketID == "" {
		return invalid("packet_id", "missing required field")
	}
	if p.PacketVersion == "" {
		return invalid("packet_version", "missing required field")
	}
	v, err := semver.StrictNewVersion(p.PacketVersion)
	if err != nil {
		return invalid("packet_version", "malformed version %q: %v", p.PacketVersion, err)
	}
	supported := semver.MustParse(CurrentVersion)
	if v.Major() != supported.Major() {
		return invalid("packet_version", "unsupported major version %d (supported: %d)", v.Major(), supported.Major())
	}

	if p.Timestamp.IsZero() {
		return invalid("timestamp", "missing required field")
	}

	if p.Source.ExtractorName == "" {
		return invalid("source.extractor_name", "missing required field")
	}
	if p.Source.OriginalLocation == "" {
		return invalid("source.original_location", "missing required field")
	}
	if p.Source.ContentType == "" {
		return invalid("source.content_type", "missing required field")
	}

	if !p.HasVectorData() && !p.HasAnalyticalData() && !p.HasGraphData() {
		return invalid("content", "at least one of vector_data, analytical_data, graph_data must be populated")
	}

	if vd := p.Content.VectorData; vd != nil {
		if len(vd.Chunks) == 0 {
			return invalid("content.vector_data.chunks", "present but empty")
		}
		for i, c := range vd.Chunks {
			if c.ChunkID == "" {
				return invalid(fmt.Sprintf("content.vector_data.chunks[%d].chunk_id", i), "missing required field")
			}
			if c.Text == "" {
				return invalid(fmt.Sprintf("content.vector_data.chunks[%d].text", i), "missing required field")
			}
		}
	}

	if gd := p.Content.GraphData; gd != nil {
		for i, e := range gd.Entities {
			if e.Type == "" || e.Name == "" {
				return invalid(fmt.Sprintf("content.graph_data.entities[%d]", i), "type and name are required")
			}
			if e.Confidence < 0 || e.Confidence > 1 {
				return invalid(fmt.Sprintf("content.graph_data.entities[%d].confidence", i), "must be in [0,1], got %v", e.Confidence)
			}
		}
		for i, r := range gd.Relationships {
			if r.Source.Name == "" || r.Target.Name == "" || r.Relationship == "" {
				return invalid(fmt.Sprintf("content.graph_data.relationships[%d]", i), "source, relationship, and target are required")
			}
		}
	}

	if ad := p.Content.AnalyticalData; ad != nil {
		for i, tbl := range ad.TableData {
			if tbl.Name == "" {
				return invalid(fmt.Sprintf("content.analytical_data.table_data[%d].name", i), "missing required field")
			}
			for j, row := range tbl.Rows {
				if len(row) != len(tbl.Columns) {
					return invalid(
						fmt.Sprintf("content.analytical_data.table_data[%d].rows[%d]", i, j),
						"row has %d cells, table has %d columns", len(row), len(tbl.Columns))
				}
			}
		}
	}

	if h := p.ProcessingHints; h != nil && h.PriorityBrain != "" {
		switch h.PriorityBrain {
		case PriorityVector, PriorityAnalytical, PriorityGraph, PriorityAuto:
		default:
			return invalid("processing_hints.priority_brain", "unknown value %q", h.PriorityBrain)
		}
	}

	if q := p.QualityMetrics; q != nil {
		if q.ExtractionConfidence < 0 || q.ExtractionConfidence > 1 {
			return invalid("quality_metrics.extraction_confidence", "must be in [0,1], got %v", q.ExtractionConfidence)
		}
		if q.ContentCompleteness < 0 || q.ContentCompleteness > 1 {
			return invalid("quality_metrics.content_completeness", "must be in [0,1], got %v", q.ContentCompleteness)
		}
	}

	logging.PacketDebug("Packet %s validated (vector=%v analytical=%v graph=%v)",
		p.PacketID, p.HasVectorData(), p.HasAnalyticalData(), p.HasGraphData())
	return nil
}

// Marshal encodes a packet to its canonical JSON wire form.
func Marshal(p *KnowledgePacket) ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal decodes a packet from JSON. Decoding does not validate; callers
// run Validate before applying the packet to any brain.
func Unmarshal(data []byte) (*KnowledgePacket, error) {
	var p KnowledgePacket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge packet: %w", err)
	}
	return &p, nil
}
