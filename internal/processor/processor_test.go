package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nancy/internal/brain"
	"nancy/internal/packet"
)

// mockVector records upserts and can be told to fail.
type mockVector struct {
	mu      sync.Mutex
	upserts map[string]int // docID -> chunk count
	fail    bool
}

func newMockVector() *mockVector { return &mockVector{upserts: map[string]int{}} }

func (m *mockVector) Upsert(ctx context.Context, docID string, chunks []packet.Chunk, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return brain.BackendUnavailable(brain.KindVector, errors.New("down"))
	}
	m.upserts[docID] = len(chunks)
	return nil
}

func (m *mockVector) Query(ctx context.Context, text string, k int, filter map[string]interface{}) ([]brain.VectorMatch, error) {
	return nil, nil
}
func (m *mockVector) DeleteDocument(ctx context.Context, docID string) error { return nil }
func (m *mockVector) Health(ctx context.Context) brain.Health               { return brain.Health{OK: true} }

// mockAnalytical records metadata upserts and registered tables.
type mockAnalytical struct {
	mu     sync.Mutex
	docs   map[string]string // docID -> filename
	tables []string
	fail   bool
}

func newMockAnalytical() *mockAnalytical { return &mockAnalytical{docs: map[string]string{}} }

func (m *mockAnalytical) UpsertDocumentMetadata(ctx context.Context, docID, filename string, size int64, fileType string, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return brain.BackendUnavailable(brain.KindAnalytical, errors.New("down"))
	}
	m.docs[docID] = filename
	return nil
}

func (m *mockAnalytical) RegisterTable(ctx context.Context, docID, tableName string, columns []string, rows [][]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = append(m.tables, tableName)
	return nil
}

func (m *mockAnalytical) QueryDocuments(ctx context.Context, filter brain.DocumentFilter) ([]brain.DocumentRecord, error) {
	return nil, nil
}
func (m *mockAnalytical) QuerySQL(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}
func (m *mockAnalytical) UpsertFileState(ctx context.Context, state brain.FileState) (bool, error) {
	return false, nil
}
func (m *mockAnalytical) MarkFileProcessed(ctx context.Context, path, docID, status, errorMessage string) error {
	return nil
}
func (m *mockAnalytical) Health(ctx context.Context) brain.Health { return brain.Health{OK: true} }

// mockGraph records nodes and edges.
type mockGraph struct {
	mu    sync.Mutex
	nodes map[string]bool // "label/name"
	edges []string        // "source -TYPE-> target"
}

func newMockGraph() *mockGraph { return &mockGraph{nodes: map[string]bool{}} }

func (m *mockGraph) UpsertNode(ctx context.Context, label, name string, properties map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[label+"/"+name] = true
	return nil
}

func (m *mockGraph) UpsertEdge(ctx context.Context, source brain.NodeRef, edgeType string, target brain.NodeRef, properties map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, source.Name+" -"+edgeType+"-> "+target.Name)
	return nil
}

func (m *mockGraph) Neighbors(ctx context.Context, ref brain.NodeRef, filter brain.EdgeFilter, depth int) ([]brain.Path, error) {
	return nil, nil
}
func (m *mockGraph) AuthoredDocuments(ctx context.Context, person string) ([]string, error) {
	return nil, nil
}
func (m *mockGraph) ExpertiseFor(ctx context.Context, topicOrPerson string) ([]brain.Edge, error) {
	return nil, nil
}
func (m *mockGraph) DecisionProvenance(ctx context.Context, topic string) ([]brain.Path, error) {
	return nil, nil
}
func (m *mockGraph) Collaborations(ctx context.Context, person string) ([]brain.Edge, error) {
	return nil, nil
}
func (m *mockGraph) CrossReferences(ctx context.Context) ([]brain.Edge, error) { return nil, nil }
func (m *mockGraph) Health(ctx context.Context) brain.Health                   { return brain.Health{OK: true} }

func (m *mockGraph) hasEdge(want string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.edges {
		if e == want {
			return true
		}
	}
	return false
}

func validPacket() *packet.KnowledgePacket {
	return &packet.KnowledgePacket{
		PacketID:      "pkt-1",
		PacketVersion: packet.CurrentVersion,
		Timestamp:     time.Now(),
		Source: packet.Source{
			ExtractorName:    "markdown",
			ExtractorVersion: "1.0.0",
			OriginalLocation: "/docs/thermal_design.md",
			ContentType:      "text/markdown",
		},
		Metadata: packet.Metadata{Title: "Thermal Design", Author: "Sarah Chen", FileSize: 2048},
		Content: packet.Content{
			VectorData: &packet.VectorData{
				Chunks: []packet.Chunk{
					{ChunkID: "c:0", Text: "The enclosure uses a copper heat spreader."},
					{ChunkID: "c:1", Text: "Fan curves are tuned for 35C ambient."},
				},
				EmbeddingModel: "test",
				ChunkStrategy:  "paragraph",
			},
			GraphData: &packet.GraphData{
				Entities: []packet.Entity{
					{Type: brain.NodeConcept, Name: "thermal budget", Confidence: 0.9},
				},
				Relationships: []packet.Relationship{
					{
						Source:       packet.EntityRef{Type: brain.NodeConcept, Name: "thermal budget"},
						Relationship: brain.EdgeConstrains,
						Target:       packet.EntityRef{Type: brain.NodeFeature, Name: "active cooling"},
					},
				},
			},
		},
	}
}

func TestProcessAppliesAllBrains(t *testing.T) {
	v, a, g := newMockVector(), newMockAnalytical(), newMockGraph()
	p := New(v, a, g, nil, Options{})

	result := p.Process(context.Background(), validPacket())
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, errors = %v", result.Status, result.Errors)
	}
	if len(result.Applied) != 3 {
		t.Errorf("applied = %v", result.Applied)
	}

	if v.upserts[result.DocID] != 2 {
		t.Errorf("vector chunks = %d", v.upserts[result.DocID])
	}
	if a.docs[result.DocID] != "thermal_design.md" {
		t.Errorf("analytical docs = %v", a.docs)
	}
	if !g.nodes[brain.NodeDocument+"/thermal_design.md"] {
		t.Error("document node missing")
	}
	if !g.hasEdge("Sarah Chen -AUTHORED-> thermal_design.md") {
		t.Errorf("authorship edge missing: %v", g.edges)
	}
	if !g.hasEdge("thermal budget -CONSTRAINS-> active cooling") {
		t.Errorf("relationship edge missing: %v", g.edges)
	}
}

func TestProcessInvalidPacketFails(t *testing.T) {
	p := New(newMockVector(), newMockAnalytical(), newMockGraph(), nil, Options{})

	pkt := validPacket()
	pkt.PacketVersion = "9.0.0"
	result := p.Process(context.Background(), pkt)
	if result.Status != StatusFailed {
		t.Errorf("status = %s", result.Status)
	}
	if result.Errors["validation"] == "" {
		t.Errorf("errors = %v", result.Errors)
	}
}

func TestProcessPartialOnSingleBrainFailure(t *testing.T) {
	v := newMockVector()
	v.fail = true
	a, g := newMockAnalytical(), newMockGraph()
	p := New(v, a, g, nil, Options{})

	result := p.Process(context.Background(), validPacket())
	if result.Status != StatusPartial {
		t.Fatalf("status = %s, errors = %v", result.Status, result.Errors)
	}
	if result.Errors["vector"] == "" {
		t.Errorf("errors = %v", result.Errors)
	}
	// The siblings must still have been applied.
	if len(a.docs) != 1 {
		t.Error("analytical apply lost to vector failure")
	}
}

func TestProcessAllBrainsFailing(t *testing.T) {
	v, a := newMockVector(), newMockAnalytical()
	v.fail, a.fail = true, true
	pkt := validPacket()
	pkt.Content.GraphData = nil

	p := New(v, a, newMockGraph(), nil, Options{})
	result := p.Process(context.Background(), pkt)
	if result.Status != StatusFailed {
		t.Errorf("status = %s", result.Status)
	}
}

func TestRoutePriorityHints(t *testing.T) {
	pkt := validPacket()
	pkt.ProcessingHints = &packet.ProcessingHints{PriorityBrain: packet.PriorityAnalytical}
	targets := Route(pkt)
	if len(targets) != 1 || targets[0] != brain.KindAnalytical {
		t.Errorf("targets = %v", targets)
	}

	pkt.ProcessingHints.PriorityBrain = packet.PriorityVector
	targets = Route(pkt)
	if len(targets) != 2 || targets[0] != brain.KindVector {
		t.Errorf("targets = %v", targets)
	}

	// auto routes every populated fragment, analytical always included.
	pkt.ProcessingHints.PriorityBrain = packet.PriorityAuto
	targets = Route(pkt)
	if len(targets) != 3 {
		t.Errorf("targets = %v", targets)
	}
}

func TestRouteAnalyticalAlwaysIncluded(t *testing.T) {
	pkt := validPacket()
	pkt.Content.AnalyticalData = nil
	targets := Route(pkt)
	found := false
	for _, k := range targets {
		if k == brain.KindAnalytical {
			found = true
		}
	}
	if !found {
		t.Errorf("analytical missing from %v", targets)
	}
}

func TestDocIDStableAndOverridable(t *testing.T) {
	pkt := validPacket()
	id1 := DocID(pkt)
	pkt.PacketID = "pkt-2"
	pkt.Timestamp = pkt.Timestamp.Add(time.Hour)
	if DocID(pkt) != id1 {
		t.Error("doc ID must be stable across re-extractions of the same file")
	}

	pkt.Metadata.Extra = map[string]string{"doc_id": "pinned"}
	if DocID(pkt) != "pinned" {
		t.Error("extractor-pinned doc_id should win")
	}
}

func TestRegisterTablesFromPacket(t *testing.T) {
	a := newMockAnalytical()
	p := New(newMockVector(), a, newMockGraph(), nil, Options{})

	pkt := validPacket()
	pkt.Content.AnalyticalData = &packet.AnalyticalData{
		TableData: []packet.Table{
			{Name: "BOM", Columns: []string{"part", "qty"}, Rows: [][]interface{}{{"fan", 2}}},
		},
	}

	result := p.Process(context.Background(), pkt)
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, errors = %v", result.Status, result.Errors)
	}
	if len(a.tables) != 1 || a.tables[0] != "BOM" {
		t.Errorf("tables = %v", a.tables)
	}
}

func TestEnqueueAndWorkers(t *testing.T) {
	v, a, g := newMockVector(), newMockAnalytical(), newMockGraph()
	p := New(v, a, g, nil, Options{QueueSize: 8, Workers: 2})
	p.Start()

	for i := 0; i < 5; i++ {
		pkt := validPacket()
		pkt.PacketID = packet.NewPacketID("/docs/thermal_design.md", time.Now().Add(time.Duration(i)*time.Second))
		if err := p.Enqueue(context.Background(), pkt); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	p.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.docs) != 1 { // same file five times, one doc
		t.Errorf("docs = %v", a.docs)
	}

	if err := p.Enqueue(context.Background(), validPacket()); err == nil {
		t.Error("Enqueue after Stop should fail")
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	v, a, g := newMockVector(), newMockAnalytical(), newMockGraph()
	p := New(v, a, g, nil, Options{QueueSize: 1, Workers: 1})
	// Workers are never started, so the first packet fills the queue and the
	// second must block until its context expires.
	if err := p.Enqueue(context.Background(), validPacket()); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Enqueue(ctx, validPacket())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Enqueue returned before the context expired; it should block")
	}
}

// storyModel returns a fixed story and satisfies brain.LinguisticModel.
type storyModel struct{ elements brain.StoryElements }

func (s *storyModel) AnalyzeIntent(ctx context.Context, query string, history []string) (brain.QueryIntent, error) {
	return brain.QueryIntent{}, nil
}
func (s *storyModel) Synthesize(ctx context.Context, query string, results []brain.Result, intent brain.QueryIntent) (string, error) {
	return "", nil
}
func (s *storyModel) ExtractStory(ctx context.Context, text, docName string) (brain.StoryElements, error) {
	return s.elements, nil
}
func (s *storyModel) Health(ctx context.Context) brain.Health { return brain.Health{OK: true} }

func TestStoryExtractionFeedsGraph(t *testing.T) {
	g := newMockGraph()
	model := &storyModel{elements: brain.StoryElements{
		Decisions: []brain.StoryDecision{
			{Name: "switch to copper spreader", Maker: "Sarah Chen", Era: "prototype phase", Affects: []string{"enclosure"}},
		},
		Meetings: []brain.StoryMeeting{
			{Name: "Q3 design review", Attendees: []string{"Sarah Chen", "James Wong"}},
		},
		Collaborations: []brain.StoryCollaboration{
			{PersonA: "Sarah Chen", PersonB: "James Wong", Topic: "thermals"},
		},
	}}
	p := New(newMockVector(), newMockAnalytical(), g, model, Options{ExtractStories: true})

	result := p.Process(context.Background(), validPacket())
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, errors = %v", result.Status, result.Errors)
	}

	if !g.nodes[brain.NodeDecision+"/switch to copper spreader"] {
		t.Error("decision node missing")
	}
	if !g.hasEdge("Sarah Chen -DECISION_MADE-> switch to copper spreader") {
		t.Errorf("decision maker edge missing: %v", g.edges)
	}
	if !g.hasEdge("switch to copper spreader -AFFECTS-> enclosure") {
		t.Error("affects edge missing")
	}
	if !g.hasEdge("James Wong -ATTENDED-> Q3 design review") {
		t.Error("attendance edge missing")
	}
	if !g.hasEdge("Sarah Chen -COLLABORATES_WITH-> James Wong") {
		t.Error("collaboration edge missing")
	}
}
