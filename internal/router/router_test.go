package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"nancy/internal/brain"
	"nancy/internal/cache"
	"nancy/internal/packet"
)

// fakeLinguistic returns a preset intent and a marker answer.
type fakeLinguistic struct {
	intent      brain.QueryIntent
	synthErr    error
	synthCalls  int
	lastQuery   string
	lastResults []brain.Result
}

func (f *fakeLinguistic) AnalyzeIntent(ctx context.Context, query string, history []string) (brain.QueryIntent, error) {
	return f.intent, nil
}

func (f *fakeLinguistic) Synthesize(ctx context.Context, query string, results []brain.Result, intent brain.QueryIntent) (string, error) {
	f.synthCalls++
	f.lastQuery = query
	f.lastResults = results
	if f.synthErr != nil {
		return "", f.synthErr
	}
	return fmt.Sprintf("answer from %d results", len(results)), nil
}

func (f *fakeLinguistic) ExtractStory(ctx context.Context, text, docName string) (brain.StoryElements, error) {
	return brain.StoryElements{}, nil
}

func (f *fakeLinguistic) Health(ctx context.Context) brain.Health { return brain.Health{OK: true} }

// fakeVector serves canned matches, optionally failing or blocking.
type fakeVector struct {
	matches []brain.VectorMatch
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeVector) Upsert(ctx context.Context, docID string, chunks []packet.Chunk, metadata map[string]interface{}) error {
	return nil
}

func (f *fakeVector) Query(ctx context.Context, text string, k int, filter map[string]interface{}) ([]brain.VectorMatch, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, brain.BackendTimeout(brain.KindVector, "Query", ctx.Err())
		}
	}
	return f.matches, f.err
}

func (f *fakeVector) DeleteDocument(ctx context.Context, docID string) error { return nil }
func (f *fakeVector) Health(ctx context.Context) brain.Health               { return brain.Health{OK: true} }

// fakeAnalytical serves canned document records.
type fakeAnalytical struct {
	records    []brain.DocumentRecord
	lastFilter brain.DocumentFilter
	calls      int
}

func (f *fakeAnalytical) UpsertDocumentMetadata(ctx context.Context, docID, filename string, size int64, fileType string, metadata map[string]interface{}) error {
	return nil
}
func (f *fakeAnalytical) RegisterTable(ctx context.Context, docID, tableName string, columns []string, rows [][]interface{}) error {
	return nil
}
func (f *fakeAnalytical) QueryDocuments(ctx context.Context, filter brain.DocumentFilter) ([]brain.DocumentRecord, error) {
	f.calls++
	f.lastFilter = filter
	return f.records, nil
}
func (f *fakeAnalytical) QuerySQL(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}
func (f *fakeAnalytical) UpsertFileState(ctx context.Context, state brain.FileState) (bool, error) {
	return false, nil
}
func (f *fakeAnalytical) MarkFileProcessed(ctx context.Context, path, docID, status, errorMessage string) error {
	return nil
}
func (f *fakeAnalytical) Health(ctx context.Context) brain.Health { return brain.Health{OK: true} }

// fakeGraph serves canned structural answers.
type fakeGraph struct {
	authored       map[string][]string
	collaborations []brain.Edge
	provenance     []brain.Path
	crossRefs      []brain.Edge
	authorCalls    int
	provCalls      int
}

func (f *fakeGraph) UpsertNode(ctx context.Context, label, name string, properties map[string]interface{}) error {
	return nil
}
func (f *fakeGraph) UpsertEdge(ctx context.Context, source brain.NodeRef, edgeType string, target brain.NodeRef, properties map[string]interface{}) error {
	return nil
}
func (f *fakeGraph) Neighbors(ctx context.Context, ref brain.NodeRef, filter brain.EdgeFilter, depth int) ([]brain.Path, error) {
	return nil, nil
}
func (f *fakeGraph) AuthoredDocuments(ctx context.Context, person string) ([]string, error) {
	f.authorCalls++
	return f.authored[person], nil
}
func (f *fakeGraph) ExpertiseFor(ctx context.Context, topicOrPerson string) ([]brain.Edge, error) {
	return nil, nil
}
func (f *fakeGraph) DecisionProvenance(ctx context.Context, topic string) ([]brain.Path, error) {
	f.provCalls++
	return f.provenance, nil
}
func (f *fakeGraph) Collaborations(ctx context.Context, person string) ([]brain.Edge, error) {
	return f.collaborations, nil
}
func (f *fakeGraph) CrossReferences(ctx context.Context) ([]brain.Edge, error) {
	return f.crossRefs, nil
}
func (f *fakeGraph) Health(ctx context.Context) brain.Health { return brain.Health{OK: true} }

func TestBuildPlan(t *testing.T) {
	cases := []struct {
		name   string
		intent brain.QueryIntent
		want   Plan
	}{
		{
			"semantic terms enable vector",
			brain.QueryIntent{QueryType: brain.QuerySemantic, SemanticTerms: []string{"thermal"}, Confidence: 0.9},
			Plan{Vector: true},
		},
		{
			"low confidence widens to vector",
			brain.QueryIntent{QueryType: brain.QueryAuthor, Confidence: 0.2, Entities: []string{"Sarah Chen"}},
			Plan{Vector: true, Graph: true},
		},
		{
			"metadata filter enables analytical",
			brain.QueryIntent{QueryType: brain.QueryMetadataFilter, MetadataFilters: map[string]string{"file_type": "xlsx"}, Confidence: 0.9},
			Plan{Analytical: true},
		},
		{
			"temporal enables analytical",
			brain.QueryIntent{QueryType: brain.QueryTemporal, TimeConstraints: brain.TimeRange{Relative: "last month"}, Confidence: 0.9},
			Plan{Analytical: true},
		},
		{
			"relationship enables graph",
			brain.QueryIntent{QueryType: brain.QueryRelationship, RelationshipTargets: []string{"James Wong"}, Confidence: 0.9},
			Plan{Graph: true},
		},
		{
			"hybrid enables all",
			brain.QueryIntent{QueryType: brain.QueryHybridComplex, Confidence: 0.9},
			Plan{Vector: true, Analytical: true, Graph: true},
		},
		{
			"empty plan falls back to vector",
			brain.QueryIntent{QueryType: brain.QueryAuthor, Confidence: 0.9},
			Plan{Vector: false, Graph: true},
		},
	}
	for _, tc := range cases {
		if got := BuildPlan(tc.intent, 0.5); got != tc.want {
			t.Errorf("%s: plan = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestBuildPlanNeverEmpty(t *testing.T) {
	p := BuildPlan(brain.QueryIntent{QueryType: brain.QuerySemantic, Confidence: 0.9}, 0.5)
	if !p.Vector {
		t.Errorf("plan = %+v", p)
	}
}

func TestMerge(t *testing.T) {
	results := []brain.Result{
		{Brain: brain.KindVector, Text: "far match", Distance: 0.8},
		{Brain: brain.KindVector, Text: "near match", Distance: 0.1},
		{Brain: brain.KindGraph, Text: "exact structural fact", Distance: 0},
		{Brain: brain.KindAnalytical, Text: "exact structural fact", Distance: 0}, // dup
	}

	merged := Merge(results, 10)
	if len(merged) != 3 {
		t.Fatalf("merged = %d results", len(merged))
	}
	if merged[0].Text != "exact structural fact" {
		t.Errorf("first = %q", merged[0].Text)
	}
	if merged[0].Brain != brain.KindGraph {
		t.Error("dedup should keep the first occurrence in sort order")
	}
	if merged[1].Text != "near match" || merged[2].Text != "far match" {
		t.Errorf("order = %q, %q", merged[1].Text, merged[2].Text)
	}
}

func TestMergeDedupOnPrefix(t *testing.T) {
	long := strings.Repeat("x", 100)
	results := []brain.Result{
		{Text: long + " tail one", Distance: 0.1},
		{Text: long + " tail two", Distance: 0.2},
	}
	if merged := Merge(results, 10); len(merged) != 1 {
		t.Errorf("merged = %d, first-100-chars dedup expected", len(merged))
	}
}

func TestMergeDedupCountsRunesNotBytes(t *testing.T) {
	// 99 two-byte runes put the 100-byte mark inside rune 50, so a byte
	// cutoff would collapse these two distinct texts.
	prefix := strings.Repeat("é", 99)
	results := []brain.Result{
		{Text: prefix + "A", Distance: 0.1},
		{Text: prefix + "B", Distance: 0.2},
	}
	if merged := Merge(results, 10); len(merged) != 2 {
		t.Errorf("merged = %d, texts differing within the first 100 characters must both survive", len(merged))
	}
}

func TestMergeTruncatesToK(t *testing.T) {
	var results []brain.Result
	for i := 0; i < 20; i++ {
		results = append(results, brain.Result{Text: fmt.Sprintf("result %d", i), Distance: float64(i)})
	}
	if merged := Merge(results, 5); len(merged) != 5 {
		t.Errorf("merged = %d", len(merged))
	}
}

func newTestRouter(v *fakeVector, a *fakeAnalytical, g *fakeGraph, l *fakeLinguistic, c cache.Cache, opts Options) *Router {
	return New(v, a, g, l, c, opts)
}

func TestQuerySemanticPath(t *testing.T) {
	v := &fakeVector{matches: []brain.VectorMatch{
		{ChunkID: "c1", DocID: "d1", Text: "copper heat spreader", Distance: 0.1,
			Metadata: map[string]interface{}{"title": "thermal_design.md", "author": "Sarah Chen"}},
	}}
	a := &fakeAnalytical{}
	g := &fakeGraph{}
	l := &fakeLinguistic{intent: brain.QueryIntent{
		QueryType: brain.QuerySemantic, SemanticTerms: []string{"heat", "spreader"}, Confidence: 0.9,
	}}

	r := newTestRouter(v, a, g, l, nil, Options{TopK: 5})
	answer, err := r.Query(context.Background(), "how is heat spread?", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if len(answer.Results) != 1 || answer.Results[0].Author != "Sarah Chen" {
		t.Errorf("results = %+v", answer.Results)
	}
	if answer.Text != "answer from 1 results" {
		t.Errorf("text = %q", answer.Text)
	}
	if a.calls != 0 || g.authorCalls != 0 {
		t.Error("semantic plan should not touch analytical or graph")
	}
}

func TestQueryAuthorPath(t *testing.T) {
	g := &fakeGraph{authored: map[string][]string{
		"Sarah Chen": {"thermal_design.md", "cooling_spec.md"},
	}}
	l := &fakeLinguistic{intent: brain.QueryIntent{
		QueryType: brain.QueryAuthor, Entities: []string{"Sarah Chen"}, Confidence: 0.9,
	}}

	r := newTestRouter(&fakeVector{}, &fakeAnalytical{}, g, l, nil, Options{})
	answer, err := r.Query(context.Background(), "who wrote the thermal docs?", nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(answer.Results) != 2 {
		t.Fatalf("results = %+v", answer.Results)
	}
	for _, res := range answer.Results {
		if res.Distance != 0 || res.Brain != brain.KindGraph {
			t.Errorf("graph result should be exact: %+v", res)
		}
	}
}

func TestQueryTemporalFilter(t *testing.T) {
	a := &fakeAnalytical{records: []brain.DocumentRecord{
		{DocID: "d1", Filename: "notes.md", FileType: "md", IngestedAt: time.Now()},
	}}
	l := &fakeLinguistic{intent: brain.QueryIntent{
		QueryType:       brain.QueryTemporal,
		TimeConstraints: brain.TimeRange{Relative: "last week"},
		Confidence:      0.9,
	}}

	r := newTestRouter(&fakeVector{}, a, &fakeGraph{}, l, nil, Options{})
	answer, err := r.Query(context.Background(), "what changed last week?", nil)
	if err != nil {
		t.Fatal(err)
	}

	if a.lastFilter.IngestedAfter.IsZero() {
		t.Error("relative time constraint should set a lower bound")
	}
	if len(answer.Results) != 1 || !strings.Contains(answer.Results[0].Text, "notes.md") {
		t.Errorf("results = %+v", answer.Results)
	}
}

func TestQueryBrainTimeoutIsMarkedNotFatal(t *testing.T) {
	v := &fakeVector{delay: 500 * time.Millisecond}
	a := &fakeAnalytical{records: []brain.DocumentRecord{{DocID: "d1", Filename: "notes.md"}}}
	l := &fakeLinguistic{intent: brain.QueryIntent{
		QueryType:       brain.QueryHybridComplex,
		Confidence:      0.1, // below multi-step threshold, takes the plain path
		MetadataFilters: map[string]string{"filename": "notes"},
	}}

	r := newTestRouter(v, a, &fakeGraph{}, l, nil, Options{BrainTimeout: 50 * time.Millisecond})
	answer, err := r.Query(context.Background(), "everything about notes", nil)
	if err != nil {
		t.Fatalf("timeout must not fail the query: %v", err)
	}

	if len(answer.TimedOut) != 1 || answer.TimedOut[0] != brain.KindVector {
		t.Errorf("timed out = %v", answer.TimedOut)
	}
	if len(answer.Results) == 0 {
		t.Error("surviving brain results should still be returned")
	}
}

func TestQueryBrainFailureDegrades(t *testing.T) {
	v := &fakeVector{err: errors.New("vec0 unavailable")}
	l := &fakeLinguistic{intent: brain.QueryIntent{
		QueryType: brain.QuerySemantic, SemanticTerms: []string{"thermal"}, Confidence: 0.9,
	}}

	r := newTestRouter(v, &fakeAnalytical{}, &fakeGraph{}, l, nil, Options{})
	answer, err := r.Query(context.Background(), "thermal design", nil)
	if err != nil {
		t.Fatalf("single-brain failure must not fail the query: %v", err)
	}
	if len(answer.Failed) != 1 || answer.Failed[0] != brain.KindVector {
		t.Errorf("failed = %v", answer.Failed)
	}
}

func TestQueryCache(t *testing.T) {
	v := &fakeVector{matches: []brain.VectorMatch{{ChunkID: "c1", Text: "cached content", Distance: 0.2}}}
	l := &fakeLinguistic{intent: brain.QueryIntent{
		QueryType: brain.QuerySemantic, SemanticTerms: []string{"thermal"}, Confidence: 0.9,
	}}
	c := cache.NewMemory(8, time.Minute)

	r := newTestRouter(v, &fakeAnalytical{}, &fakeGraph{}, l, c, Options{EnableCache: true})

	first, err := r.Query(context.Background(), "thermal design", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Error("first query should miss")
	}

	second, err := r.Query(context.Background(), "Thermal  design", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("second query should hit the cache")
	}
	if second.Text != first.Text {
		t.Errorf("cached text = %q, want %q", second.Text, first.Text)
	}
	if v.calls != 1 {
		t.Errorf("vector calls = %d, want 1", v.calls)
	}
}

func TestQueryCancellationReturnsPartial(t *testing.T) {
	v := &fakeVector{delay: 5 * time.Second}
	l := &fakeLinguistic{intent: brain.QueryIntent{
		QueryType: brain.QuerySemantic, SemanticTerms: []string{"thermal"}, Confidence: 0.9,
	}}

	r := newTestRouter(v, &fakeAnalytical{}, &fakeGraph{}, l, nil, Options{
		BrainTimeout:  10 * time.Second,
		GlobalTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	answer, err := r.Query(ctx, "thermal design", nil)
	if err != nil {
		t.Fatalf("cancellation must yield a partial answer: %v", err)
	}
	if !answer.Cancelled {
		t.Error("answer should carry the cancelled marker")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancellation did not settle promptly")
	}
}

func TestQueryGlobalDeadlineReturnsPartial(t *testing.T) {
	v := &fakeVector{delay: 5 * time.Second}
	l := &fakeLinguistic{intent: brain.QueryIntent{
		QueryType: brain.QuerySemantic, SemanticTerms: []string{"thermal"}, Confidence: 0.9,
	}}

	r := newTestRouter(v, &fakeAnalytical{}, &fakeGraph{}, l, nil, Options{
		BrainTimeout:  10 * time.Second,
		GlobalTimeout: 50 * time.Millisecond,
	})

	answer, err := r.Query(context.Background(), "thermal design", nil)
	if err != nil {
		t.Fatalf("deadline expiry must yield a partial answer: %v", err)
	}
	if !answer.Timeout {
		t.Error("answer should carry the timeout marker")
	}
	if answer.Cancelled {
		t.Error("deadline expiry must not be reported as caller cancellation")
	}
}

func TestQueryMultiStep(t *testing.T) {
	v := &fakeVector{matches: []brain.VectorMatch{
		{ChunkID: "c1", Text: "the copper spreader decision followed the Q2 thermal review", Distance: 0.15},
	}}
	g := &fakeGraph{provenance: []brain.Path{
		{Edges: []brain.Edge{{
			Source: brain.NodeRef{Label: brain.NodeDecision, Name: "switch to copper"},
			Type:   brain.EdgeAffects,
			Target: brain.NodeRef{Label: brain.NodeDecisionTarget, Name: "enclosure"},
		}}},
	}}
	l := &fakeLinguistic{intent: brain.QueryIntent{
		QueryType:           brain.QueryHybridComplex,
		SemanticTerms:       []string{"copper", "spreader"},
		Entities:            []string{"enclosure"},
		RelationshipTargets: []string{"enclosure"},
		Confidence:          0.9,
	}}

	r := newTestRouter(v, &fakeAnalytical{}, g, l, nil, Options{MultiStepThreshold: 0.6})
	answer, err := r.Query(context.Background(), "why was the copper spreader decision made for the enclosure?", nil)
	if err != nil {
		t.Fatal(err)
	}

	if g.provCalls == 0 {
		t.Error("decision keyword family should trigger provenance expansion")
	}
	if len(answer.Results) < 2 {
		t.Errorf("results = %+v", answer.Results)
	}
	if !strings.Contains(l.lastQuery, "Combined analysis") {
		t.Errorf("synthesis framing = %q", l.lastQuery)
	}
}

func TestRelativeStart(t *testing.T) {
	if relativeStart("last month").IsZero() {
		t.Error("last month should bound the range")
	}
	if !relativeStart("sometime").IsZero() {
		t.Error("unknown phrases mean no constraint")
	}
}
