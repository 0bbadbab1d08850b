package store

import (
	"context"
	"path/filepath"
	"testing"

	"nancy/internal/brain"
	"nancy/internal/packet"
)

// fakeEngine returns fixed vectors keyed by text so distance ordering is
// deterministic in tests.
type fakeEngine struct {
	vectors map[string][]float32
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1, 0}, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return 4 }
func (f *fakeEngine) Name() string    { return "fake" }

func newTestVector(t *testing.T, engine *fakeEngine) *SQLiteVectorStore {
	t.Helper()
	s, err := NewSQLiteVectorStore(filepath.Join(t.TempDir(), "vector.db"), engine)
	if err != nil {
		t.Fatalf("NewSQLiteVectorStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func chunksFor(docID string, texts ...string) []packet.Chunk {
	chunks := make([]packet.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = packet.Chunk{ChunkID: packet.ChunkID(docID, i), Text: text}
	}
	return chunks
}

func TestVectorQueryOrdering(t *testing.T) {
	engine := &fakeEngine{vectors: map[string][]float32{
		"thermal throttling": {1, 0, 0, 0},
		"battery chemistry":  {0, 1, 0, 0},
		"cooling system":     {0.9, 0.1, 0, 0},
		"heat management":    {1, 0.05, 0, 0},
	}}
	s := newTestVector(t, engine)
	ctx := context.Background()

	err := s.Upsert(ctx, "doc1", chunksFor("doc1", "battery chemistry", "cooling system", "heat management"), nil)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	matches, err := s.Query(ctx, "thermal throttling", 2, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Text != "heat management" {
		t.Errorf("nearest = %q", matches[0].Text)
	}
	if matches[1].Text != "cooling system" {
		t.Errorf("second = %q", matches[1].Text)
	}
	if matches[0].Distance > matches[1].Distance {
		t.Errorf("distances not ascending: %v > %v", matches[0].Distance, matches[1].Distance)
	}
}

func TestVectorUpsertReplacesDocument(t *testing.T) {
	engine := &fakeEngine{vectors: map[string][]float32{}}
	s := newTestVector(t, engine)
	ctx := context.Background()

	if err := s.Upsert(ctx, "doc1", chunksFor("doc1", "old one", "old two", "old three"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "doc1", chunksFor("doc1", "new one"), nil); err != nil {
		t.Fatal(err)
	}

	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM vector_chunks WHERE doc_id = ?", "doc1").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("chunk count after re-ingest = %d, want 1", count)
	}
}

func TestVectorMetadataFilter(t *testing.T) {
	engine := &fakeEngine{vectors: map[string][]float32{}}
	s := newTestVector(t, engine)
	ctx := context.Background()

	if err := s.Upsert(ctx, "doc1", chunksFor("doc1", "alpha"), map[string]interface{}{"author": "Sarah Chen"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "doc2", chunksFor("doc2", "beta"), map[string]interface{}{"author": "James Wong"}); err != nil {
		t.Fatal(err)
	}

	matches, err := s.Query(ctx, "anything", 10, map[string]interface{}{"author": "Sarah Chen"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].DocID != "doc1" {
		t.Errorf("filtered matches = %+v", matches)
	}
}

func TestVectorDeleteDocument(t *testing.T) {
	engine := &fakeEngine{vectors: map[string][]float32{}}
	s := newTestVector(t, engine)
	ctx := context.Background()

	if err := s.Upsert(ctx, "doc1", chunksFor("doc1", "a", "b"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "doc2", chunksFor("doc2", "c"), nil); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDocument(ctx, "doc1"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}

	matches, err := s.Query(ctx, "anything", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range matches {
		if m.DocID == "doc1" {
			t.Errorf("doc1 chunk survived deletion: %+v", m)
		}
	}
	if len(matches) != 1 {
		t.Errorf("matches = %d, want 1", len(matches))
	}
}

func TestVectorDistanceTiesBreakOnChunkID(t *testing.T) {
	// All chunks share the default vector, so every distance ties.
	engine := &fakeEngine{vectors: map[string][]float32{}}
	s := newTestVector(t, engine)
	ctx := context.Background()

	if err := s.Upsert(ctx, "doc1", chunksFor("doc1", "a", "b", "c"), nil); err != nil {
		t.Fatal(err)
	}

	matches, err := s.Query(ctx, "q", 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i-1].ChunkID > matches[i].ChunkID {
			t.Errorf("ties not broken by chunk ID: %s before %s", matches[i-1].ChunkID, matches[i].ChunkID)
		}
	}
}

func TestRankMatchesTiebreak(t *testing.T) {
	// Arrival order is scrambled the way an index scan might return it;
	// equal distances must come back sorted by chunk ID.
	matches := []brain.VectorMatch{
		{ChunkID: "doc1:2", Distance: 0.3},
		{ChunkID: "doc1:1", Distance: 0.3},
		{ChunkID: "doc1:0", Distance: 0.1},
		{ChunkID: "doc2:0", Distance: 0.3},
	}

	ranked := rankMatches(matches, 3)
	want := []string{"doc1:0", "doc1:1", "doc1:2"}
	if len(ranked) != len(want) {
		t.Fatalf("ranked = %d, want %d", len(ranked), len(want))
	}
	for i, id := range want {
		if ranked[i].ChunkID != id {
			t.Errorf("ranked[%d] = %s, want %s", i, ranked[i].ChunkID, id)
		}
	}
}

func TestVectorHealth(t *testing.T) {
	s := newTestVector(t, &fakeEngine{})
	h := s.Health(context.Background())
	if !h.OK {
		t.Errorf("health not OK: %s", h.Details)
	}
}
