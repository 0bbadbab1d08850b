package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"nancy/internal/brain"
)

func newTestAnalytical(t *testing.T) *SQLiteAnalyticalStore {
	t.Helper()
	s, err := NewSQLiteAnalyticalStore(filepath.Join(t.TempDir(), "analytical.db"), 15*time.Second)
	if err != nil {
		t.Fatalf("NewSQLiteAnalyticalStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertDocumentIdempotent(t *testing.T) {
	s := newTestAnalytical(t)
	ctx := context.Background()

	meta := map[string]interface{}{"author": "Sarah Chen"}
	if err := s.UpsertDocumentMetadata(ctx, "doc1", "report.txt", 1024, "txt", meta); err != nil {
		t.Fatalf("UpsertDocumentMetadata failed: %v", err)
	}
	if err := s.UpsertDocumentMetadata(ctx, "doc1", "report.txt", 1024, "txt", meta); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	records, err := s.QueryDocuments(ctx, brain.DocumentFilter{})
	if err != nil {
		t.Fatalf("QueryDocuments failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Metadata["author"] != "Sarah Chen" {
		t.Errorf("metadata = %v", records[0].Metadata)
	}
}

func TestQueryDocumentsFilters(t *testing.T) {
	s := newTestAnalytical(t)
	ctx := context.Background()

	docs := []struct {
		id, name, typ string
		size          int64
	}{
		{"d1", "thermal_report.txt", "txt", 100},
		{"d2", "budget.xlsx", "xlsx", 5000},
		{"d3", "thermal_specs.pdf", "pdf", 300},
	}
	for _, d := range docs {
		if err := s.UpsertDocumentMetadata(ctx, d.id, d.name, d.size, d.typ, nil); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.QueryDocuments(ctx, brain.DocumentFilter{FileTypes: []string{"txt", "pdf"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("file type filter returned %d, want 2", len(got))
	}

	got, err = s.QueryDocuments(ctx, brain.DocumentFilter{FilenameSubstring: "thermal"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("filename filter returned %d, want 2", len(got))
	}

	got, err = s.QueryDocuments(ctx, brain.DocumentFilter{MinSize: 200, MaxSize: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DocID != "d3" {
		t.Errorf("size filter returned %+v", got)
	}

	got, err = s.QueryDocuments(ctx, brain.DocumentFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("limit returned %d rows", len(got))
	}
}

func TestRegisterTableAndQuery(t *testing.T) {
	s := newTestAnalytical(t)
	ctx := context.Background()

	columns := []string{"Part Name", "Cost (USD)", "2024 Qty"}
	rows := [][]interface{}{
		{"radiator", 120.5, 4},
		{"fan", 35, 12},
	}
	if err := s.RegisterTable(ctx, "doc1", "Sheet1", columns, rows); err != nil {
		t.Fatalf("RegisterTable failed: %v", err)
	}

	reg, err := s.RegisteredTables(ctx, "doc1")
	if err != nil {
		t.Fatalf("RegisteredTables failed: %v", err)
	}
	if len(reg) != 1 {
		t.Fatalf("registry rows = %d, want 1", len(reg))
	}
	tableName, _ := reg[0]["table_name"].(string)
	if tableName == "" {
		t.Fatalf("registry row missing table_name: %v", reg[0])
	}

	out, err := s.QuerySQL(ctx, `SELECT part_name, cost_usd FROM "`+tableName+`" ORDER BY part_name`)
	if err != nil {
		t.Fatalf("QuerySQL failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("rows = %d, want 2", len(out))
	}
	if out[0]["part_name"] != "fan" {
		t.Errorf("first row = %v", out[0])
	}
}

func TestRegisterTableReplacesOnReingest(t *testing.T) {
	s := newTestAnalytical(t)
	ctx := context.Background()

	if err := s.RegisterTable(ctx, "doc1", "Sheet1", []string{"a"}, [][]interface{}{{"1"}, {"2"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterTable(ctx, "doc1", "Sheet1", []string{"a"}, [][]interface{}{{"3"}}); err != nil {
		t.Fatal(err)
	}

	reg, err := s.RegisteredTables(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reg) != 1 {
		t.Fatalf("registry rows = %d, want 1", len(reg))
	}

	tableName := reg[0]["table_name"].(string)
	out, err := s.QuerySQL(ctx, `SELECT COUNT(*) AS n FROM "`+tableName+`"`)
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := out[0]["n"].(int64); !ok || n != 1 {
		t.Errorf("row count after re-register = %v", out[0]["n"])
	}
}

func TestQuerySQLRejectsWrites(t *testing.T) {
	s := newTestAnalytical(t)
	if _, err := s.QuerySQL(context.Background(), "DELETE FROM documents"); err == nil {
		t.Fatal("expected write rejection")
	}
}

func TestFileStateChangeDetection(t *testing.T) {
	s := newTestAnalytical(t)
	ctx := context.Background()

	state := brain.FileState{
		Path:         "/data/report.txt",
		ContentHash:  "hash-v1",
		LastModified: time.Now(),
		Size:         100,
	}

	// New file is a change.
	changed, err := s.UpsertFileState(ctx, state)
	if err != nil {
		t.Fatalf("UpsertFileState failed: %v", err)
	}
	if !changed {
		t.Error("new file should report changed")
	}

	// Still pending: re-observation reports changed until processing completes.
	changed, err = s.UpsertFileState(ctx, state)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("pending file should report changed")
	}

	if err := s.MarkFileProcessed(ctx, state.Path, "doc1", brain.FileStateCompleted, ""); err != nil {
		t.Fatalf("MarkFileProcessed failed: %v", err)
	}

	// Same hash after completion: unchanged.
	changed, err = s.UpsertFileState(ctx, state)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("unchanged completed file should not report changed")
	}

	// New hash: changed again.
	state.ContentHash = "hash-v2"
	changed, err = s.UpsertFileState(ctx, state)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("modified file should report changed")
	}

	states, err := s.FileStates(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].ContentHash != "hash-v2" {
		t.Errorf("states = %+v", states)
	}
}

func TestMarkFileProcessedUnknownPath(t *testing.T) {
	s := newTestAnalytical(t)
	if err := s.MarkFileProcessed(context.Background(), "/nope", "d", brain.FileStateCompleted, ""); err == nil {
		t.Fatal("expected error for unknown path")
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"Part Name":   "part_name",
		"Cost (USD)":  "cost_usd",
		"2024 Qty":    "_2024_qty",
		"  weird!!  ": "weird",
		"":            "col",
	}
	for in, want := range cases {
		if got := normalizeIdentifier(in); got != want {
			t.Errorf("normalizeIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
}
