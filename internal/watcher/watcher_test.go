package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nancy/internal/brain"
)

// stateStore implements the file-state half of the analytical contract with
// the same change-detection semantics as the real store.
type stateStore struct {
	mu     sync.Mutex
	states map[string]brain.FileState
	marks  []string
}

func newStateStore() *stateStore { return &stateStore{states: map[string]brain.FileState{}} }

func (s *stateStore) UpsertFileState(ctx context.Context, state brain.FileState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.states[state.Path]
	changed := !ok || prev.ContentHash != state.ContentHash || prev.ProcessingStatus != brain.FileStateCompleted
	if ok && !changed {
		state.ProcessingStatus = prev.ProcessingStatus
	}
	s.states[state.Path] = state
	return changed, nil
}

func (s *stateStore) MarkFileProcessed(ctx context.Context, path, docID, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[path]
	if !ok {
		return errors.New("unknown path")
	}
	state.ProcessingStatus = status
	state.DocID = docID
	s.states[path] = state
	s.marks = append(s.marks, path+":"+status)
	return nil
}

func (s *stateStore) status(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[path].ProcessingStatus
}

func (s *stateStore) UpsertDocumentMetadata(ctx context.Context, docID, filename string, size int64, fileType string, metadata map[string]interface{}) error {
	return nil
}
func (s *stateStore) RegisterTable(ctx context.Context, docID, tableName string, columns []string, rows [][]interface{}) error {
	return nil
}
func (s *stateStore) QueryDocuments(ctx context.Context, filter brain.DocumentFilter) ([]brain.DocumentRecord, error) {
	return nil, nil
}
func (s *stateStore) QuerySQL(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}
func (s *stateStore) Health(ctx context.Context) brain.Health { return brain.Health{OK: true} }

type ingestRecorder struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (r *ingestRecorder) ingest(ctx context.Context, path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.paths = append(r.paths, path)
	return "doc-" + filepath.Base(path), nil
}

func (r *ingestRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanOnceIngestsNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "alpha")
	writeFile(t, dir, "b.md", "beta")
	writeFile(t, dir, ".hidden.md", "ignored")

	store := newStateStore()
	rec := &ingestRecorder{}
	w, err := New(store, rec.ingest, Options{Root: dir})
	if err != nil {
		t.Fatal(err)
	}

	changed, err := w.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if changed != 2 || rec.count() != 2 {
		t.Errorf("changed = %d, ingested = %d", changed, rec.count())
	}

	// A second scan over unchanged content ingests nothing.
	changed, err = w.ScanOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if changed != 0 || rec.count() != 2 {
		t.Errorf("rescan changed = %d, ingested = %d", changed, rec.count())
	}
}

func TestScanDetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.md", "v1")

	store := newStateStore()
	rec := &ingestRecorder{}
	w, _ := New(store, rec.ingest, Options{Root: dir})

	ctx := context.Background()
	w.ScanOnce(ctx)
	if store.status(path) != brain.FileStateCompleted {
		t.Fatalf("status = %s", store.status(path))
	}

	writeFile(t, dir, "a.md", "v2")
	changed, _ := w.ScanOnce(ctx)
	if changed != 1 || rec.count() != 2 {
		t.Errorf("changed = %d, ingested = %d", changed, rec.count())
	}
}

func TestExtensionFilterAndSizeLimit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.md", "text")
	writeFile(t, dir, "skip.bin", "binary")
	writeFile(t, dir, "big.md", "0123456789abcdef")

	store := newStateStore()
	rec := &ingestRecorder{}
	w, _ := New(store, rec.ingest, Options{
		Root:              dir,
		AllowedExtensions: []string{".md"},
		MaxFileSize:       10,
	})

	changed, err := w.ScanOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if changed != 1 {
		t.Errorf("changed = %d", changed)
	}
	if rec.count() != 1 || filepath.Base(rec.paths[0]) != "keep.md" {
		t.Errorf("ingested = %v", rec.paths)
	}
}

func TestIngestFailureMarksError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.md", "alpha")

	store := newStateStore()
	rec := &ingestRecorder{err: errors.New("extractor down")}
	w, _ := New(store, rec.ingest, Options{Root: dir})

	w.ScanOnce(context.Background())
	if store.status(path) != brain.FileStateError {
		t.Errorf("status = %s", store.status(path))
	}
}

func TestWatchPicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	store := newStateStore()
	rec := &ingestRecorder{}
	w, _ := New(store, rec.ingest, Options{Root: dir, SettleDelay: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "live.md", "created after start")

	deadline := time.After(5 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("file event never arrived")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
