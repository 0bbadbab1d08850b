// Package watcher keeps a directory tree synchronized with the knowledge
// base. Files are hashed and recorded through the analytical brain's
// file_state table; only content that actually changed is re-ingested.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"nancy/internal/brain"
	"nancy/internal/logging"
)

// IngestFunc re-ingests one changed file and returns its document ID.
type IngestFunc func(ctx context.Context, path string) (docID string, err error)

// Options bounds what the watcher picks up.
type Options struct {
	Root              string
	AllowedExtensions []string // empty means all
	MaxFileSize       int64    // bytes; 0 means unlimited
	// SettleDelay lets editors finish their write-rename dance before the
	// file is hashed.
	SettleDelay time.Duration
}

// Watcher drives change detection for one root directory.
type Watcher struct {
	store  brain.AnalyticalStore
	ingest IngestFunc
	opts   Options

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher. Start begins event delivery.
func New(store brain.AnalyticalStore, ingest IngestFunc, opts Options) (*Watcher, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("watch root required")
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 200 * time.Millisecond
	}
	return &Watcher{store: store, ingest: ingest, opts: opts}, nil
}

// ScanOnce walks the root and processes every eligible file. Returns how
// many files changed and were re-ingested.
func (w *Watcher) ScanOnce(ctx context.Context) (int, error) {
	changed := 0
	err := filepath.WalkDir(w.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.opts.Root {
				return filepath.SkipDir
			}
			return nil
		}
		didChange, perr := w.processFile(ctx, path)
		if perr != nil {
			logging.Get(logging.CategoryWatcher).Warn("Skipping %s: %v", path, perr)
			return nil
		}
		if didChange {
			changed++
		}
		return nil
	})
	return changed, err
}

// Start runs an initial scan and then follows filesystem events until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	w.fsw = fsw

	// Watch the whole tree; fsnotify is not recursive on its own.
	err = filepath.WalkDir(w.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.opts.Root {
				return filepath.SkipDir
			}
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.opts.Root, err)
	}

	if _, err := w.ScanOnce(ctx); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("Initial scan incomplete: %v", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(loopCtx)

	logging.Get(logging.CategoryWatcher).Info("Watching %s", w.opts.Root)
	return nil
}

// Stop ends event delivery and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Warn("Watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Op&fsnotify.Create != 0 && !strings.HasPrefix(filepath.Base(event.Name), ".") {
				_ = w.fsw.Add(event.Name)
			}
			return
		}

		select {
		case <-time.After(w.opts.SettleDelay):
		case <-ctx.Done():
			return
		}
		if _, err := w.processFile(ctx, event.Name); err != nil {
			logging.Get(logging.CategoryWatcher).Warn("Processing %s failed: %v", event.Name, err)
		}

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if err := w.store.MarkFileProcessed(ctx, event.Name, "", brain.FileStateDeleted, ""); err != nil {
			logging.Get(logging.CategoryWatcher).Debug("Delete mark for %s: %v", event.Name, err)
		}
	}
}

// processFile hashes a file, records its state, and re-ingests it when the
// content changed since the last completed processing.
func (w *Watcher) processFile(ctx context.Context, path string) (bool, error) {
	if !w.eligible(path) {
		return false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if w.opts.MaxFileSize > 0 && info.Size() > w.opts.MaxFileSize {
		logging.Get(logging.CategoryWatcher).Debug("Skipping %s: %d bytes exceeds limit", path, info.Size())
		return false, nil
	}

	hash, err := hashFile(path)
	if err != nil {
		return false, err
	}

	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil {
		rel = filepath.Base(path)
	}

	changed, err := w.store.UpsertFileState(ctx, brain.FileState{
		Path:             path,
		ContentHash:      hash,
		LastModified:     info.ModTime(),
		Size:             info.Size(),
		ProcessingStatus: brain.FileStatePending,
		Root:             w.opts.Root,
		RelativePath:     rel,
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	logging.Get(logging.CategoryWatcher).Info("Changed: %s", rel)
	if w.ingest == nil {
		return true, nil
	}

	docID, err := w.ingest(ctx, path)
	if err != nil {
		if merr := w.store.MarkFileProcessed(ctx, path, "", brain.FileStateError, err.Error()); merr != nil {
			logging.Get(logging.CategoryWatcher).Warn("State update for %s failed: %v", path, merr)
		}
		return true, err
	}
	if err := w.store.MarkFileProcessed(ctx, path, docID, brain.FileStateCompleted, ""); err != nil {
		return true, err
	}
	return true, nil
}

func (w *Watcher) eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	if len(w.opts.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, allowed := range w.opts.AllowedExtensions {
		if strings.ToLower(strings.TrimPrefix(allowed, ".")) == ext {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
