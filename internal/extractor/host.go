package extractor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"nancy/internal/brain"
	"nancy/internal/config"
	"nancy/internal/logging"
	"nancy/internal/packet"
)

// Host runs the extractor fleet: it owns the workers, selects one per file,
// and aggregates their health.
type Host struct {
	workers []*Worker
	byName  map[string]*Worker
}

// NewHost builds the fleet from configuration. Workers are not started.
func NewHost(cfg config.ExtractorsConfig) *Host {
	limits := Limits{
		RPCTimeout:      time.Duration(cfg.ExtractorTimeoutSeconds) * time.Second,
		StartupTimeout:  time.Duration(cfg.StartupTimeoutSeconds) * time.Second,
		ShutdownTimeout: time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
		MaxRestarts:     cfg.MaxRestartAttempts,
	}

	h := &Host{byName: make(map[string]*Worker)}
	for _, wc := range cfg.Enabled {
		w := NewWorker(wc, limits)
		h.workers = append(h.workers, w)
		h.byName[wc.Name] = w
	}
	return h
}

// Start launches every auto-start worker. A worker that fails to start is
// logged and left crashed; the rest of the fleet still comes up.
func (h *Host) Start(ctx context.Context) error {
	started := 0
	for _, w := range h.workers {
		if !w.cfg.AutoStart {
			continue
		}
		if err := w.Start(ctx); err != nil {
			logging.Get(logging.CategoryExtractor).Error("Worker %s failed to start: %v", w.Name(), err)
			continue
		}
		started++
	}
	logging.Get(logging.CategoryExtractor).Info("Extractor host: %d/%d workers started", started, len(h.workers))
	return nil
}

// Stop shuts down every worker.
func (h *Host) Stop(ctx context.Context) {
	for _, w := range h.workers {
		w.Stop(ctx)
	}
}

// Worker returns a worker by name.
func (h *Host) Worker(name string) (*Worker, bool) {
	w, ok := h.byName[name]
	return w, ok
}

// Select picks the worker for a file. Extension matches are preferred by
// priority, then by the narrowness of the worker's declaration (a worker
// claiming fewer extensions is considered more specialized). With no match,
// a generic worker is the fallback.
func (h *Host) Select(path string) (*Worker, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))

	var matches []*Worker
	for _, w := range h.workers {
		for _, supported := range w.cfg.SupportedExtensions {
			if strings.ToLower(strings.TrimPrefix(supported, ".")) == ext && ext != "" {
				matches = append(matches, w)
				break
			}
		}
	}

	if len(matches) > 0 {
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].cfg.Priority != matches[j].cfg.Priority {
				return matches[i].cfg.Priority > matches[j].cfg.Priority
			}
			return len(matches[i].cfg.SupportedExtensions) < len(matches[j].cfg.SupportedExtensions)
		})
		return matches[0], nil
	}

	for _, w := range h.workers {
		if w.cfg.Generic {
			return w, nil
		}
	}

	return nil, brain.NewError(brain.KindNoExtractor,
		fmt.Errorf("no extractor for extension %q (%s)", ext, filepath.Base(path)))
}

// IngestFile routes a file to its worker and returns the emitted packets.
func (h *Host) IngestFile(ctx context.Context, path string, metadata map[string]string) ([]*packet.KnowledgePacket, error) {
	w, err := h.Select(path)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryExtractor).Debug("File %s routed to worker %s", filepath.Base(path), w.Name())
	return w.Ingest(ctx, path, metadata)
}

// WorkerStatus is one worker's entry in the fleet report.
type WorkerStatus struct {
	Name  string `json:"name"`
	State State  `json:"state"`
}

// FleetHealth aggregates worker states. OK when at least one worker is
// healthy; a fleet of zero workers is vacuously OK (extraction disabled).
func (h *Host) FleetHealth() (brain.Health, []WorkerStatus) {
	statuses := make([]WorkerStatus, 0, len(h.workers))
	healthy := 0
	for _, w := range h.workers {
		s := w.State()
		if s == StateHealthy {
			healthy++
		}
		statuses = append(statuses, WorkerStatus{Name: w.Name(), State: s})
	}

	if len(h.workers) == 0 {
		return brain.Health{OK: true, Details: "no extractors configured"}, statuses
	}
	return brain.Health{
		OK:      healthy > 0,
		Details: fmt.Sprintf("%d/%d workers healthy", healthy, len(h.workers)),
	}, statuses
}
