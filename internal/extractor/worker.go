package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nancy/internal/brain"
	"nancy/internal/config"
	"nancy/internal/logging"
	"nancy/internal/packet"
)

// Worker lifecycle states.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateCrashed  State = "crashed"
)

// consecutive health-check failures before a healthy worker is demoted.
const degradeThreshold = 3

// Limits bounds worker supervision behavior; values come from config.
type Limits struct {
	RPCTimeout      time.Duration
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	MaxRestarts     int
}

// Worker is one supervised extraction subprocess.
type Worker struct {
	cfg    config.ExtractorConfig
	limits Limits

	mu              sync.Mutex
	state           State
	proc            *process
	restartAttempts int
	healthFailures  int
	stopping        bool

	healthStop chan struct{}
	wg         sync.WaitGroup
}

// NewWorker creates a worker in the stopped state.
func NewWorker(cfg config.ExtractorConfig, limits Limits) *Worker {
	if limits.RPCTimeout <= 0 {
		limits.RPCTimeout = 60 * time.Second
	}
	if limits.StartupTimeout <= 0 {
		limits.StartupTimeout = 10 * time.Second
	}
	if limits.ShutdownTimeout <= 0 {
		limits.ShutdownTimeout = 5 * time.Second
	}
	if limits.MaxRestarts <= 0 {
		limits.MaxRestarts = 3
	}
	return &Worker{cfg: cfg, limits: limits, state: StateStopped}
}

// Name returns the configured worker name.
func (w *Worker) Name() string { return w.cfg.Name }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start spawns the subprocess, waits for a passing health check, and begins
// periodic supervision.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped && w.state != StateCrashed {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already running (%s)", w.cfg.Name, w.state)
	}
	w.state = StateStarting
	w.stopping = false
	w.mu.Unlock()

	if err := w.spawnAndVerify(ctx); err != nil {
		w.setState(StateCrashed)
		return err
	}

	w.mu.Lock()
	w.restartAttempts = 0
	w.healthFailures = 0
	w.healthStop = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.healthLoop()

	logging.Get(logging.CategoryExtractor).Info("Worker %s healthy (%s)", w.cfg.Name, w.cfg.Executable)
	return nil
}

func (w *Worker) spawnAndVerify(ctx context.Context) error {
	proc, err := spawn(workerCommand{
		Name:        w.cfg.Name,
		Executable:  w.cfg.Executable,
		Args:        w.cfg.Args,
		Environment: w.cfg.Environment,
	}, w.onExit)
	if err != nil {
		return brain.ExtractorCrash(w.cfg.Name, err)
	}

	w.mu.Lock()
	w.proc = proc
	w.mu.Unlock()

	warmup, cancel := context.WithTimeout(ctx, w.limits.StartupTimeout)
	defer cancel()
	if err := w.healthCheck(warmup); err != nil {
		proc.terminate(w.limits.ShutdownTimeout)
		return brain.ExtractorCrash(w.cfg.Name, fmt.Errorf("startup health check: %w", err))
	}

	w.setState(StateHealthy)
	return nil
}

// onExit handles unexpected subprocess termination and drives the restart
// policy: exponential backoff, bounded attempts.
func (w *Worker) onExit(exitErr error) {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return
	}
	w.state = StateCrashed
	attempts := w.restartAttempts
	w.closeHealthStopLocked()
	w.mu.Unlock()

	logging.Get(logging.CategoryExtractor).Error("Worker %s exited unexpectedly: %v", w.cfg.Name, exitErr)

	if attempts >= w.limits.MaxRestarts {
		logging.Get(logging.CategoryExtractor).Error("Worker %s exceeded %d restarts, giving up", w.cfg.Name, w.limits.MaxRestarts)
		return
	}

	backoff := time.Duration(1<<uint(attempts)) * time.Second
	logging.Get(logging.CategoryExtractor).Warn("Restarting worker %s in %v (attempt %d/%d)",
		w.cfg.Name, backoff, attempts+1, w.limits.MaxRestarts)
	time.Sleep(backoff)

	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return
	}
	w.restartAttempts = attempts + 1
	w.state = StateStarting
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.limits.StartupTimeout+w.limits.RPCTimeout)
	defer cancel()
	if err := w.spawnAndVerify(ctx); err != nil {
		logging.Get(logging.CategoryExtractor).Error("Worker %s restart failed: %v", w.cfg.Name, err)
		return
	}

	w.mu.Lock()
	w.healthFailures = 0
	w.healthStop = make(chan struct{})
	w.mu.Unlock()
	w.wg.Add(1)
	go w.healthLoop()
}

// Stop shuts the worker down gracefully, force-killing after the timeout.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.stopping = true
	proc := w.proc
	w.closeHealthStopLocked()
	w.mu.Unlock()

	if proc != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, w.limits.ShutdownTimeout)
		_, _ = proc.conn.Call(shutdownCtx, methodShutdown, struct{}{})
		cancel()
		proc.terminate(w.limits.ShutdownTimeout)
	}

	w.wg.Wait()
	w.setState(StateStopped)
	logging.Get(logging.CategoryExtractor).Info("Worker %s stopped", w.cfg.Name)
}

func (w *Worker) healthLoop() {
	defer w.wg.Done()

	interval := time.Duration(w.cfg.HealthCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.mu.Lock()
	stop := w.healthStop
	w.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.limits.RPCTimeout)
			err := w.healthCheck(ctx)
			cancel()

			w.mu.Lock()
			if err != nil {
				w.healthFailures++
				if w.healthFailures >= degradeThreshold && w.state == StateHealthy {
					w.state = StateDegraded
					logging.Get(logging.CategoryExtractor).Warn("Worker %s degraded after %d failed health checks: %v",
						w.cfg.Name, w.healthFailures, err)
				}
			} else {
				if w.state == StateDegraded {
					logging.Get(logging.CategoryExtractor).Info("Worker %s recovered", w.cfg.Name)
				}
				w.healthFailures = 0
				if w.state == StateDegraded {
					w.state = StateHealthy
				}
			}
			w.mu.Unlock()
		}
	}
}

type healthResult struct {
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (w *Worker) healthCheck(ctx context.Context) error {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("worker %s not running", w.cfg.Name)
	}

	raw, err := proc.conn.Call(ctx, methodHealthCheck, struct{}{})
	if err != nil {
		return err
	}
	var result healthResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("malformed health response: %w", err)
	}
	if result.Status != "ok" && result.Status != "healthy" {
		return fmt.Errorf("worker reports status %q", result.Status)
	}
	return nil
}

// Capabilities queries the worker's declared extensions and version.
func (w *Worker) Capabilities(ctx context.Context) (extensions []string, version string, err error) {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	if proc == nil {
		return nil, "", fmt.Errorf("worker %s not running", w.cfg.Name)
	}

	raw, err := proc.conn.Call(ctx, methodCapabilities, struct{}{})
	if err != nil {
		return nil, "", brain.ExtractorError(w.cfg.Name, err)
	}
	var result struct {
		SupportedExtensions []string `json:"supported_extensions"`
		Version             string   `json:"version"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, "", brain.ExtractorError(w.cfg.Name, err)
	}
	return result.SupportedExtensions, result.Version, nil
}

type ingestParams struct {
	FilePath string            `json:"file_path"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ingestResult struct {
	Packets []*packet.KnowledgePacket `json:"packets"`
}

// Ingest asks the worker to extract a file into knowledge packets.
func (w *Worker) Ingest(ctx context.Context, filePath string, metadata map[string]string) ([]*packet.KnowledgePacket, error) {
	w.mu.Lock()
	proc := w.proc
	state := w.state
	w.mu.Unlock()

	if proc == nil || (state != StateHealthy && state != StateDegraded) {
		return nil, brain.ExtractorError(w.cfg.Name, fmt.Errorf("worker is %s", state))
	}

	timer := logging.StartTimer(logging.CategoryExtractor, "Ingest")
	defer timer.StopWithThreshold(w.limits.RPCTimeout / 2)

	rpcCtx, cancel := context.WithTimeout(ctx, w.limits.RPCTimeout)
	defer cancel()

	raw, err := proc.conn.Call(rpcCtx, methodIngest, ingestParams{FilePath: filePath, Metadata: metadata})
	if err != nil {
		w.mu.Lock()
		w.healthFailures++
		w.mu.Unlock()
		if rpcCtx.Err() != nil && ctx.Err() == nil {
			return nil, brain.ExtractorError(w.cfg.Name, fmt.Errorf("ingest timed out after %v", w.limits.RPCTimeout))
		}
		return nil, brain.ExtractorError(w.cfg.Name, err)
	}

	var result ingestResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, brain.ExtractorError(w.cfg.Name, fmt.Errorf("malformed ingest result: %w", err))
	}
	return result.Packets, nil
}

// closeHealthStopLocked closes the supervision channel at most once.
// Caller holds w.mu.
func (w *Worker) closeHealthStopLocked() {
	if w.healthStop == nil {
		return
	}
	select {
	case <-w.healthStop:
	default:
		close(w.healthStop)
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}
