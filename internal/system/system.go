// Package system assembles Nancy from configuration and owns its lifecycle:
// brains come up lazily, then the packet processor, then the extractor host,
// then the router. Shutdown runs in reverse, each step bounded.
package system

import (
	"context"
	"fmt"
	"time"

	"nancy/internal/brain"
	"nancy/internal/cache"
	"nancy/internal/config"
	"nancy/internal/embedding"
	"nancy/internal/extractor"
	"nancy/internal/llm"
	"nancy/internal/logging"
	"nancy/internal/packet"
	"nancy/internal/processor"
	"nancy/internal/router"
	"nancy/internal/store"
	"nancy/internal/store/pgstore"
)

// Overall system status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Report aggregates per-brain health into one system status.
type Report struct {
	Status     string                      `json:"status"`
	Brains     map[brain.Kind]brain.Health `json:"brains"`
	Extractors []extractor.WorkerStatus    `json:"extractors,omitempty"`
}

// System is the assembled instance.
type System struct {
	cfg *config.Config

	Vector     brain.VectorStore
	Analytical brain.AnalyticalStore
	Graph      brain.GraphStore
	Linguistic brain.LinguisticModel

	Processor  *processor.Processor
	Extractors *extractor.Host
	Router     *router.Router

	cache   cache.Cache
	closers []func() error
	started bool
}

// New builds every component from configuration. Storage connections are
// opened here; network backends connect lazily on first use.
func New(cfg *config.Config) (*System, error) {
	s := &System{cfg: cfg}

	if err := s.buildBrains(); err != nil {
		s.closeAll()
		return nil, err
	}

	s.Processor = processor.New(s.Vector, s.Analytical, s.Graph, s.Linguistic, processor.Options{
		QueueSize:      cfg.Performance.IngestQueueSize,
		Workers:        cfg.Performance.IngestWorkers,
		ExtractStories: cfg.Orchestration.Mode != "simplified",
	})

	s.Extractors = extractor.NewHost(cfg.Extractors)

	if cfg.Orchestration.EnableQueryCaching || cfg.Performance.CacheEnabled {
		c, err := cache.New(cache.Options{
			Backend:   cfg.Performance.CacheBackend,
			Capacity:  cfg.Performance.CacheCapacity,
			TTL:       cfg.CacheTTL(),
			RedisAddr: cfg.Performance.RedisAddr,
		})
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("Query cache disabled: %v", err)
		} else {
			s.cache = c
			s.closers = append(s.closers, c.Close)
		}
	}

	s.Router = router.New(s.Vector, s.Analytical, s.Graph, s.Linguistic, s.cache, router.Options{
		TopK:                 cfg.Orchestration.TopK,
		ConfidenceThreshold:  cfg.Orchestration.ConfidenceThreshold,
		MultiStepThreshold:   cfg.Orchestration.MultiStepThreshold,
		GlobalTimeout:        cfg.QueryTimeout(),
		BrainTimeout:         cfg.BrainTimeout(),
		MaxConcurrent:        int64(cfg.Performance.MaxConcurrentQueries),
		EnableCache:          s.cache != nil,
		MaxRelationshipDepth: cfg.Brains.Graph.MaxRelationshipDepth,
	})

	return s, nil
}

func (s *System) buildBrains() error {
	cfg := s.cfg

	// Vector brain.
	switch cfg.Brains.Vector.Backend {
	case "sqlite-vec", "":
		engine, err := embedding.NewEngine(embedding.Config{
			Provider:       cfg.Brains.Vector.EmbeddingProvider,
			Model:          cfg.Brains.Vector.EmbeddingModel,
			OllamaEndpoint: cfg.Brains.Vector.OllamaEndpoint,
			APIKey:         cfg.Brains.Vector.Connection.APIKey,
		})
		if err != nil {
			return fmt.Errorf("embedding engine: %w", err)
		}
		vs, err := store.NewSQLiteVectorStore(cfg.Brains.Vector.Connection.Path, engine)
		if err != nil {
			return fmt.Errorf("vector store: %w", err)
		}
		s.Vector = vs
		s.closers = append(s.closers, vs.Close)
	default:
		return fmt.Errorf("unknown vector backend %q", cfg.Brains.Vector.Backend)
	}

	// Analytical brain.
	switch cfg.Brains.Analytical.Backend {
	case "sqlite", "":
		as, err := store.NewSQLiteAnalyticalStore(cfg.Brains.Analytical.Connection.Path, cfg.AnalyticalQueryTimeout())
		if err != nil {
			return fmt.Errorf("analytical store: %w", err)
		}
		s.Analytical = as
		s.closers = append(s.closers, as.Close)
	case "postgres":
		ps, err := pgstore.New(postgresDSN(cfg.Brains.Analytical.Connection), cfg.AnalyticalQueryTimeout())
		if err != nil {
			return fmt.Errorf("analytical store: %w", err)
		}
		s.Analytical = ps
		s.closers = append(s.closers, ps.Close)
	default:
		return fmt.Errorf("unknown analytical backend %q", cfg.Brains.Analytical.Backend)
	}

	// Graph brain.
	switch cfg.Brains.Graph.Backend {
	case "sqlite-graph", "":
		gs, err := store.NewSQLiteGraphStore(cfg.Brains.Graph.Connection.Path, cfg.Brains.Graph.MaxRelationshipDepth)
		if err != nil {
			return fmt.Errorf("graph store: %w", err)
		}
		s.Graph = gs
		s.closers = append(s.closers, gs.Close)
	default:
		return fmt.Errorf("unknown graph backend %q", cfg.Brains.Graph.Backend)
	}

	// Linguistic brain.
	client, err := llm.NewFromConfig(cfg.Brains.Linguistic)
	if err != nil {
		return fmt.Errorf("linguistic model: %w", err)
	}
	s.Linguistic = newLinguisticBrain(client)

	return nil
}

// postgresDSN renders a connection config as a pgx DSN. An explicit URL wins.
func postgresDSN(c config.ConnectionConfig) string {
	if c.URL != "" {
		return c.URL
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, host, port, c.Database)
}

// Start brings up the processing components in dependency order.
func (s *System) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	logging.Get(logging.CategoryBoot).Info("Starting %s", s.cfg.Core.InstanceName)

	s.Processor.Start()
	if err := s.Extractors.Start(ctx); err != nil {
		s.Processor.Stop()
		return fmt.Errorf("extractor host: %w", err)
	}

	s.started = true
	logging.Get(logging.CategoryBoot).Info("System started")
	return nil
}

// Stop shuts components down in reverse order, each bounded by the
// configured shutdown timeout.
func (s *System) Stop(ctx context.Context) {
	logging.Get(logging.CategoryBoot).Info("Stopping system")

	if s.started {
		shutdownCtx, cancel := context.WithTimeout(ctx,
			time.Duration(s.cfg.Extractors.ShutdownTimeoutSeconds+5)*time.Second)
		s.Extractors.Stop(shutdownCtx)
		cancel()

		s.Processor.Stop()
		s.started = false
	}

	s.closeAll()
	logging.Get(logging.CategoryBoot).Info("System stopped")
}

func (s *System) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logging.Get(logging.CategoryBoot).Warn("Close failed: %v", err)
		}
	}
	s.closers = nil
}

// IngestFile extracts a file into packets and applies them synchronously.
func (s *System) IngestFile(ctx context.Context, path string, metadata map[string]string) ([]processor.IngestResult, error) {
	packets, err := s.Extractors.IngestFile(ctx, path, metadata)
	if err != nil {
		return nil, err
	}

	results := make([]processor.IngestResult, 0, len(packets))
	for _, pkt := range packets {
		results = append(results, s.Processor.Process(ctx, pkt))
	}
	return results, nil
}

// IngestPacket applies one already-extracted packet.
func (s *System) IngestPacket(ctx context.Context, pkt *packet.KnowledgePacket) processor.IngestResult {
	return s.Processor.Process(ctx, pkt)
}

// Query runs the full query pipeline.
func (s *System) Query(ctx context.Context, query string, history []string) (*router.Answer, error) {
	return s.Router.Query(ctx, query, history)
}

// Health aggregates brain health. The system is healthy when the linguistic
// model answers and at least one storage brain does; a live model with dead
// storage is degraded; a dead model is unhealthy regardless of storage.
func (s *System) Health(ctx context.Context) Report {
	report := Report{Brains: map[brain.Kind]brain.Health{}}

	report.Brains[brain.KindVector] = s.Vector.Health(ctx)
	report.Brains[brain.KindAnalytical] = s.Analytical.Health(ctx)
	report.Brains[brain.KindGraph] = s.Graph.Health(ctx)
	report.Brains[brain.KindLinguistic] = s.Linguistic.Health(ctx)

	if s.Extractors != nil {
		_, report.Extractors = s.Extractors.FleetHealth()
	}

	storageOK := report.Brains[brain.KindVector].OK ||
		report.Brains[brain.KindAnalytical].OK ||
		report.Brains[brain.KindGraph].OK

	switch {
	case report.Brains[brain.KindLinguistic].OK && storageOK:
		report.Status = StatusHealthy
	case report.Brains[brain.KindLinguistic].OK:
		report.Status = StatusDegraded
	default:
		report.Status = StatusUnhealthy
	}
	return report
}
