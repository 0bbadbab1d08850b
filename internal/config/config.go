// Package config loads and validates Nancy's typed configuration.
// Configuration is process-wide, loaded once at start, and immutable
// thereafter except by explicit reload.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Core          CoreConfig          `yaml:"nancy_core" validate:"required"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Brains        BrainsConfig        `yaml:"brains" validate:"required"`
	Extractors    ExtractorsConfig    `yaml:"extractors"`
	Security      *SecurityConfig     `yaml:"security,omitempty"`
	Performance   PerformanceConfig   `yaml:"performance"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// CoreConfig identifies the instance.
type CoreConfig struct {
	Version      string `yaml:"version" validate:"required"`
	InstanceName string `yaml:"instance_name" validate:"required"`
	Description  string `yaml:"description,omitempty"`
}

// OrchestrationConfig controls the router.
type OrchestrationConfig struct {
	Mode                string  `yaml:"mode" validate:"oneof=four_brain simplified custom"`
	MultiStepThreshold  float64 `yaml:"multi_step_threshold" validate:"gte=0,lte=1"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	RoutingStrategy     string  `yaml:"routing_strategy" validate:"oneof=llm_router rule_based custom"`
	MaxQueryComplexity  int     `yaml:"max_query_complexity" validate:"gte=1,lte=10"`
	EnableQueryCaching  bool    `yaml:"enable_query_caching"`
	TopK                int     `yaml:"top_k"`
}

// ConnectionConfig is the shared backend connection shape.
type ConnectionConfig struct {
	Path     string `yaml:"path,omitempty"`     // file-backed stores
	Host     string `yaml:"host,omitempty"`     // network stores
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	URL      string `yaml:"url,omitempty"` // full DSN/URL overrides the fields above
	APIKey   string `yaml:"api_key,omitempty"`
}

// BrainsConfig selects and configures the four backends.
type BrainsConfig struct {
	Vector     VectorBrainConfig     `yaml:"vector"`
	Analytical AnalyticalBrainConfig `yaml:"analytical"`
	Graph      GraphBrainConfig      `yaml:"graph"`
	Linguistic LinguisticBrainConfig `yaml:"linguistic"`
}

// VectorBrainConfig configures the vector store and chunking.
type VectorBrainConfig struct {
	Backend        string           `yaml:"backend"`
	EmbeddingModel string           `yaml:"embedding_model"`
	ChunkSize      int              `yaml:"chunk_size" validate:"gte=0"`
	ChunkOverlap   int              `yaml:"chunk_overlap" validate:"gte=0"`
	Connection     ConnectionConfig `yaml:"connection"`

	// Embedding provider: "genai" or "ollama".
	EmbeddingProvider string `yaml:"embedding_provider"`
	OllamaEndpoint    string `yaml:"ollama_endpoint,omitempty"`
}

// AnalyticalBrainConfig configures the analytical store.
type AnalyticalBrainConfig struct {
	Backend             string           `yaml:"backend"`
	Connection          ConnectionConfig `yaml:"connection"`
	QueryTimeoutSeconds int              `yaml:"query_timeout_seconds" validate:"gte=0"`
}

// GraphBrainConfig configures the graph store.
type GraphBrainConfig struct {
	Backend              string           `yaml:"backend"`
	SchemaMode           string           `yaml:"schema_mode" validate:"oneof=foundational custom flexible"`
	Connection           ConnectionConfig `yaml:"connection"`
	MaxRelationshipDepth int              `yaml:"max_relationship_depth" validate:"gte=1"`
}

// LinguisticBrainConfig configures the LLM clients.
type LinguisticBrainConfig struct {
	PrimaryLLM    string           `yaml:"primary_llm"`
	FallbackLLM   string           `yaml:"fallback_llm,omitempty"`
	Model         string           `yaml:"model,omitempty"`
	FallbackModel string           `yaml:"fallback_model,omitempty"`
	Connection    ConnectionConfig `yaml:"connection"`
	// Separate connection for the fallback provider; primary's is reused
	// when omitted.
	FallbackConnection *ConnectionConfig `yaml:"fallback_connection,omitempty"`
	Temperature        float64           `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens          int               `yaml:"max_tokens" validate:"gte=0"`
}

// ExtractorConfig declares one supervised extraction worker.
type ExtractorConfig struct {
	Name                       string            `yaml:"name" validate:"required"`
	Executable                 string            `yaml:"executable" validate:"required"`
	Args                       []string          `yaml:"args,omitempty"`
	AutoStart                  bool              `yaml:"auto_start"`
	Capabilities               []string          `yaml:"capabilities,omitempty"`
	SupportedExtensions        []string          `yaml:"supported_extensions"`
	Environment                map[string]string `yaml:"environment,omitempty"`
	HealthCheckIntervalSeconds int               `yaml:"health_check_interval_seconds"`
	// Higher priority wins when multiple workers declare the same extension.
	Priority int  `yaml:"priority"`
	Generic  bool `yaml:"generic"` // fallback worker for unmatched files
}

// ExtractorsConfig configures the extractor host.
type ExtractorsConfig struct {
	Enabled                 []ExtractorConfig `yaml:"enabled_extractors"`
	AutoDiscovery           bool              `yaml:"auto_discovery"`
	ExtractorTimeoutSeconds int               `yaml:"extractor_timeout_seconds" validate:"gte=0"`
	MaxRestartAttempts      int               `yaml:"max_restart_attempts"`
	StartupTimeoutSeconds   int               `yaml:"startup_timeout_seconds"`
	ShutdownTimeoutSeconds  int               `yaml:"shutdown_timeout_seconds"`
}

// SecurityConfig is the optional sandbox section.
type SecurityConfig struct {
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig bounds what files may be ingested.
type SandboxConfig struct {
	AllowedFileExtensions []string `yaml:"allowed_file_extensions,omitempty"`
	MaxFileSizeMB         int      `yaml:"max_file_size_mb"`
}

// PerformanceConfig bounds concurrency and caching.
type PerformanceConfig struct {
	QueryTimeoutSeconds  int    `yaml:"query_timeout_seconds" validate:"gte=0"`
	BrainTimeoutSeconds  int    `yaml:"brain_timeout_seconds" validate:"gte=0"`
	MaxConcurrentQueries int    `yaml:"max_concurrent_queries" validate:"gte=0"`
	CacheEnabled         bool   `yaml:"cache_enabled"`
	CacheBackend         string `yaml:"cache_backend"` // memory or redis
	CacheTTLMinutes      int    `yaml:"cache_ttl_minutes" validate:"gte=0"`
	CacheCapacity        int    `yaml:"cache_capacity" validate:"gte=0"`
	MemoryLimitMB        int    `yaml:"memory_limit_mb" validate:"gte=0"`
	IngestQueueSize      int    `yaml:"ingest_queue_size" validate:"gte=0"`
	IngestWorkers        int    `yaml:"ingest_workers" validate:"gte=0"`
	RedisAddr            string `yaml:"redis_addr,omitempty"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Level                     string          `yaml:"level"`
	Structured                bool            `yaml:"structured"`
	IncludePerformanceMetrics bool            `yaml:"include_performance_metrics"`
	LogQueries                bool            `yaml:"log_queries"`
	RetentionDays             int             `yaml:"retention_days"`
	Categories                map[string]bool `yaml:"categories,omitempty"`
}

// Recognized backend names per brain. Unknown backends are rejected with a
// clear error at load time.
var (
	VectorBackends     = []string{"sqlite-vec"}
	AnalyticalBackends = []string{"sqlite", "postgres"}
	GraphBackends      = []string{"sqlite-graph"}
	LinguisticBackends = []string{"gemini", "claude", "openai-compatible"}
)

// Load reads, interpolates, defaults, and validates a config file.
// Missing required environment variables abort with an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	interpolated, err := interpolateEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("environment interpolation failed: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values with sensible defaults before validation.
func (c *Config) applyDefaults() {
	if c.Orchestration.Mode == "" {
		c.Orchestration.Mode = "four_brain"
	}
	if c.Orchestration.RoutingStrategy == "" {
		c.Orchestration.RoutingStrategy = "rule_based"
	}
	if c.Orchestration.MultiStepThreshold == 0 {
		c.Orchestration.MultiStepThreshold = 0.6
	}
	if c.Orchestration.ConfidenceThreshold == 0 {
		c.Orchestration.ConfidenceThreshold = 0.5
	}
	if c.Orchestration.MaxQueryComplexity == 0 {
		c.Orchestration.MaxQueryComplexity = 5
	}
	if c.Orchestration.TopK == 0 {
		c.Orchestration.TopK = 10
	}

	if c.Brains.Vector.Backend == "" {
		c.Brains.Vector.Backend = "sqlite-vec"
	}
	if c.Brains.Vector.EmbeddingProvider == "" {
		c.Brains.Vector.EmbeddingProvider = "ollama"
	}
	if c.Brains.Vector.EmbeddingModel == "" {
		c.Brains.Vector.EmbeddingModel = "embeddinggemma"
	}
	if c.Brains.Vector.ChunkSize == 0 {
		c.Brains.Vector.ChunkSize = 512
	}
	if c.Brains.Vector.OllamaEndpoint == "" {
		c.Brains.Vector.OllamaEndpoint = "http://localhost:11434"
	}
	if c.Brains.Analytical.Backend == "" {
		c.Brains.Analytical.Backend = "sqlite"
	}
	if c.Brains.Analytical.QueryTimeoutSeconds == 0 {
		c.Brains.Analytical.QueryTimeoutSeconds = 15
	}
	if c.Brains.Graph.Backend == "" {
		c.Brains.Graph.Backend = "sqlite-graph"
	}
	if c.Brains.Graph.SchemaMode == "" {
		c.Brains.Graph.SchemaMode = "foundational"
	}
	if c.Brains.Graph.MaxRelationshipDepth == 0 {
		c.Brains.Graph.MaxRelationshipDepth = 3
	}
	if c.Brains.Linguistic.PrimaryLLM == "" {
		c.Brains.Linguistic.PrimaryLLM = "gemini"
	}
	if c.Brains.Linguistic.MaxTokens == 0 {
		c.Brains.Linguistic.MaxTokens = 2048
	}

	if c.Extractors.ExtractorTimeoutSeconds == 0 {
		c.Extractors.ExtractorTimeoutSeconds = 60
	}
	if c.Extractors.MaxRestartAttempts == 0 {
		c.Extractors.MaxRestartAttempts = 3
	}
	if c.Extractors.StartupTimeoutSeconds == 0 {
		c.Extractors.StartupTimeoutSeconds = 10
	}
	if c.Extractors.ShutdownTimeoutSeconds == 0 {
		c.Extractors.ShutdownTimeoutSeconds = 5
	}
	for i := range c.Extractors.Enabled {
		if c.Extractors.Enabled[i].HealthCheckIntervalSeconds == 0 {
			c.Extractors.Enabled[i].HealthCheckIntervalSeconds = 30
		}
	}

	if c.Performance.QueryTimeoutSeconds == 0 {
		c.Performance.QueryTimeoutSeconds = 30
	}
	if c.Performance.BrainTimeoutSeconds == 0 {
		c.Performance.BrainTimeoutSeconds = 10
	}
	if c.Performance.MaxConcurrentQueries == 0 {
		c.Performance.MaxConcurrentQueries = 8
	}
	if c.Performance.CacheBackend == "" {
		c.Performance.CacheBackend = "memory"
	}
	if c.Performance.CacheTTLMinutes == 0 {
		c.Performance.CacheTTLMinutes = 10
	}
	if c.Performance.CacheCapacity == 0 {
		c.Performance.CacheCapacity = 512
	}
	if c.Performance.IngestQueueSize == 0 {
		c.Performance.IngestQueueSize = 128
	}
	if c.Performance.IngestWorkers == 0 {
		c.Performance.IngestWorkers = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks enum membership and struct constraints.
func (c *Config) Validate() error {
	if err := checkBackend("vector", c.Brains.Vector.Backend, VectorBackends); err != nil {
		return err
	}
	if err := checkBackend("analytical", c.Brains.Analytical.Backend, AnalyticalBackends); err != nil {
		return err
	}
	if err := checkBackend("graph", c.Brains.Graph.Backend, GraphBackends); err != nil {
		return err
	}
	if err := checkBackend("linguistic", c.Brains.Linguistic.PrimaryLLM, LinguisticBackends); err != nil {
		return err
	}
	if c.Brains.Linguistic.FallbackLLM != "" {
		if err := checkBackend("linguistic fallback", c.Brains.Linguistic.FallbackLLM, LinguisticBackends); err != nil {
			return err
		}
	}
	if c.Performance.CacheBackend != "memory" && c.Performance.CacheBackend != "redis" {
		return fmt.Errorf("configuration error: unknown cache backend %q (recognized: memory, redis)", c.Performance.CacheBackend)
	}
	if c.Brains.Vector.ChunkOverlap >= c.Brains.Vector.ChunkSize && c.Brains.Vector.ChunkSize > 0 {
		return fmt.Errorf("configuration error: chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Brains.Vector.ChunkOverlap, c.Brains.Vector.ChunkSize)
	}

	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	return nil
}

func checkBackend(brain, name string, recognized []string) error {
	for _, r := range recognized {
		if name == r {
			return nil
		}
	}
	return fmt.Errorf("configuration error: unknown %s backend %q (recognized: %v)", brain, name, recognized)
}

// QueryTimeout returns the global query deadline.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Performance.QueryTimeoutSeconds) * time.Second
}

// AnalyticalQueryTimeout returns the analytical store's per-operation
// deadline.
func (c *Config) AnalyticalQueryTimeout() time.Duration {
	return time.Duration(c.Brains.Analytical.QueryTimeoutSeconds) * time.Second
}

// BrainTimeout returns the per-brain sub-query deadline.
func (c *Config) BrainTimeout() time.Duration {
	return time.Duration(c.Performance.BrainTimeoutSeconds) * time.Second
}

// ExtractorTimeout returns the per-RPC extractor deadline.
func (c *Config) ExtractorTimeout() time.Duration {
	return time.Duration(c.Extractors.ExtractorTimeoutSeconds) * time.Second
}

// CacheTTL returns the query cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Performance.CacheTTLMinutes) * time.Minute
}
