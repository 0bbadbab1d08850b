// Package embedding provides vector embedding generation for the vector brain.
// Two providers are supported: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"nancy/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// availability before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and configures an engine.
type Config struct {
	Provider       string // "ollama" or "genai"
	Model          string
	OllamaEndpoint string
	APIKey         string
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine: provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.Model)
	case "genai":
		return NewGenAIEngine(cfg.APIKey, cfg.Model)
	default:
		logging.Get(logging.CategoryEmbedding).Error("Unsupported embedding provider: %s", cfg.Provider)
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// CosineDistance returns 1 - cosine similarity, so that smaller is closer.
// Mismatched or zero-magnitude vectors report the maximum distance.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1.0
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(magA)*math.Sqrt(magB))
}

// Neighbor is one nearest-neighbor search result.
type Neighbor struct {
	Index    int
	Distance float64
}

// NearestK returns the indices of the k nearest corpus vectors to query,
// sorted by distance ascending with index as the stable tiebreak.
func NearestK(query []float32, corpus [][]float32, k int) []Neighbor {
	if k <= 0 {
		k = 10
	}

	neighbors := make([]Neighbor, 0, len(corpus))
	for i, vec := range corpus {
		neighbors = append(neighbors, Neighbor{Index: i, Distance: CosineDistance(query, vec)})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Distance != neighbors[j].Distance {
			return neighbors[i].Distance < neighbors[j].Distance
		}
		return neighbors[i].Index < neighbors[j].Index
	})

	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}
