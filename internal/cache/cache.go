// Package cache is the query result cache. Keys bind the normalized query
// text, the analyzed intent, and the requested K so semantically different
// requests never collide. Two backends: in-process LRU with TTL, and Redis
// for multi-instance deployments.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nancy/internal/brain"
	"nancy/internal/logging"
)

// Entry is a cached query outcome.
type Entry struct {
	Answer  string            `json:"answer"`
	Results []brain.Result    `json:"results"`
	Intent  brain.QueryIntent `json:"intent"`
}

// Cache is the query cache contract. Get misses must be indistinguishable
// from errors to callers that treat the cache as optional.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Set(ctx context.Context, key string, entry Entry)
	Purge(ctx context.Context)
	Close() error
}

// Key derives a cache key from the normalized query, the intent, and K.
func Key(query string, intent brain.QueryIntent, k int) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))

	intentJSON, err := json.Marshal(intent)
	if err != nil {
		intentJSON = []byte(intent.QueryType)
	}

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write(intentJSON)
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", k)
	return "nancy:query:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Options selects and configures a backend.
type Options struct {
	Backend   string // "memory" or "redis"
	Capacity  int
	TTL       time.Duration
	RedisAddr string
}

// New creates a cache from configuration.
func New(opts Options) (Cache, error) {
	switch opts.Backend {
	case "memory", "":
		return NewMemory(opts.Capacity, opts.TTL), nil
	case "redis":
		return NewRedis(opts.RedisAddr, opts.TTL)
	default:
		logging.Get(logging.CategoryCache).Error("Unknown cache backend: %s", opts.Backend)
		return nil, fmt.Errorf("unknown cache backend: %s", opts.Backend)
	}
}
