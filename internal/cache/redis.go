package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"nancy/internal/logging"
)

// Redis is the shared cache backend for multi-instance deployments. Entries
// are JSON values with a server-side TTL. Redis failures degrade to cache
// misses; the query path must never fail because the cache is down.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to a Redis server and verifies reachability.
func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	logging.Get(logging.CategoryCache).Info("Redis cache: addr=%s ttl=%v", addr, ttl)
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

// Get returns the cached entry for key, if present.
func (r *Redis) Get(ctx context.Context, key string) (Entry, bool) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Get(logging.CategoryCache).Warn("Redis get failed: %v", err)
		}
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		logging.Get(logging.CategoryCache).Warn("Corrupt cache entry for %s: %v", key, err)
		return Entry{}, false
	}
	logging.Get(logging.CategoryCache).Debug("Cache hit: %s", key)
	return entry, true
}

// Set stores an entry under key with the configured TTL.
func (r *Redis) Set(ctx context.Context, key string, entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		logging.Get(logging.CategoryCache).Warn("Cache entry marshal failed: %v", err)
		return
	}
	if err := r.rdb.Set(ctx, key, data, r.ttl).Err(); err != nil {
		logging.Get(logging.CategoryCache).Warn("Redis set failed: %v", err)
	}
}

// Purge drops every Nancy query entry.
func (r *Redis) Purge(ctx context.Context) {
	iter := r.rdb.Scan(ctx, 0, "nancy:query:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			logging.Get(logging.CategoryCache).Warn("Redis del failed: %v", err)
		}
	}
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
