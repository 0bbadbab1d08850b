package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"nancy/internal/logging"
)

// Memory is the in-process cache backend: a size-bounded LRU whose entries
// expire after the configured TTL.
type Memory struct {
	lru *expirable.LRU[string, Entry]
}

// NewMemory creates a memory cache.
func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 512
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	logging.Get(logging.CategoryCache).Info("Memory cache: capacity=%d ttl=%v", capacity, ttl)
	return &Memory{lru: expirable.NewLRU[string, Entry](capacity, nil, ttl)}
}

// Get returns the cached entry for key, if present and unexpired.
func (m *Memory) Get(_ context.Context, key string) (Entry, bool) {
	entry, ok := m.lru.Get(key)
	if ok {
		logging.Get(logging.CategoryCache).Debug("Cache hit: %s", key)
	}
	return entry, ok
}

// Set stores an entry under key.
func (m *Memory) Set(_ context.Context, key string, entry Entry) {
	m.lru.Add(key, entry)
}

// Purge drops every entry.
func (m *Memory) Purge(_ context.Context) {
	m.lru.Purge()
}

// Close is a no-op for the memory backend.
func (m *Memory) Close() error { return nil }
