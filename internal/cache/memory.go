package cache

import (
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry represents a cached value with expiration
type cacheEntry struct {
	data      json.RawMessage
	expiresAt time.Time
}

// Memory is an in-memory LRU cache with TTL support
type Memory struct {
	cache     *lru.Cache[string, *cacheEntry]
	ttl       time.Duration
	mu        sync.RWMutex
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a new in-memory cache. A zero ttl means entries
// never expire and no cleanup loop runs.
func NewMemory(size int, ttl time.Duration) (*Memory, error) {
	cache, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}

	mc := &Memory{
		cache:     cache,
		ttl:       ttl,
		closeChan: make(chan struct{}),
	}

	if ttl > 0 {
		go mc.cleanupLoop()
	}

	return mc, nil
}

// Get retrieves a value from the cache
func (mc *Memory) Get(key string) (json.RawMessage, bool) {
	mc.mu.RLock()
	entry, ok := mc.cache.Get(key)
	mc.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		mc.mu.Lock()
		mc.cache.Remove(key)
		mc.mu.Unlock()
		return nil, false
	}

	return entry.data, true
}

// Put stores a value in the cache
func (mc *Memory) Put(key string, value json.RawMessage) {
	entry := &cacheEntry{data: value}
	if mc.ttl > 0 {
		entry.expiresAt = time.Now().Add(mc.ttl)
	}

	mc.mu.Lock()
	mc.cache.Add(key, entry)
	mc.mu.Unlock()
}

// Close stops the cleanup goroutine
func (mc *Memory) Close() {
	mc.closeOnce.Do(func() {
		close(mc.closeChan)
	})
}

// cleanupLoop periodically removes expired entries
func (mc *Memory) cleanupLoop() {
	ticker := time.NewTicker(mc.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-mc.closeChan:
			return
		case <-ticker.C:
			mc.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache
func (mc *Memory) removeExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for _, key := range mc.cache.Keys() {
		entry, ok := mc.cache.Peek(key)
		if ok && !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			mc.cache.Remove(key)
		}
	}
}

// Noop is a cache that does nothing (used when no adapter is configured)
type Noop struct{}

// NewNoop creates a new no-op cache
func NewNoop() *Noop {
	return &Noop{}
}

// Get always returns not found
func (nc *Noop) Get(key string) (json.RawMessage, bool) {
	return nil, false
}

// Put does nothing
func (nc *Noop) Put(key string, value json.RawMessage) {}

// Close does nothing
func (nc *Noop) Close() {}
