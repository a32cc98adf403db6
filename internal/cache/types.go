package cache

import "encoding/json"

// Cache is the stale-while-revalidate adapter the subscription registry
// consults when it has no in-memory value for a fresh consumer.
// This interface allows for different implementations (in-memory, Redis, etc.)
type Cache interface {
	// Get retrieves a cached value by key
	// Returns the cached value and true if found, nil and false otherwise
	Get(key string) (json.RawMessage, bool)

	// Put stores a value in the cache with the given key
	Put(key string, value json.RawMessage)

	// Close releases any resources held by the cache
	Close()
}
