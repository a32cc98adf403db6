package registry

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"pushrpc/internal/cache"
)

// record holds the live state for one subscription key
type record struct {
	itemName  string
	params    json.RawMessage
	consumers []*Consumer // ordered multiset
	lastValue json.RawMessage
	hasValue  bool
}

// Registry is the client-side source of truth for subscriptions: which
// consumers are attached to each (itemName, parameters) key and the last
// value observed per key. It owns no I/O; the client core decides when a
// registry transition requires a server-side subscribe or unsubscribe.
type Registry struct {
	mu      sync.Mutex
	records map[string]*record
	adapter cache.Cache
	logger  zerolog.Logger
}

// Subscription is one element of a registry snapshot, used for the
// resubscribe pass after reconnect.
type Subscription struct {
	ItemName  string
	Params    json.RawMessage
	Consumers []*Consumer
}

// New creates a new Registry. The adapter may be nil when no external
// stale-while-revalidate cache is configured.
func New(adapter cache.Cache, logger zerolog.Logger) *Registry {
	if adapter == nil {
		adapter = cache.NewNoop()
	}
	return &Registry{
		records: make(map[string]*record),
		adapter: adapter,
		logger:  logger.With().Str("component", "subscription-registry").Logger(),
	}
}

// GetCached returns the last observed value for the key, falling back to
// the external cache adapter when the registry holds none. Never
// performs I/O.
func (r *Registry) GetCached(itemName string, params json.RawMessage) (json.RawMessage, bool) {
	key := cache.Key(itemName, params)

	r.mu.Lock()
	if rec, ok := r.records[key]; ok && rec.hasValue {
		value := rec.lastValue
		r.mu.Unlock()
		return value, true
	}
	r.mu.Unlock()

	return r.adapter.Get(key)
}

// Subscribe ensures a record exists for the key, appends the consumer
// (duplicate handles count, they do not dedup), sets the last value, and
// delivers the initial value to the new consumer.
func (r *Registry) Subscribe(initial json.RawMessage, itemName string, params json.RawMessage, consumer *Consumer) {
	key := cache.Key(itemName, params)

	r.mu.Lock()
	rec, exists := r.records[key]
	if !exists {
		rec = &record{itemName: itemName, params: params}
		r.records[key] = rec
		r.logger.Debug().Str("key", key).Msg("created subscription record")
	}
	rec.consumers = append(rec.consumers, consumer)
	rec.lastValue = initial
	rec.hasValue = true
	count := len(rec.consumers)
	r.mu.Unlock()

	r.adapter.Put(key, initial)
	consumer.Deliver(initial)

	r.logger.Debug().Str("key", key).Int("consumers", count).Msg("consumer subscribed")
}

// Unsubscribe removes exactly one occurrence of the consumer from the
// key's multiset; a consumer that is not present leaves the multiset
// unchanged. The handle is detached once no occurrence of it remains in
// the key's record, which includes a handle that was never there. Returns
// true iff the record is now empty, which is the caller's sole signal to
// drop the server-side subscription.
func (r *Registry) Unsubscribe(itemName string, params json.RawMessage, consumer *Consumer) bool {
	key := cache.Key(itemName, params)

	r.mu.Lock()
	rec, exists := r.records[key]
	if !exists {
		r.mu.Unlock()
		consumer.detach()
		return false
	}

	for i, c := range rec.consumers {
		if c == consumer {
			rec.consumers = append(rec.consumers[:i], rec.consumers[i+1:]...)
			break
		}
	}

	// Detach only when no occurrence of this handle remains; a handle
	// registered twice keeps receiving until its second unsubscribe.
	remaining := false
	for _, c := range rec.consumers {
		if c == consumer {
			remaining = true
			break
		}
	}
	if !remaining {
		consumer.detach()
	}

	empty := len(rec.consumers) == 0
	if empty {
		delete(r.records, key)
	}
	count := len(rec.consumers)
	r.mu.Unlock()

	if empty {
		r.logger.Debug().Str("key", key).Msg("removed subscription record (no more consumers)")
	} else {
		r.logger.Debug().Str("key", key).Int("remaining", count).Msg("consumer unsubscribed")
	}
	return empty
}

// Consume records a pushed value and fans it out to every current
// consumer in insertion order. A push for a key with no record is
// discarded silently (it raced the last unsubscribe). Delivery iterates
// over a snapshot, so a consumer that unsubscribes itself mid-delivery
// cannot corrupt the iteration.
func (r *Registry) Consume(itemName string, params json.RawMessage, data json.RawMessage) {
	key := cache.Key(itemName, params)

	r.mu.Lock()
	rec, exists := r.records[key]
	if !exists {
		r.mu.Unlock()
		return
	}
	rec.lastValue = data
	rec.hasValue = true
	consumers := make([]*Consumer, len(rec.consumers))
	copy(consumers, rec.consumers)
	r.mu.Unlock()

	r.adapter.Put(key, data)
	for _, c := range consumers {
		c.Deliver(data)
	}
}

// Snapshot returns every live subscription with its current consumers,
// used for the resubscribe pass after reconnect.
func (r *Registry) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make([]Subscription, 0, len(r.records))
	for _, rec := range r.records {
		consumers := make([]*Consumer, len(rec.consumers))
		copy(consumers, rec.consumers)
		subs = append(subs, Subscription{
			ItemName:  rec.itemName,
			Params:    rec.params,
			Consumers: consumers,
		})
	}
	return subs
}

// Count returns the number of consumer entries for the key
func (r *Registry) Count(itemName string, params json.RawMessage) int {
	key := cache.Key(itemName, params)

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, exists := r.records[key]
	if !exists {
		return 0
	}
	return len(rec.consumers)
}
