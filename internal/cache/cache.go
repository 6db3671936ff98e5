package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/signalsfoundry/sonde-tracker/timectrl"
)

const (
	// DefaultTTL is how long an entry stays valid, absolute from insertion.
	DefaultTTL = 300 * time.Second
	// DefaultCapacity bounds the store; the least-recently-used key is
	// evicted when a new key would exceed it.
	DefaultCapacity = 100
)

// Observer receives cache outcome notifications, typically backed by the
// observability collector. All methods must be safe for concurrent use.
type Observer interface {
	CacheHit(cache string)
	CacheMiss(cache string)
	CacheEviction(cache string)
}

type noopObserver struct{}

func (noopObserver) CacheHit(string)      {}
func (noopObserver) CacheMiss(string)     {}
func (noopObserver) CacheEviction(string) {}

// Config controls one cache instance.
type Config struct {
	TTL      time.Duration
	Capacity int
	Clock    timectrl.Clock
	Observer Observer
}

type entry[T any] struct {
	payload     T
	insertedAt  time.Time
	version     uint64
	accessCount int64
}

// Cache is a serialized-access TTL+LRU store. Entries expire a fixed TTL
// after insertion regardless of access pattern; capacity is enforced by
// evicting the least-recently-used key. The recency order lives in the
// underlying LRU list and is consulted for eviction only when the store is
// full. All operations are linearizable per key via a single mutex.
type Cache[T any] struct {
	mu sync.Mutex

	name     string
	ttl      time.Duration
	capacity int
	clock    timectrl.Clock
	observer Observer

	lru          *simplelru.LRU[string, *entry[T]]
	reservations map[string]uint64
	nextVersion  uint64

	// sweeping distinguishes expiry removals from capacity evictions in
	// the shared evict callback.
	sweeping bool
}

// New constructs a named cache. Zero config fields fall back to defaults.
func New[T any](name string, cfg Config) *Cache[T] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = timectrl.SystemClock{}
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}

	c := &Cache[T]{
		name:         name,
		ttl:          cfg.TTL,
		capacity:     cfg.Capacity,
		clock:        cfg.Clock,
		observer:     cfg.Observer,
		reservations: make(map[string]uint64),
	}
	lru, err := simplelru.NewLRU[string, *entry[T]](cfg.Capacity, c.onEvict)
	if err != nil {
		// Capacity is forced positive above; NewLRU only fails on size <= 0.
		panic(err)
	}
	c.lru = lru
	return c
}

func (c *Cache[T]) onEvict(key string, _ *entry[T]) {
	if !c.sweeping {
		c.observer.CacheEviction(c.name)
	}
}

// Get returns the cached value for key if present and unexpired, promoting
// the key to most-recently-used. The insertion timestamp is never refreshed
// by access; expiry is absolute.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep()

	e, ok := c.lru.Get(key)
	if !ok {
		c.observer.CacheMiss(c.name)
		var zero T
		return zero, false
	}
	e.accessCount++
	c.observer.CacheHit(c.name)
	return e.payload, true
}

// Set stores a value under key, evicting the least-recently-used entry if
// the store is at capacity with a new key.
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep()
	version := c.reserveLocked(key)
	c.storeLocked(key, version, value)
}

// Reserve hands out a version token for an in-flight computation of key.
// A later Fulfill only lands if no newer reservation was made in between,
// so stale results from superseded requests are dropped.
func (c *Cache[T]) Reserve(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserveLocked(key)
}

// Fulfill stores the value computed under a Reserve token. It reports
// whether the value was accepted.
func (c *Cache[T]) Fulfill(key string, version uint64, value T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep()
	if c.reservations[key] != version {
		return false
	}
	c.storeLocked(key, version, value)
	return true
}

// Len reports the number of live entries, including any not yet swept.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep()
	return c.lru.Len()
}

// AccessCount reports how often key has been read since insertion. Zero when
// the key is absent.
func (c *Cache[T]) AccessCount(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Peek(key); ok {
		return e.accessCount
	}
	return 0
}

// Purge drops every entry and all reservations.
func (c *Cache[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweeping = true
	c.lru.Purge()
	c.sweeping = false
	c.reservations = make(map[string]uint64)
}

func (c *Cache[T]) reserveLocked(key string) uint64 {
	c.nextVersion++
	c.reservations[key] = c.nextVersion
	return c.nextVersion
}

func (c *Cache[T]) storeLocked(key string, version uint64, value T) {
	c.lru.Add(key, &entry[T]{
		payload:    value,
		insertedAt: c.clock.Now(),
		version:    version,
	})
}

// sweep removes every expired entry. Runs at the start of each get/set so
// expired entries never satisfy a lookup or occupy capacity.
func (c *Cache[T]) sweep() {
	now := c.clock.Now()
	c.sweeping = true
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.insertedAt) >= c.ttl {
			c.lru.Remove(key)
		}
	}
	c.sweeping = false
}
