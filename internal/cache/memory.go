package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rektwatch/rektwatch/internal/metrics"
)

// MemoryCache is an in-process TTL cache with LRU eviction at capacity.
// It backs deployments without Redis and every test.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*memEntry
	maxEntries int

	reg *metrics.Registry

	stopOnce sync.Once
	stopCh   chan struct{}
}

type memEntry struct {
	value    []byte
	expires  time.Time // zero means no expiry
	accessed time.Time
}

// NewMemory creates an in-process cache holding at most maxEntries values.
// A cleanup goroutine removes expired entries every minute.
func NewMemory(maxEntries int, reg *metrics.Registry) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c := &MemoryCache{
		entries:    make(map[string]*memEntry),
		maxEntries: maxEntries,
		reg:        reg,
		stopCh:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists || entry.expired(time.Now()) {
		c.reg.RecordCacheMiss("memory")
		return nil, false, nil
	}

	c.mu.Lock()
	entry.accessed = time.Now()
	c.mu.Unlock()

	c.reg.RecordCacheHit("memory")
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	c.entries[key] = &memEntry{value: stored, expires: expires, accessed: now}
	return nil
}

func (c *MemoryCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) ([]byte, error) {
	return getOrFetch(ctx, c, key, ttl, fetch, func(err error) {
		log.Warn().Err(err).Str("key", key).Msg("memory cache store failed")
	})
}

func (c *MemoryCache) Health(context.Context) error { return nil }

func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

// Len reports the number of live entries, expired included until the next
// cleanup pass.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// evictLRU removes the least recently accessed entry. Caller holds the
// write lock.
func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.accessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *MemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *MemoryCache) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}
