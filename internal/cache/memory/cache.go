// Package memory provides an in-process Cache used on its own in development
// and as the fallback behind the remote cache.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

const defaultMaxEntries = 10000

// Config controls the in-process cache.
type Config struct {
	MaxEntries int
	Clock      discovery.Clock
}

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is a mutex-guarded map with lazy expiry.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	clock      discovery.Clock
}

// New creates an in-process cache.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]entry),
		maxEntries: cfg.MaxEntries,
		clock:      cfg.Clock,
	}
}

// Get returns a copy of the stored value if it has not expired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.expired(e) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores value under key for ttl. A non-positive ttl never expires.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.makeRoom(key)
	c.entries[key] = entry{value: append([]byte(nil), value...), expires: c.deadline(ttl)}
	return nil
}

// Incr increments the counter at key, starting a new ttl when the key is
// created.
func (c *Cache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	var n int64
	if ok && !c.expired(e) {
		n, _ = strconv.ParseInt(string(e.value), 10, 64)
	} else {
		c.makeRoom(key)
		e = entry{expires: c.deadline(ttl)}
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	c.entries[key] = e
	return n, nil
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now()
}

func (c *Cache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *Cache) expired(e entry) bool {
	return !e.expires.IsZero() && !c.now().Before(e.expires)
}

// makeRoom evicts expired entries, then an arbitrary one, once the cache is full.
func (c *Cache) makeRoom(key string) {
	if _, exists := c.entries[key]; exists || len(c.entries) < c.maxEntries {
		return
	}
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}
