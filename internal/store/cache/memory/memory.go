// Package memory is the process-local pending retry store. Entries vanish
// when the CLI exits.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nulzo/sermon-proxy/internal/store/cache"
)

type entry struct {
	raw      json.RawMessage
	deadline time.Time // zero never expires
}

func (e entry) expired(at time.Time) bool {
	return !e.deadline.IsZero() && !at.Before(e.deadline)
}

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ cache.CacheService = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]entry{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(c.now()) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(e.raw, dest)
}

// Set drops every expired entry before storing, so abandoned keys do not pile up.
func (c *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	at := c.now()
	for k, e := range c.entries {
		if e.expired(at) {
			delete(c.entries, k)
		}
	}

	e := entry{raw: raw}
	if ttl > 0 {
		e.deadline = at.Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len counts stored entries, expired ones included until the next Set.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
