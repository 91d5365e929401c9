package store

import (
	"context"
	"sync"
	"time"
)

// MemoryDecisionCache implements DecisionCache using an in-memory map.
// Used when Redis is disabled and in tests.
type MemoryDecisionCache struct {
	data    map[string]*cacheItem
	mu      sync.RWMutex
	maxSize int
	now     func() time.Time
}

type cacheItem struct {
	value     CachedDecision
	expiresAt time.Time
}

// NewMemoryDecisionCache creates a new in-memory decision cache
func NewMemoryDecisionCache(maxSize int) *MemoryDecisionCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryDecisionCache{
		data:    make(map[string]*cacheItem),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get retrieves a value from cache
func (c *MemoryDecisionCache) Get(ctx context.Context, correlationID string) (*CachedDecision, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.data[correlationID]
	if !exists || c.now().After(item.expiresAt) {
		return nil, ErrNotFound
	}

	v := item.value
	return &v, nil
}

// Set stores a value in cache with TTL
func (c *MemoryDecisionCache) Set(ctx context.Context, correlationID string, decision *CachedDecision, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.data[correlationID]; !exists && len(c.data) >= c.maxSize {
		c.evict(now)
	}

	c.data[correlationID] = &cacheItem{
		value:     *decision,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// evict drops expired entries, or the entry closest to expiry when none expired
func (c *MemoryDecisionCache) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, v := range c.data {
		if now.After(v.expiresAt) {
			delete(c.data, k)
			continue
		}
		if oldestKey == "" || v.expiresAt.Before(oldest) {
			oldestKey, oldest = k, v.expiresAt
		}
	}
	if len(c.data) >= c.maxSize && oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

// Delete removes a value from cache
func (c *MemoryDecisionCache) Delete(ctx context.Context, correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, correlationID)
	return nil
}

// Ping always succeeds
func (c *MemoryDecisionCache) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (c *MemoryDecisionCache) Close() error {
	return nil
}

// Size returns the number of items in cache
func (c *MemoryDecisionCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
