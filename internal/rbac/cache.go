package rbac

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	permissions []string
	expiresAt   time.Time
}

// MemoryCache is an in-process permission cache for single-instance
// deployments. Expired entries are dropped lazily on read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[uuid.UUID]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, userID uuid.UUID) ([]string, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, userID)
		c.mu.Unlock()
		return nil, false
	}
	out := make([]string, len(e.permissions))
	copy(out, e.permissions)
	return out, true
}

func (c *MemoryCache) Set(_ context.Context, userID uuid.UUID, permissions []string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	stored := make([]string, len(permissions))
	copy(stored, permissions)
	c.mu.Lock()
	c.entries[userID] = memoryEntry{permissions: stored, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Invalidate(_ context.Context, userID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
