package cache

import (
	"context"
	"sync"
	"time"
)

// IdempotencyCache remembers which entity a caller-supplied request key produced.
type IdempotencyCache interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Remember(ctx context.Context, key string, entityID string, ttl time.Duration) error
}

type NoopIdempotencyCache struct{}

func (NoopIdempotencyCache) Lookup(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (NoopIdempotencyCache) Remember(_ context.Context, _ string, _ string, _ time.Duration) error {
	return nil
}

// LocalIdempotencyCache is a process-local cache for single-instance runs.
type LocalIdempotencyCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]localEntry
}

type localEntry struct {
	entityID  string
	expiresAt time.Time
}

func NewLocalIdempotencyCache() *LocalIdempotencyCache {
	return &LocalIdempotencyCache{now: time.Now, entries: make(map[string]localEntry)}
}

func (c *LocalIdempotencyCache) Lookup(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.entityID, true, nil
}

func (c *LocalIdempotencyCache) Remember(_ context.Context, key string, entityID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := localEntry{entityID: entityID}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}
