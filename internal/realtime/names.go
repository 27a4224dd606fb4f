package realtime

import (
	"context"
	"sync"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

// NameCache resolves sender display names, batching lookups and caching them
// for the life of a conversation session.
type NameCache struct {
	users repositories.UserRepository

	mu    sync.RWMutex
	cache map[string]models.User
}

// NewNameCache constructs a NameCache.
func NewNameCache(users repositories.UserRepository) *NameCache {
	return &NameCache{users: users, cache: make(map[string]models.User)}
}

// Resolve returns profiles for the given ids, fetching only cache misses in
// a single batched round trip. Lookup failures leave names blank rather than
// failing the caller; enrichment is best-effort.
func (c *NameCache) Resolve(ctx context.Context, ids []string) map[string]models.User {
	result := make(map[string]models.User, len(ids))
	var misses []string

	c.mu.RLock()
	for _, id := range ids {
		if user, ok := c.cache[id]; ok {
			result[id] = user
		} else {
			misses = append(misses, id)
		}
	}
	c.mu.RUnlock()

	if len(misses) == 0 {
		return result
	}

	users, err := c.users.BulkGet(ctx, misses)
	if err != nil {
		return result
	}

	c.mu.Lock()
	for _, user := range users {
		c.cache[user.ID] = user
		result[user.ID] = user
	}
	c.mu.Unlock()
	return result
}

// Name returns the display name for one user, or empty when unknown.
func (c *NameCache) Name(ctx context.Context, id string) string {
	resolved := c.Resolve(ctx, []string{id})
	return resolved[id].Username
}
