package gwcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/store"
)

// DefaultTTL applies when the tenant's caching policy enables caching but
// leaves the TTL unset.
const DefaultTTL = 86400 * time.Second

// Cache stores non-streaming response payloads keyed by (tenant, cache key).
// Streaming requests never touch it.
type Cache struct {
	store store.Store
}

func New(s store.Store) *Cache {
	return &Cache{store: s}
}

// Applies reports whether caching participates in this request at all.
func Applies(cfg *models.TenantConfig, req *models.CompletionRequest) bool {
	return !req.Stream && req.CacheKey != "" && cfg.Cache.Enabled
}

func (c *Cache) Get(ctx context.Context, tenantID, cacheKey string) ([]byte, bool, error) {
	raw, err := c.store.Get(ctx, store.CacheKey(tenantID, cacheKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}
	return []byte(raw), true, nil
}

func (c *Cache) Put(ctx context.Context, cfg *models.TenantConfig, cacheKey string, payload []byte) error {
	ttl := DefaultTTL
	if cfg.Cache.DefaultTTLSeconds > 0 {
		ttl = time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second
	}
	return c.store.Set(ctx, store.CacheKey(cfg.TenantID, cacheKey), string(payload), ttl)
}
