package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/vgrichina/vibe-server/internal/gwerr"
	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/store"
)

type Resolver struct {
	store store.Store
}

func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve loads the tenant's configuration record. An absent record is a hard
// failure; tenants are never created implicitly on this path.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	if tenantID == "" {
		return nil, gwerr.UnknownTenant(tenantID)
	}

	raw, err := r.store.Get(ctx, store.TenantConfigKey(tenantID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, gwerr.UnknownTenant(tenantID)
		}
		return nil, fmt.Errorf("tenant config lookup: %w", err)
	}

	var cfg models.TenantConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("tenant config decode: %w", err)
	}
	if cfg.TenantID == "" {
		cfg.TenantID = tenantID
	}

	log.Printf("config loaded tenant=%s groups=%d providers=%d", tenantID, len(cfg.Groups), len(cfg.Providers))
	return &cfg, nil
}
