package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vgrichina/vibe-server/internal/gwerr"
	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/store"
)

// RequestCost is the flat budget charge per admitted request.
const RequestCost = 1

type Guard struct {
	store store.Store
}

func NewGuard(s store.Store) *Guard {
	return &Guard{store: s}
}

// Reserve atomically takes one unit from the credential's remaining budget.
// The conditional decrement happens in a single store operation, so concurrent
// requests on one credential can never jointly overdraw it. Callers refund the
// reservation when the request produces no response.
func (g *Guard) Reserve(ctx context.Context, identity *models.Identity) (int64, error) {
	remaining, err := g.store.DecrJSONIntField(ctx, store.CredentialKey(identity.Token), "remainingBudget", RequestCost)
	if err != nil {
		if errors.Is(err, store.ErrInsufficient) {
			return 0, gwerr.InsufficientBudget()
		}
		if errors.Is(err, store.ErrNotFound) {
			return 0, gwerr.InvalidCredential()
		}
		return 0, fmt.Errorf("budget reserve: %w", err)
	}
	return remaining, nil
}

func (g *Guard) Refund(ctx context.Context, identity *models.Identity) error {
	_, err := g.store.IncrJSONIntField(ctx, store.CredentialKey(identity.Token), "remainingBudget", RequestCost)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// AllowRate increments the identity's window counter and rejects when the
// count exceeds the group limit. The increment sticks even on rejection; a
// rejected request still counts against the window. The counter resets only
// by TTL expiry.
func (g *Guard) AllowRate(ctx context.Context, tenantID, userID string, policy models.GroupPolicy) error {
	if policy.RateLimit <= 0 {
		return nil
	}

	key := store.RateWindowKey(tenantID, userID)

	count, err := g.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("rate window incr: %w", err)
	}

	if count == 1 {
		window := time.Duration(policy.RateLimitWindowSecs) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		if err := g.store.Expire(ctx, key, window); err != nil {
			return fmt.Errorf("rate window expire: %w", err)
		}
	}

	if count > int64(policy.RateLimit) {
		return gwerr.RateLimitExceeded()
	}
	return nil
}
