package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vgrichina/vibe-server/internal/gwerr"
	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/store"
)

// Resolver turns a bearer token into a credential record. The default is the
// store-backed lookup; a JWT verifier can be plugged in instead (AUTH_MODE=jwt).
type Resolver interface {
	ResolveToken(ctx context.Context, token string) (*models.Credential, error)
}

type Validator struct {
	resolver Resolver
	now      func() time.Time
}

func NewValidator(r Resolver) *Validator {
	return &Validator{resolver: r, now: time.Now}
}

func NewValidatorWithClock(r Resolver, now func() time.Time) *Validator {
	return &Validator{resolver: r, now: now}
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value. An empty or malformed header is a MissingCredential failure.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", gwerr.MissingCredential()
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", gwerr.MissingCredential()
	}
	return parts[1], nil
}

// Validate resolves the bearer header to an identity and enforces tenant match
// and expiry. No side effects on any failure path.
func (v *Validator) Validate(ctx context.Context, authHeader, tenantID string) (*models.Identity, error) {
	token, err := ParseBearer(authHeader)
	if err != nil {
		return nil, err
	}

	cred, err := v.resolver.ResolveToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if cred.TenantID != tenantID {
		return nil, gwerr.TenantMismatch()
	}
	if cred.ExpiresAt > 0 && v.now().Unix() >= cred.ExpiresAt {
		return nil, gwerr.CredentialExpired()
	}

	return &models.Identity{Token: token, Credential: *cred}, nil
}

// StoreResolver looks credentials up at credential:<token>.
type StoreResolver struct {
	store store.Store
}

func NewStoreResolver(s store.Store) *StoreResolver {
	return &StoreResolver{store: s}
}

func (r *StoreResolver) ResolveToken(ctx context.Context, token string) (*models.Credential, error) {
	raw, err := r.store.Get(ctx, store.CredentialKey(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, gwerr.InvalidCredential()
		}
		return nil, fmt.Errorf("credential lookup: %w", err)
	}

	var cred models.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("credential decode: %w", err)
	}
	return &cred, nil
}
