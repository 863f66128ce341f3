package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vgrichina/vibe-server/internal/gwerr"
	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/store"
)

type Claims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Group    string `json:"group"`
	Budget   int64  `json:"budget"`
	jwt.RegisteredClaims
}

func GenerateToken(tenantID, userID, group string, budget int64, ttl time.Duration, secret string) (string, error) {
	claims := &Claims{
		TenantID: tenantID,
		UserID:   userID,
		Group:    group,
		Budget:   budget,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// parseClaims checks only the signature. Expiry is carried in the returned
// claims and enforced by the validator, after the tenant match, so both
// resolver modes fail in the same order.
func parseClaims(tokenString, secret string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// JWTResolver is the identity-provider adapter for self-describing tokens.
// A verified token is materialized as a credential record in the store on
// first use so budget settlement works the same as for opaque tokens.
type JWTResolver struct {
	secret string
	store  store.Store
}

func NewJWTResolver(secret string, s store.Store) *JWTResolver {
	return &JWTResolver{secret: secret, store: s}
}

func (r *JWTResolver) ResolveToken(ctx context.Context, token string) (*models.Credential, error) {
	claims, err := parseClaims(token, r.secret)
	if err != nil {
		return nil, gwerr.InvalidCredential()
	}

	key := store.CredentialKey(token)
	if raw, err := r.store.Get(ctx, key); err == nil {
		var cred models.Credential
		if err := json.Unmarshal([]byte(raw), &cred); err == nil {
			return &cred, nil
		}
	}

	cred := models.Credential{
		TenantID:        claims.TenantID,
		UserID:          claims.UserID,
		Group:           claims.Group,
		RemainingBudget: claims.Budget,
	}
	var ttl time.Duration
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Unix()
		ttl = time.Until(claims.ExpiresAt.Time)
		if ttl <= 0 {
			// Already expired: nothing to persist, the validator rejects it.
			return &cred, nil
		}
	}
	encoded, err := json.Marshal(cred)
	if err != nil {
		return nil, err
	}
	if err := r.store.Set(ctx, key, string(encoded), ttl); err != nil {
		return nil, err
	}
	return &cred, nil
}
