package auth

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vgrichina/vibe-server/internal/gwerr"
	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/store"
)

func seed(t *testing.T, s store.Store, token string, cred models.Credential) {
	t.Helper()
	raw, err := json.Marshal(cred)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), store.CredentialKey(token), string(raw), 0))
}

func TestParseBearer(t *testing.T) {
	for _, header := range []string{"", "Bearer", "Bearer ", "Basic abc", "tok"} {
		_, err := ParseBearer(header)
		require.Error(t, err, "header %q", header)
		assert.Equal(t, gwerr.CodeMissingCredential, gwerr.From(err).Code)
	}

	token, err := ParseBearer("Bearer tok-123")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestValidateUnknownToken(t *testing.T) {
	s := store.NewMemoryStore()
	v := NewValidator(NewStoreResolver(s))

	_, err := v.Validate(context.Background(), "Bearer nope", "abc")
	require.Error(t, err)
	assert.Equal(t, gwerr.CodeInvalidCredential, gwerr.From(err).Code)
}

func TestValidateTenantMismatch(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "tok", models.Credential{TenantID: "other", UserID: "u1"})
	v := NewValidator(NewStoreResolver(s))

	_, err := v.Validate(context.Background(), "Bearer tok", "abc")
	require.Error(t, err)
	assert.Equal(t, gwerr.CodeTenantMismatch, gwerr.From(err).Code)
}

func TestValidateExpired(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed(t, s, "tok", models.Credential{TenantID: "abc", UserID: "u1", ExpiresAt: now.Add(-time.Minute).Unix()})
	v := NewValidatorWithClock(NewStoreResolver(s), func() time.Time { return now })

	_, err := v.Validate(context.Background(), "Bearer tok", "abc")
	require.Error(t, err)
	assert.Equal(t, gwerr.CodeCredentialExpired, gwerr.From(err).Code)
}

func TestValidateSuccess(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "tok", models.Credential{TenantID: "abc", UserID: "u1", Group: "default", RemainingBudget: 42,
		ExpiresAt: time.Now().Add(time.Hour).Unix()})
	v := NewValidator(NewStoreResolver(s))

	identity, err := v.Validate(context.Background(), "Bearer tok", "abc")
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserID)
	assert.Equal(t, "default", identity.Group)
	assert.Equal(t, int64(42), identity.RemainingBudget)
	assert.Equal(t, "tok", identity.Token)
}

func TestJWTResolverRoundtrip(t *testing.T) {
	s := store.NewMemoryStore()
	secret := "test-secret"

	token, err := GenerateToken("abc", "u1", "default", 50, time.Hour, secret)
	require.NoError(t, err)

	r := NewJWTResolver(secret, s)
	cred, err := r.ResolveToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "abc", cred.TenantID)
	assert.Equal(t, "u1", cred.UserID)
	assert.Equal(t, int64(50), cred.RemainingBudget)

	// The verified token is materialized as a store record so settlement
	// mutates the same state on later requests.
	exists, err := s.Exists(context.Background(), store.CredentialKey(token))
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.DecrJSONIntField(context.Background(), store.CredentialKey(token), "remainingBudget", 1)
	require.NoError(t, err)
	cred, err = r.ResolveToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(49), cred.RemainingBudget)
}

func TestJWTValidateFailureOrderMatchesStorePath(t *testing.T) {
	s := store.NewMemoryStore()
	secret := "test-secret"
	v := NewValidator(NewJWTResolver(secret, s))

	// An expired token for another tenant: the tenant check comes first.
	expiredOther, err := GenerateToken("other", "u1", "default", 50, -time.Minute, secret)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), "Bearer "+expiredOther, "abc")
	require.Error(t, err)
	assert.Equal(t, gwerr.CodeTenantMismatch, gwerr.From(err).Code)

	// An expired token for the right tenant fails on expiry.
	expired, err := GenerateToken("abc", "u1", "default", 50, -time.Minute, secret)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), "Bearer "+expired, "abc")
	require.Error(t, err)
	assert.Equal(t, gwerr.CodeCredentialExpired, gwerr.From(err).Code)

	// Expired tokens are never materialized as store records.
	exists, err := s.Exists(context.Background(), store.CredentialKey(expired))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	token, err := GenerateToken("abc", "u1", "default", 50, -time.Minute, "test-secret")
	require.NoError(t, err)

	_, err = ValidateToken(token, "test-secret")
	require.Error(t, err)
}

func TestJWTResolverRejectsTampered(t *testing.T) {
	s := store.NewMemoryStore()

	token, err := GenerateToken("abc", "u1", "default", 50, time.Hour, "right-secret")
	require.NoError(t, err)

	r := NewJWTResolver("wrong-secret", s)
	_, err = r.ResolveToken(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, gwerr.CodeInvalidCredential, gwerr.From(err).Code)
}
