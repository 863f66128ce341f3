package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("store: key not found")
	ErrInsufficient = errors.New("store: insufficient balance")
)

// Store is the shared state store every component talks to. Any backend with
// per-key TTL, atomic increment and list append qualifies; the gateway ships a
// Redis implementation and an in-memory one for tests.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// DecrIfAtLeast atomically decrements an integer key by n only when its
	// current value is at least n. Returns the remaining value, or
	// ErrInsufficient without mutating the key.
	DecrIfAtLeast(ctx context.Context, key string, n int64) (int64, error)

	// DecrJSONIntField atomically decrements an integer field inside a JSON
	// value, failing with ErrInsufficient when the field is below n.
	DecrJSONIntField(ctx context.Context, key, field string, n int64) (int64, error)
	IncrJSONIntField(ctx context.Context, key, field string, n int64) (int64, error)

	RPush(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string) ([]string, error)
}

// Key layout shared by all components.

func TenantConfigKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:config", tenantID)
}

func TenantBudgetKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:budget", tenantID)
}

func CredentialKey(token string) string {
	return fmt.Sprintf("credential:%s", token)
}

func RateWindowKey(tenantID, userID string) string {
	return fmt.Sprintf("ratewindow:%s:%s", tenantID, userID)
}

func CacheKey(tenantID, cacheKey string) string {
	return fmt.Sprintf("cache:%s:%s", tenantID, cacheKey)
}

func SessionStateKey(tenantID, sessionUUID string) string {
	return fmt.Sprintf("session:%s:%s:state", tenantID, sessionUUID)
}

func SessionHistoryKey(tenantID, sessionUUID string) string {
	return fmt.Sprintf("session:%s:%s:history", tenantID, sessionUUID)
}
