package models

import (
	"encoding/json"
	"time"
)

type GroupPolicy struct {
	TokenBudget         int64 `json:"tokenBudget"`
	RateLimit           int   `json:"rateLimit"`
	RateLimitWindowSecs int   `json:"rateLimitWindowSeconds"`
}

type ProviderConfig struct {
	EndpointURL  string `json:"endpointUrl"`
	DefaultModel string `json:"defaultModel"`
	APIKey       string `json:"apiKey"`
}

type CachePolicy struct {
	Enabled           bool `json:"enabled"`
	DefaultTTLSeconds int  `json:"defaultTtlSeconds"`
}

type TenantConfig struct {
	TenantID        string                    `json:"tenantId"`
	Groups          map[string]GroupPolicy    `json:"groups"`
	Providers       map[string]ProviderConfig `json:"providers"`
	DefaultProvider string                    `json:"defaultProvider,omitempty"`
	Cache           CachePolicy               `json:"cache"`
}

// Provider picks the named provider, falling back to the tenant default.
func (tc *TenantConfig) Provider(name string) (ProviderConfig, bool) {
	if name == "" {
		name = tc.DefaultProvider
	}
	if name == "" && len(tc.Providers) == 1 {
		for n := range tc.Providers {
			name = n
		}
	}
	pc, ok := tc.Providers[name]
	return pc, ok
}

type Credential struct {
	TenantID        string `json:"tenantId"`
	UserID          string `json:"userId"`
	Group           string `json:"group"`
	RemainingBudget int64  `json:"remainingBudget"`
	ExpiresAt       int64  `json:"expiresAt"`
}

// Identity is a validated credential plus the token it was resolved from.
type Identity struct {
	Token string
	Credential
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Messages       []Message `json:"messages"`
	Model          string    `json:"model,omitempty"`
	Stream         bool      `json:"stream,omitempty"`
	CacheKey       string    `json:"cacheKey,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Provider       string    `json:"provider,omitempty"`
}

type Session struct {
	Backend      string          `json:"backend"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Tools        json.RawMessage `json:"tools,omitempty"`
	TTSService   string          `json:"ttsService,omitempty"`
	CacheKey     string          `json:"cacheKey,omitempty"`
	TokensUsed   int64           `json:"tokensUsed"`
}

type HistoryEntry struct {
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type InboundFrame struct {
	InputType string `json:"inputType"`
	Data      string `json:"data"`
}

type OutboundFrame struct {
	OutputType string `json:"outputType"`
	Data       string `json:"data"`
}

type InitializeRequest struct {
	Backend      string          `json:"backend"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Tools        json.RawMessage `json:"tools,omitempty"`
	TTSService   string          `json:"ttsService,omitempty"`
	CacheKey     string          `json:"cacheKey,omitempty"`
}

type InitializeResponse struct {
	SessionID       string `json:"sessionId"`
	ConnectionURL   string `json:"connectionUrl"`
	RemainingBudget int64  `json:"remainingBudget"`
}

type UsageRecord struct {
	ID             int64     `json:"id"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	Endpoint       string    `json:"endpoint"`
	Model          string    `json:"model"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs int       `json:"response_time_ms"`
	CacheHit       bool      `json:"cache_hit"`
	TokensCharged  int64     `json:"tokens_charged"`
	Timestamp      time.Time `json:"timestamp"`
}
