package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vgrichina/vibe-server/internal/auth"
	"github.com/vgrichina/vibe-server/internal/db"
	"github.com/vgrichina/vibe-server/internal/gwcache"
	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/provider"
	"github.com/vgrichina/vibe-server/internal/quota"
	"github.com/vgrichina/vibe-server/internal/store"
	"github.com/vgrichina/vibe-server/internal/tenant"
)

type env struct {
	store         *store.MemoryStore
	gateway       *httptest.Server
	upstream      *httptest.Server
	upstreamCalls atomic.Int64
}

func (e *env) close() {
	e.gateway.Close()
	e.upstream.Close()
}

func (e *env) seedTenant(t *testing.T, cfg models.TenantConfig) {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, e.store.Set(context.Background(), store.TenantConfigKey(cfg.TenantID), string(raw), 0))
}

func (e *env) seedCredential(t *testing.T, token string, cred models.Credential) {
	t.Helper()
	raw, err := json.Marshal(cred)
	require.NoError(t, err)
	require.NoError(t, e.store.Set(context.Background(), store.CredentialKey(token), string(raw), 0))
}

func (e *env) budget(t *testing.T, token string) int64 {
	t.Helper()
	raw, err := e.store.Get(context.Background(), store.CredentialKey(token))
	require.NoError(t, err)
	var cred models.Credential
	require.NoError(t, json.Unmarshal([]byte(raw), &cred))
	return cred.RemainingBudget
}

// newEnv wires the full admission pipeline against an in-memory store and a
// counting mock upstream.
func newEnv(t *testing.T, upstreamDelay time.Duration) *env {
	t.Helper()
	return newEnvWithUsage(t, upstreamDelay, nil)
}

func newEnvWithUsage(t *testing.T, upstreamDelay time.Duration, usage UsageStore) *env {
	t.Helper()
	e := &env{store: store.NewMemoryStore()}

	e.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.upstreamCalls.Add(1)
		if upstreamDelay > 0 {
			time.Sleep(upstreamDelay)
		}
		var req struct {
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			fmt.Fprint(w, "data: {\"chunk\":1}\n\n")
			flusher.Flush()
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cmpl-%d","choices":[{"message":{"role":"assistant","content":"Hello"}}]}`, e.upstreamCalls.Load())
	}))

	resolver := tenant.NewResolver(e.store)
	validator := auth.NewValidator(auth.NewStoreResolver(e.store))
	guard := quota.NewGuard(e.store)
	responseCache := gwcache.New(e.store)
	dispatcher := provider.NewDispatcher(5 * time.Second)

	router := mux.NewRouter()
	New(resolver, validator, guard, responseCache, dispatcher, usage).Register(router)
	e.gateway = httptest.NewServer(router)

	e.seedTenant(t, models.TenantConfig{
		TenantID: "abc",
		Groups: map[string]models.GroupPolicy{
			"default": {TokenBudget: 100, RateLimit: 10, RateLimitWindowSecs: 60},
		},
		Providers: map[string]models.ProviderConfig{
			"mock": {EndpointURL: e.upstream.URL, DefaultModel: "mock-small", APIKey: "k"},
		},
		DefaultProvider: "mock",
		Cache:           models.CachePolicy{Enabled: true, DefaultTTLSeconds: 86400},
	})
	e.seedCredential(t, "tok", models.Credential{
		TenantID: "abc", UserID: "u1", Group: "default", RemainingBudget: 100,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})

	t.Cleanup(e.close)
	return e
}

func (e *env) post(t *testing.T, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.gateway.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &env))
	return env.Error.Code
}

const validBody = `{"messages":[{"role":"user","content":"Hi"}]}`

func TestCompletionHappyPath(t *testing.T) {
	e := newEnv(t, 0)

	resp := e.post(t, "/abc/v1/completions", "tok", validBody)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `"role":"assistant"`)
	assert.Equal(t, int64(99), e.budget(t, "tok"))
	assert.Equal(t, int64(1), e.upstreamCalls.Load())
}

func TestCompletionZeroBudget(t *testing.T) {
	e := newEnv(t, 0)
	e.seedCredential(t, "poor", models.Credential{
		TenantID: "abc", UserID: "u2", Group: "default", RemainingBudget: 0,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})

	resp := e.post(t, "/abc/v1/completions", "poor", validBody)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "insufficient_budget", errorCode(t, resp))
	assert.Equal(t, int64(0), e.upstreamCalls.Load())
}

func TestCompletionMissingCredential(t *testing.T) {
	e := newEnv(t, 0)

	resp := e.post(t, "/abc/v1/completions", "", validBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_credential", errorCode(t, resp))

	// Zero quota or cache mutation on the failure path.
	assert.Equal(t, int64(100), e.budget(t, "tok"))
	exists, err := e.store.Exists(context.Background(), store.RateWindowKey("abc", "u1"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(0), e.upstreamCalls.Load())
}

func TestCompletionUnknownTenant(t *testing.T) {
	e := newEnv(t, 0)

	resp := e.post(t, "/nope/v1/completions", "tok", validBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unknown_tenant", errorCode(t, resp))
	assert.Equal(t, int64(100), e.budget(t, "tok"))
	assert.Equal(t, int64(0), e.upstreamCalls.Load())
}

func TestCompletionMalformedBody(t *testing.T) {
	e := newEnv(t, 0)

	for _, body := range []string{
		`not json`,
		`{"messages":[]}`,
		`{"messages":[{"content":"Hi"}]}`,
		`{"messages":[{"role":"user"}]}`,
	} {
		resp := e.post(t, "/abc/v1/completions", "tok", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
		readBody(t, resp)
	}
	assert.Equal(t, int64(100), e.budget(t, "tok"))
	assert.Equal(t, int64(0), e.upstreamCalls.Load())
}

func TestCompletionTenantMismatch(t *testing.T) {
	e := newEnv(t, 0)
	e.seedTenant(t, models.TenantConfig{
		TenantID:  "other",
		Groups:    map[string]models.GroupPolicy{"default": {RateLimit: 10, RateLimitWindowSecs: 60}},
		Providers: map[string]models.ProviderConfig{"mock": {EndpointURL: e.upstream.URL, APIKey: "k"}},
	})

	resp := e.post(t, "/other/v1/completions", "tok", validBody)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "tenant_mismatch", errorCode(t, resp))
	assert.Equal(t, int64(100), e.budget(t, "tok"))
}

func TestCompletionRateLimitRefundsBudget(t *testing.T) {
	e := newEnv(t, 0)
	e.seedTenant(t, models.TenantConfig{
		TenantID: "abc",
		Groups: map[string]models.GroupPolicy{
			"default": {TokenBudget: 100, RateLimit: 3, RateLimitWindowSecs: 60},
		},
		Providers: map[string]models.ProviderConfig{
			"mock": {EndpointURL: e.upstream.URL, DefaultModel: "mock-small", APIKey: "k"},
		},
		DefaultProvider: "mock",
	})

	for i := 0; i < 3; i++ {
		resp := e.post(t, "/abc/v1/completions", "tok", validBody)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		readBody(t, resp)
	}

	resp := e.post(t, "/abc/v1/completions", "tok", validBody)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", errorCode(t, resp))

	// Rejected request counted against the window but not the budget.
	assert.Equal(t, int64(97), e.budget(t, "tok"))
	assert.Equal(t, int64(3), e.upstreamCalls.Load())
}

func TestCompletionCacheIdempotence(t *testing.T) {
	e := newEnv(t, 0)
	body := `{"messages":[{"role":"user","content":"Hi"}],"cacheKey":"intro"}`

	first := e.post(t, "/abc/v1/completions", "tok", body)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "MISS", first.Header.Get("X-Cache-Status"))
	firstBody := readBody(t, first)

	second := e.post(t, "/abc/v1/completions", "tok", body)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "HIT", second.Header.Get("X-Cache-Status"))
	secondBody := readBody(t, second)

	assert.Equal(t, firstBody, secondBody)
	assert.Equal(t, int64(1), e.upstreamCalls.Load(), "second request must not dispatch")

	// A cache hit still consumed budget: quota runs before the cache.
	assert.Equal(t, int64(98), e.budget(t, "tok"))
}

func TestCompletionCacheDisabledTouchesNoCacheKeys(t *testing.T) {
	e := newEnv(t, 0)
	e.seedTenant(t, models.TenantConfig{
		TenantID: "abc",
		Groups:   map[string]models.GroupPolicy{"default": {RateLimit: 10, RateLimitWindowSecs: 60}},
		Providers: map[string]models.ProviderConfig{
			"mock": {EndpointURL: e.upstream.URL, DefaultModel: "mock-small", APIKey: "k"},
		},
		DefaultProvider: "mock",
		Cache:           models.CachePolicy{Enabled: false},
	})
	body := `{"messages":[{"role":"user","content":"Hi"}],"cacheKey":"intro"}`

	for i := 0; i < 2; i++ {
		resp := e.post(t, "/abc/v1/completions", "tok", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		readBody(t, resp)
	}

	assert.Equal(t, int64(2), e.upstreamCalls.Load())
	exists, err := e.store.Exists(context.Background(), store.CacheKey("abc", "intro"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCompletionStreamingSingleSentinelAndNoCache(t *testing.T) {
	e := newEnv(t, 0)
	body := `{"messages":[{"role":"user","content":"Hi"}],"stream":true,"cacheKey":"intro"}`

	resp := e.post(t, "/abc/v1/completions", "tok", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	streamed := readBody(t, resp)
	assert.Equal(t, 1, strings.Count(streamed, "data: [DONE]"))

	// Streaming requests never read or write the cache.
	exists, err := e.store.Exists(context.Background(), store.CacheKey("abc", "intro"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(99), e.budget(t, "tok"))
}

func TestCompletionProviderUnconfigured(t *testing.T) {
	e := newEnv(t, 0)
	e.seedTenant(t, models.TenantConfig{
		TenantID: "abc",
		Groups:   map[string]models.GroupPolicy{"default": {RateLimit: 10, RateLimitWindowSecs: 60}},
	})

	resp := e.post(t, "/abc/v1/completions", "tok", validBody)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "provider_unconfigured", errorCode(t, resp))

	// No response was produced, so the reservation was refunded.
	assert.Equal(t, int64(100), e.budget(t, "tok"))
}

func TestCompletionUpstreamUnreachableRefunds(t *testing.T) {
	e := newEnv(t, 0)
	e.seedTenant(t, models.TenantConfig{
		TenantID: "abc",
		Groups:   map[string]models.GroupPolicy{"default": {RateLimit: 10, RateLimitWindowSecs: 60}},
		Providers: map[string]models.ProviderConfig{
			"mock": {EndpointURL: "http://127.0.0.1:1", DefaultModel: "mock-small", APIKey: "k"},
		},
		DefaultProvider: "mock",
	})

	resp := e.post(t, "/abc/v1/completions", "tok", validBody)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream_error", errorCode(t, resp))
	assert.Equal(t, int64(100), e.budget(t, "tok"))
}

func TestConcurrentCacheMissesDispatchOnce(t *testing.T) {
	e := newEnv(t, 100*time.Millisecond)
	body := `{"messages":[{"role":"user","content":"Hi"}],"cacheKey":"shared"}`

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := e.post(t, "/abc/v1/completions", "tok", body)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			results[i] = readBody(t, resp)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), e.upstreamCalls.Load(), "concurrent misses must share one fetch")
	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

type fakeUsageStore struct {
	mu      sync.Mutex
	records []*models.UsageRecord
	stats   db.UsageStats
}

func (f *fakeUsageStore) LogUsage(_ context.Context, rec *models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeUsageStore) TenantUsage(_ context.Context, tenantID, from, to string) (*db.UsageStats, error) {
	stats := f.stats
	return &stats, nil
}

func (f *fakeUsageStore) recorded() []*models.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.UsageRecord(nil), f.records...)
}

func TestUsageEndpoint(t *testing.T) {
	usage := &fakeUsageStore{stats: db.UsageStats{RequestCount: 3, CacheHits: 1, TokensCharged: 2, AvgResponseTimeMs: 12.5}}
	e := newEnvWithUsage(t, 0, usage)

	resp := e.post(t, "/abc/v1/completions", "tok", validBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	// LogUsage runs off the request goroutine.
	require.Eventually(t, func() bool {
		return len(usage.recorded()) == 1
	}, time.Second, 10*time.Millisecond)
	rec := usage.recorded()[0]
	assert.Equal(t, "abc", rec.TenantID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, int64(1), rec.TokensCharged)

	req, err := http.NewRequest(http.MethodGet, e.gateway.URL+"/abc/v1/usage", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok")
	statsResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
	var stats db.UsageStats
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	statsResp.Body.Close()
	assert.Equal(t, int64(3), stats.RequestCount)
	assert.Equal(t, int64(1), stats.CacheHits)

	noAuth, err := http.Get(e.gateway.URL + "/abc/v1/usage")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, noAuth.StatusCode)
	assert.Equal(t, "missing_credential", errorCode(t, noAuth))
}
