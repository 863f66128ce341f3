package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vgrichina/vibe-server/internal/auth"
	"github.com/vgrichina/vibe-server/internal/config"
	"github.com/vgrichina/vibe-server/internal/db"
	"github.com/vgrichina/vibe-server/internal/gwcache"
	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/pipeline"
	"github.com/vgrichina/vibe-server/internal/provider"
	"github.com/vgrichina/vibe-server/internal/quota"
	"github.com/vgrichina/vibe-server/internal/realtime"
	"github.com/vgrichina/vibe-server/internal/store"
	"github.com/vgrichina/vibe-server/internal/tenant"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Connect the shared state store
	kv, err := store.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to store:", err)
	}
	defer kv.Close()

	// Seed default records once, through the same store interface the
	// pipeline consumes. Never from request handlers.
	if err := seedDefaults(context.Background(), kv); err != nil {
		log.Fatal("Failed to seed store:", err)
	}

	// Optional usage log
	var usage pipeline.UsageStore
	if cfg.DatabaseURL != "" {
		database, err := db.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to connect to database:", err)
		}
		defer database.Close()
		usage = database
	}

	resolver := tenant.NewResolver(kv)

	var tokenResolver auth.Resolver = auth.NewStoreResolver(kv)
	if cfg.AuthMode == "jwt" {
		tokenResolver = auth.NewJWTResolver(cfg.JWTSecret, kv)
	}
	validator := auth.NewValidator(tokenResolver)

	guard := quota.NewGuard(kv)
	responseCache := gwcache.New(kv)
	dispatcher := provider.NewDispatcher(time.Duration(cfg.UpstreamTimeout) * time.Second)

	// Initialize router
	router := mux.NewRouter()

	router.HandleFunc("/health", healthHandler).Methods("GET")

	realtimeManager := realtime.NewManager(kv, resolver, cfg.PublicBaseURL)
	realtimeManager.Register(router)

	admission := pipeline.New(resolver, validator, guard, responseCache, dispatcher, usage)
	admission.Register(router)

	// Start server
	log.Printf("Server starting on port %s", cfg.ServerPort)
	log.Printf("Completions API available at /{tenantId}/v1/completions")
	log.Printf("Realtime API available at /v1/realtime/*")
	if err := http.ListenAndServe(":"+cfg.ServerPort, router); err != nil {
		log.Fatal("Server failed:", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "1.0.0",
	})
}

// seedDefaults writes a demo tenant, credential and tenant budget for keys not
// already present, so a fresh deployment answers requests out of the box.
func seedDefaults(ctx context.Context, kv store.Store) error {
	tenantID := "abc"

	if _, err := kv.Get(ctx, store.TenantConfigKey(tenantID)); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	tenantCfg := models.TenantConfig{
		TenantID: tenantID,
		Groups: map[string]models.GroupPolicy{
			"default": {TokenBudget: 100, RateLimit: 10, RateLimitWindowSecs: 60},
		},
		Providers: map[string]models.ProviderConfig{
			"mock": {EndpointURL: "http://localhost:9000/v1/chat/completions", DefaultModel: "mock-small", APIKey: "mock-key"},
		},
		DefaultProvider: "mock",
		Cache:           models.CachePolicy{Enabled: true, DefaultTTLSeconds: 86400},
	}
	encoded, err := json.Marshal(tenantCfg)
	if err != nil {
		return err
	}
	if err := kv.Set(ctx, store.TenantConfigKey(tenantID), string(encoded), 0); err != nil {
		return err
	}

	cred := models.Credential{
		TenantID:        tenantID,
		UserID:          "demo",
		Group:           "default",
		RemainingBudget: 100,
		ExpiresAt:       time.Now().Add(30 * 24 * time.Hour).Unix(),
	}
	credEncoded, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	if err := kv.Set(ctx, store.CredentialKey("demo-token"), string(credEncoded), 0); err != nil {
		return err
	}

	if err := kv.Set(ctx, store.TenantBudgetKey(tenantID), "100", 0); err != nil {
		return err
	}

	log.Printf("seeded default tenant=%s credential=demo-token", tenantID)
	return nil
}
