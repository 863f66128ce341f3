package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/sync/singleflight"

	"github.com/vgrichina/vibe-server/internal/auth"
	"github.com/vgrichina/vibe-server/internal/db"
	"github.com/vgrichina/vibe-server/internal/gwcache"
	"github.com/vgrichina/vibe-server/internal/gwerr"
	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/provider"
	"github.com/vgrichina/vibe-server/internal/quota"
	"github.com/vgrichina/vibe-server/internal/tenant"
)

// UsageStore persists a record per completed request and serves per-tenant
// aggregates. Optional; nil disables usage persistence and the usage endpoint.
type UsageStore interface {
	LogUsage(ctx context.Context, rec *models.UsageRecord) error
	TenantUsage(ctx context.Context, tenantID, from, to string) (*db.UsageStats, error)
}

// Pipeline admits completion requests: body validation, tenant resolution,
// credential validation, budget reservation, rate check, cache lookup,
// provider dispatch, settlement.
type Pipeline struct {
	resolver   *tenant.Resolver
	validator  *auth.Validator
	guard      *quota.Guard
	cache      *gwcache.Cache
	dispatcher *provider.Dispatcher
	usage      UsageStore
	flights    singleflight.Group
}

func New(resolver *tenant.Resolver, validator *auth.Validator, guard *quota.Guard, cache *gwcache.Cache, dispatcher *provider.Dispatcher, usage UsageStore) *Pipeline {
	return &Pipeline{
		resolver:   resolver,
		validator:  validator,
		guard:      guard,
		cache:      cache,
		dispatcher: dispatcher,
		usage:      usage,
	}
}

func (p *Pipeline) Register(router *mux.Router) {
	router.HandleFunc("/{tenantId}/v1/completions", p.HandleCompletions).Methods("POST")
	if p.usage != nil {
		router.HandleFunc("/{tenantId}/v1/usage", p.HandleUsage).Methods("GET")
	}
}

// HandleUsage reports the tenant's aggregate usage. Same admission gates as
// completions up to the quota stage; reading stats charges nothing.
func (p *Pipeline) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := mux.Vars(r)["tenantId"]

	if _, err := p.resolver.Resolve(ctx, tenantID); err != nil {
		gwerr.Write(w, err)
		return
	}
	if _, err := p.validator.Validate(ctx, r.Header.Get("Authorization"), tenantID); err != nil {
		gwerr.Write(w, err)
		return
	}

	stats, err := p.usage.TenantUsage(ctx, tenantID, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		gwerr.Write(w, gwerr.Internal(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (p *Pipeline) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	tenantID := mux.Vars(r)["tenantId"]

	var req models.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.Write(w, gwerr.MalformedRequest("invalid JSON body: "+err.Error()))
		return
	}
	if err := provider.ValidateRequest(&req); err != nil {
		gwerr.Write(w, err)
		return
	}

	cfg, err := p.resolver.Resolve(ctx, tenantID)
	if err != nil {
		gwerr.Write(w, err)
		return
	}

	identity, err := p.validator.Validate(ctx, r.Header.Get("Authorization"), tenantID)
	if err != nil {
		gwerr.Write(w, err)
		return
	}

	// Budget first, then rate; both depend only on identity, never on
	// provider availability.
	remaining, err := p.guard.Reserve(ctx, identity)
	if err != nil {
		gwerr.Write(w, err)
		return
	}

	policy := cfg.Groups[identity.Group]
	if err := p.guard.AllowRate(ctx, tenantID, identity.UserID, policy); err != nil {
		// The window increment sticks, the budget reservation does not.
		p.refund(ctx, identity)
		gwerr.Write(w, err)
		return
	}

	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	pc, ok := cfg.Provider(req.Provider)
	if !ok || pc.APIKey == "" {
		p.refund(ctx, identity)
		gwerr.Write(w, gwerr.ProviderUnconfigured(req.Provider))
		return
	}

	if req.Stream {
		err := p.dispatcher.DispatchStream(ctx, pc, &req, w)
		if errors.Is(err, provider.ErrStreamUnreachable) {
			// The stream carried only an error frame; no response produced.
			p.refund(ctx, identity)
			err = nil
		}
		if err != nil {
			gwerr.Write(w, err)
			p.refund(ctx, identity)
			return
		}
		log.Printf("request admitted tenant=%s user=%s stream=true remaining=%d elapsed=%dms",
			tenantID, identity.UserID, remaining, time.Since(startTime).Milliseconds())
		p.logUsage(tenantID, identity.UserID, r.URL.Path, req.Model, http.StatusOK, startTime, false)
		return
	}

	result, cacheHit, err := p.dispatchBuffered(ctx, cfg, pc, &req)
	if err != nil {
		p.refund(ctx, identity)
		gwerr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	if gwcache.Applies(cfg, &req) {
		if cacheHit {
			w.Header().Set("X-Cache-Status", "HIT")
		} else {
			w.Header().Set("X-Cache-Status", "MISS")
		}
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)

	log.Printf("request admitted tenant=%s user=%s status=%d cache=%v remaining=%d elapsed=%dms",
		tenantID, identity.UserID, result.StatusCode, cacheHit, remaining, time.Since(startTime).Milliseconds())
	p.logUsage(tenantID, identity.UserID, r.URL.Path, req.Model, result.StatusCode, startTime, cacheHit)
}

type dispatchOutcome struct {
	result   *provider.Result
	cacheHit bool
}

// dispatchBuffered serves from the cache when it applies, collapsing
// concurrent misses for one key into a single upstream call.
func (p *Pipeline) dispatchBuffered(ctx context.Context, cfg *models.TenantConfig, pc models.ProviderConfig, req *models.CompletionRequest) (*provider.Result, bool, error) {
	if !gwcache.Applies(cfg, req) {
		result, err := p.dispatcher.Dispatch(ctx, pc, req)
		return result, false, err
	}

	flightKey := cfg.TenantID + ":" + req.CacheKey
	v, err, _ := p.flights.Do(flightKey, func() (any, error) {
		payload, hit, err := p.cache.Get(ctx, cfg.TenantID, req.CacheKey)
		if err != nil {
			return nil, err
		}
		if hit {
			return &dispatchOutcome{
				result:   &provider.Result{StatusCode: http.StatusOK, ContentType: "application/json", Body: payload},
				cacheHit: true,
			}, nil
		}

		result, err := p.dispatcher.Dispatch(ctx, pc, req)
		if err != nil {
			return nil, err
		}
		if result.StatusCode == http.StatusOK {
			if err := p.cache.Put(ctx, cfg, req.CacheKey, result.Body); err != nil {
				log.Printf("cache store failed tenant=%s key=%s err=%v", cfg.TenantID, req.CacheKey, err)
			}
		}
		return &dispatchOutcome{result: result}, nil
	})
	if err != nil {
		return nil, false, err
	}

	outcome := v.(*dispatchOutcome)
	log.Printf("cache %s tenant=%s key=%s", map[bool]string{true: "hit", false: "miss"}[outcome.cacheHit], cfg.TenantID, req.CacheKey)
	return outcome.result, outcome.cacheHit, nil
}

func (p *Pipeline) refund(ctx context.Context, identity *models.Identity) {
	if err := p.guard.Refund(ctx, identity); err != nil {
		log.Printf("budget refund failed user=%s err=%v", identity.UserID, err)
	}
}

func (p *Pipeline) logUsage(tenantID, userID, endpoint, model string, status int, startTime time.Time, cacheHit bool) {
	if p.usage == nil {
		return
	}
	rec := &models.UsageRecord{
		TenantID:       tenantID,
		UserID:         userID,
		Endpoint:       endpoint,
		Model:          model,
		StatusCode:     status,
		ResponseTimeMs: int(time.Since(startTime).Milliseconds()),
		CacheHit:       cacheHit,
		TokensCharged:  quota.RequestCost,
	}
	go p.usage.LogUsage(context.Background(), rec)
}
