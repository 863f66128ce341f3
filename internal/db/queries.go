package db

import (
	"context"

	"github.com/vgrichina/vibe-server/internal/models"
)

func (db *DB) LogUsage(ctx context.Context, rec *models.UsageRecord) error {
	query := `
        INSERT INTO usage_log (tenant_id, user_id, endpoint, model, status_code, response_time_ms, cache_hit, tokens_charged)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `

	_, err := db.Pool.Exec(ctx, query,
		rec.TenantID,
		rec.UserID,
		rec.Endpoint,
		rec.Model,
		rec.StatusCode,
		rec.ResponseTimeMs,
		rec.CacheHit,
		rec.TokensCharged,
	)

	return err
}

type UsageStats struct {
	RequestCount      int64   `json:"request_count"`
	CacheHits         int64   `json:"cache_hits"`
	TokensCharged     int64   `json:"tokens_charged"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

func (db *DB) TenantUsage(ctx context.Context, tenantID, from, to string) (*UsageStats, error) {
	query := `
        SELECT
            COUNT(*),
            COUNT(*) FILTER (WHERE cache_hit),
            COALESCE(SUM(tokens_charged), 0),
            COALESCE(AVG(response_time_ms), 0)
        FROM usage_log
        WHERE tenant_id = $1
          AND ($2 = '' OR timestamp >= $2::timestamptz)
          AND ($3 = '' OR timestamp < $3::timestamptz)
    `

	var stats UsageStats
	err := db.Pool.QueryRow(ctx, query, tenantID, from, to).Scan(
		&stats.RequestCount,
		&stats.CacheHits,
		&stats.TokensCharged,
		&stats.AvgResponseTimeMs,
	)

	if err != nil {
		return nil, err
	}

	return &stats, nil
}
