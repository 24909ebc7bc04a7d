package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/prism-proxy/prism/internal/store"
)

// DashboardStats aggregates today's and all-time request and token
// counts in one query.
func (s *Store) DashboardStats(ctx context.Context) (store.DashboardStats, error) {
	todayStart := store.TodayStart(time.Now())
	var out store.DashboardStats
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(CASE WHEN timestamp >= ? THEN 1 END),
	COALESCE(SUM(CASE WHEN timestamp >= ?
		THEN input_tokens + output_tokens + cache_creation_input_tokens + cache_read_input_tokens
		ELSE 0 END), 0),
	COUNT(*),
	COALESCE(SUM(input_tokens + output_tokens + cache_creation_input_tokens + cache_read_input_tokens), 0)
FROM request_logs`, todayStart, todayStart).Scan(
		&out.TodayRequests, &out.TodayTokens, &out.TotalRequests, &out.TotalTokens,
	)
	if err != nil {
		return store.DashboardStats{}, fmt.Errorf("query dashboard stats: %w", err)
	}
	return out, nil
}

// TokenStats returns the token time series for the range, zero-filled
// over the fixed bucket layout.
func (s *Store) TokenStats(ctx context.Context, timeRange string) ([]store.TokenPoint, error) {
	series, err := store.NewTokenSeries(timeRange, time.Now())
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT
	(timestamp - ?) / ?,
	COALESCE(SUM(input_tokens + output_tokens + cache_creation_input_tokens + cache_read_input_tokens), 0),
	COALESCE(SUM(cache_read_input_tokens), 0)
FROM request_logs
WHERE timestamp >= ? AND timestamp < ?
GROUP BY 1`, series.Start, series.WidthMs, series.Start, series.End)
	if err != nil {
		return nil, fmt.Errorf("query token stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bucket int
		var tokens, cacheRead int
		if err := rows.Scan(&bucket, &tokens, &cacheRead); err != nil {
			return nil, fmt.Errorf("scan token stats: %w", err)
		}
		if bucket < 0 || bucket >= len(series.Points) {
			continue
		}
		series.Points[bucket].Tokens = tokens
		series.Points[bucket].CacheReadTokens = cacheRead
	}
	return series.Points, rows.Err()
}

// ProfileRanking returns the top profiles by total token consumption in
// the range, with each profile's share of the range total. The display
// name comes from the profile's latest log row, so entries survive
// profile deletion.
func (s *Store) ProfileRanking(ctx context.Context, timeRange string, limit int) ([]store.ProfileConsumption, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > store.MaxRankingLimit {
		limit = store.MaxRankingLimit
	}
	start, bounded := store.RangeStart(timeRange, time.Now())
	if !bounded {
		start = 0
	}

	// Shares are computed against the range total across every profile,
	// not just the returned top rows.
	var grand int
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(input_tokens + output_tokens + cache_creation_input_tokens + cache_read_input_tokens), 0)
FROM request_logs
WHERE timestamp >= ?`, start).Scan(&grand)
	if err != nil {
		return nil, fmt.Errorf("query ranking total: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT
	rl.profile_id,
	(SELECT profile_name FROM request_logs
	 WHERE profile_id = rl.profile_id
	 ORDER BY timestamp DESC, id DESC LIMIT 1),
	SUM(rl.input_tokens + rl.output_tokens + rl.cache_creation_input_tokens + rl.cache_read_input_tokens) AS total_tokens
FROM request_logs rl
WHERE rl.timestamp >= ?
GROUP BY rl.profile_id
ORDER BY total_tokens DESC
LIMIT ?`, start, limit)
	if err != nil {
		return nil, fmt.Errorf("query profile ranking: %w", err)
	}
	defer rows.Close()

	var out []store.ProfileConsumption
	for rows.Next() {
		var c store.ProfileConsumption
		if err := rows.Scan(&c.ProfileID, &c.ProfileName, &c.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan profile ranking: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if grand > 0 {
			out[i].Percentage = float32(out[i].TotalTokens) / float32(grand) * 100
		}
		out[i].Rank = i + 1
	}
	return out, nil
}
