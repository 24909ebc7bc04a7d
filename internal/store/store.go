// Package store defines the telemetry persistence contract: the request
// log with deferred stream-completion updates, profile and app-config
// persistence, and the derived dashboard / time-series / ranking
// queries. Backends live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"strings"

	"github.com/prism-proxy/prism/internal/profile"
)

// App-config keys recognised across the system.
const (
	KeyProxyAPIKey  = "proxy_api_key"
	KeyEnableAuth   = "enable_auth"
	KeyProxyConfig  = "proxy_server_config"
	KeyProxyStatus  = "proxy_server_status"
	RetentionDays   = 30
	MaxListLogLimit = 100
	MaxRankingLimit = 100
)

// RequestLog is one row of the request log. Optional columns are
// pointers so absent values round-trip as NULL.
type RequestLog struct {
	RequestID                string  `json:"requestId"`
	Timestamp                int64   `json:"timestamp"` // ms since epoch
	ProfileID                string  `json:"profileId"`
	ProfileName              string  `json:"profileName"`
	Provider                 string  `json:"provider"`
	OriginalModel            string  `json:"originalModel"`
	ModelMode                string  `json:"modelMode"`
	ForwardedModel           string  `json:"forwardedModel"`
	InputTokens              int     `json:"inputTokens"`
	OutputTokens             int     `json:"outputTokens"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens"`
	DurationMs               int64   `json:"durationMs"`
	UpstreamDurationMs       *int64  `json:"upstreamDurationMs,omitempty"`
	StatusCode               int     `json:"statusCode"`
	ErrorMessage             *string `json:"errorMessage,omitempty"`
	IsStream                 bool    `json:"isStream"`
	RequestSizeBytes         *int64  `json:"requestSizeBytes,omitempty"`
	ResponseSizeBytes        *int64  `json:"responseSizeBytes,omitempty"`
	ResponseBody             *string `json:"responseBody,omitempty"`
}

// StreamTotals carries the final token counts written back to a
// streaming row once the relay completes.
type StreamTotals struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
	DurationMs               int64
	ResponseBody             *string
}

// DashboardStats summarises today's and all-time traffic. Token counts
// sum input, output and both cache columns.
type DashboardStats struct {
	TodayRequests int `json:"todayRequests"`
	TodayTokens   int `json:"todayTokens"`
	TotalRequests int `json:"totalRequests"`
	TotalTokens   int `json:"totalTokens"`
}

// TokenPoint is one bucket of the token time series.
type TokenPoint struct {
	Label           string `json:"label"`
	Tokens          int    `json:"tokens"`
	CacheReadTokens int    `json:"cacheReadTokens"`
}

// ProfileConsumption is one row of the per-profile token leaderboard.
type ProfileConsumption struct {
	ProfileID   string  `json:"profileId"`
	ProfileName string  `json:"profileName"`
	TotalTokens int     `json:"totalTokens"`
	Percentage  float32 `json:"percentage"`
	Rank        int     `json:"rank"`
}

// Store is the persistence behaviour required by the proxy core and the
// control plane. Implementations must be safe for concurrent use; every
// statement runs on its own short-lived connection so writers cannot
// stall the serving loop.
type Store interface {
	// UpsertLog inserts the row if its request_id is unseen and reports
	// whether this was the first write. An existing row is left intact.
	UpsertLog(ctx context.Context, l RequestLog) (bool, error)
	// UpdateStreamTotals patches token totals, duration and the optional
	// response body onto an existing row. A missing row is a no-op.
	UpdateStreamTotals(ctx context.Context, requestID string, t StreamTotals) error
	// ListLogs returns rows newest-first, resolving the current profile
	// name and substituting a deleted-profile placeholder when gone.
	ListLogs(ctx context.Context, limit, offset int) ([]RequestLog, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	DeduplicateLogs(ctx context.Context) (int64, error)

	DashboardStats(ctx context.Context) (DashboardStats, error)
	TokenStats(ctx context.Context, timeRange string) ([]TokenPoint, error)
	ProfileRanking(ctx context.Context, timeRange string, limit int) ([]ProfileConsumption, error)

	SaveProfile(ctx context.Context, p profile.Profile) error
	DeleteProfile(ctx context.Context, id string) error
	LoadProfiles(ctx context.Context) ([]profile.Profile, error)

	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, bool, error)

	Close() error
}

// IsPostgresDSN reports whether the configured database location points
// at PostgreSQL rather than a local SQLite file.
func IsPostgresDSN(location string) bool {
	return strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://")
}

// DeletedProfileName is the display name substituted for log rows whose
// profile has been removed.
func DeletedProfileName(profileID string) string {
	return "deleted profile (" + profileID + ")"
}
