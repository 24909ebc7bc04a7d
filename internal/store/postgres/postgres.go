// Package postgres implements store.Store on PostgreSQL for
// deployments that centralise telemetry off-box.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New connects using a postgres:// or postgresql:// DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS request_logs (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL UNIQUE,
	timestamp BIGINT NOT NULL,
	profile_id TEXT NOT NULL,
	profile_name TEXT NOT NULL,
	provider TEXT NOT NULL,
	original_model TEXT NOT NULL,
	model_mode TEXT NOT NULL,
	forwarded_model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_input_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL,
	upstream_duration_ms BIGINT,
	status_code INTEGER NOT NULL,
	error_message TEXT,
	is_stream BOOLEAN NOT NULL,
	request_size_bytes BIGINT,
	response_size_bytes BIGINT,
	response_body TEXT
);
CREATE INDEX IF NOT EXISTS idx_timestamp ON request_logs(timestamp DESC);

CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	api_base_url TEXT NOT NULL,
	api_key TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	model_mapping_mode TEXT NOT NULL DEFAULT 'passthrough',
	override_model TEXT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS model_mappings (
	id BIGSERIAL PRIMARY KEY,
	profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	pattern TEXT NOT NULL,
	target TEXT NOT NULL,
	use_regex BOOLEAN NOT NULL DEFAULT FALSE,
	rule_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS app_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertLog inserts the row if its request_id has not been seen yet and
// reports whether this write created it.
func (s *Store) UpsertLog(ctx context.Context, l store.RequestLog) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO request_logs (
	request_id, timestamp, profile_id, profile_name, provider,
	original_model, model_mode, forwarded_model,
	input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
	duration_ms, upstream_duration_ms,
	status_code, error_message, is_stream,
	request_size_bytes, response_size_bytes, response_body
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (request_id) DO NOTHING`,
		l.RequestID, l.Timestamp, l.ProfileID, l.ProfileName, l.Provider,
		l.OriginalModel, l.ModelMode, l.ForwardedModel,
		l.InputTokens, l.OutputTokens, l.CacheCreationInputTokens, l.CacheReadInputTokens,
		l.DurationMs, l.UpstreamDurationMs,
		l.StatusCode, l.ErrorMessage, l.IsStream,
		l.RequestSizeBytes, l.ResponseSizeBytes, l.ResponseBody,
	)
	if err != nil {
		return false, fmt.Errorf("insert log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStreamTotals patches the final totals onto an existing streaming
// row, leaving the original timestamp in place.
func (s *Store) UpdateStreamTotals(ctx context.Context, requestID string, t store.StreamTotals) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE request_logs SET
	input_tokens = $1,
	output_tokens = $2,
	cache_creation_input_tokens = $3,
	cache_read_input_tokens = $4,
	duration_ms = $5,
	response_body = COALESCE($6, response_body)
WHERE request_id = $7`,
		t.InputTokens, t.OutputTokens, t.CacheCreationInputTokens, t.CacheReadInputTokens,
		t.DurationMs, t.ResponseBody, requestID,
	)
	if err != nil {
		return fmt.Errorf("update stream totals: %w", err)
	}
	return nil
}

// ListLogs returns rows newest-first with live profile names resolved.
func (s *Store) ListLogs(ctx context.Context, limit, offset int) ([]store.RequestLog, error) {
	if limit <= 0 || limit > store.MaxListLogLimit {
		limit = store.MaxListLogLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT
	rl.request_id, rl.timestamp, rl.profile_id,
	COALESCE(p.name, 'deleted profile (' || rl.profile_id || ')') AS profile_name,
	rl.provider,
	rl.original_model, rl.model_mode, rl.forwarded_model,
	rl.input_tokens, rl.output_tokens, rl.cache_creation_input_tokens, rl.cache_read_input_tokens,
	rl.duration_ms, rl.upstream_duration_ms,
	rl.status_code, rl.error_message, rl.is_stream,
	rl.request_size_bytes, rl.response_size_bytes, rl.response_body
FROM request_logs rl
LEFT JOIN profiles p ON rl.profile_id = p.id
ORDER BY rl.timestamp DESC
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []store.RequestLog
	for rows.Next() {
		var l store.RequestLog
		if err := rows.Scan(
			&l.RequestID, &l.Timestamp, &l.ProfileID, &l.ProfileName, &l.Provider,
			&l.OriginalModel, &l.ModelMode, &l.ForwardedModel,
			&l.InputTokens, &l.OutputTokens, &l.CacheCreationInputTokens, &l.CacheReadInputTokens,
			&l.DurationMs, &l.UpstreamDurationMs,
			&l.StatusCode, &l.ErrorMessage, &l.IsStream,
			&l.RequestSizeBytes, &l.ResponseSizeBytes, &l.ResponseBody,
		); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CleanupOlderThan deletes rows older than the retention window.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UnixMilli() - int64(days)*86400000
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old logs: %w", err)
	}
	return res.RowsAffected()
}

// DeduplicateLogs removes duplicate request_ids keeping the latest row.
func (s *Store) DeduplicateLogs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM request_logs
WHERE id NOT IN (
	SELECT MAX(id) FROM request_logs GROUP BY request_id
)`)
	if err != nil {
		return 0, fmt.Errorf("deduplicate logs: %w", err)
	}
	return res.RowsAffected()
}

// SaveProfile upserts the profile row and rewrites its mapping rules.
func (s *Store) SaveProfile(ctx context.Context, p profile.Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO profiles (
	id, name, api_base_url, api_key, is_active,
	model_mapping_mode, override_model, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	api_base_url = EXCLUDED.api_base_url,
	api_key = EXCLUDED.api_key,
	is_active = EXCLUDED.is_active,
	model_mapping_mode = EXCLUDED.model_mapping_mode,
	override_model = EXCLUDED.override_model,
	updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.APIBaseURL, p.APIKey, p.IsActive,
		string(p.MappingMode), nullIfEmpty(p.OverrideModel), now, now,
	); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM model_mappings WHERE profile_id = $1`, p.ID); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	for order, rule := range p.ModelMappings {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO model_mappings (profile_id, pattern, target, use_regex, rule_order)
VALUES ($1, $2, $3, $4, $5)`,
			p.ID, rule.Pattern, rule.Target, rule.UseRegex, order,
		); err != nil {
			return fmt.Errorf("save mapping rule: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteProfile removes the profile; its mapping rules cascade.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

// LoadProfiles reads every profile with its ordered mapping rules.
func (s *Store) LoadProfiles(ctx context.Context) ([]profile.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, api_base_url, api_key, is_active, model_mapping_mode, override_model
FROM profiles
ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []profile.Profile
	for rows.Next() {
		var p profile.Profile
		var mode string
		var override sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.APIBaseURL, &p.APIKey, &p.IsActive, &mode, &override); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.MappingMode = profile.ParseMappingMode(mode)
		p.OverrideModel = override.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		rules, err := s.loadMappings(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].ModelMappings = rules
	}
	return out, nil
}

func (s *Store) loadMappings(ctx context.Context, profileID string) ([]profile.MappingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pattern, target, use_regex
FROM model_mappings
WHERE profile_id = $1
ORDER BY rule_order ASC`, profileID)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var rules []profile.MappingRule
	for rows.Next() {
		var r profile.MappingRule
		if err := rows.Scan(&r.Pattern, &r.Target, &r.UseRegex); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetConfig upserts one app_config key.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO app_config (key, value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET
	value = EXCLUDED.value,
	updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save app config: %w", err)
	}
	return nil
}

// GetConfig reads one app_config key, reporting presence.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load app config: %w", err)
	}
	return value, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
