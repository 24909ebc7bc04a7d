// Package sqlite implements store.Store on a single local database
// file, the default backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/store"
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL UNIQUE,
	timestamp INTEGER NOT NULL,
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
	duration_ms INTEGER NOT NULL,
	upstream_duration_ms INTEGER,
	status_code INTEGER NOT NULL,
	error_message TEXT,
	is_stream INTEGER NOT NULL,
	request_size_bytes INTEGER,
	response_size_bytes INTEGER,
	response_body TEXT
);
CREATE INDEX IF NOT EXISTS idx_timestamp ON request_logs(timestamp DESC);

CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	api_base_url TEXT NOT NULL,
	api_key TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0,
	model_mapping_mode TEXT NOT NULL DEFAULT 'passthrough',
	override_model TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS model_mappings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	pattern TEXT NOT NULL,
	target TEXT NOT NULL,
	use_regex INTEGER NOT NULL DEFAULT 0,
	rule_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS app_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
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
INSERT OR IGNORE INTO request_logs (
	request_id, timestamp, profile_id, profile_name, provider,
	original_model, model_mode, forwarded_model,
	input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
	duration_ms, upstream_duration_ms,
	status_code, error_message, is_stream,
	request_size_bytes, response_size_bytes, response_body
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, l.Timestamp, l.ProfileID, l.ProfileName, l.Provider,
		l.OriginalModel, l.ModelMode, l.ForwardedModel,
		l.InputTokens, l.OutputTokens, l.CacheCreationInputTokens, l.CacheReadInputTokens,
		l.DurationMs, l.UpstreamDurationMs,
		l.StatusCode, l.ErrorMessage, boolToInt(l.IsStream),
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
// row. The original timestamp is deliberately untouched.
func (s *Store) UpdateStreamTotals(ctx context.Context, requestID string, t store.StreamTotals) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE request_logs SET
	input_tokens = ?,
	output_tokens = ?,
	cache_creation_input_tokens = ?,
	cache_read_input_tokens = ?,
	duration_ms = ?,
	response_body = COALESCE(?, response_body)
WHERE request_id = ?`,
		t.InputTokens, t.OutputTokens, t.CacheCreationInputTokens, t.CacheReadInputTokens,
		t.DurationMs, t.ResponseBody, requestID,
	)
	if err != nil {
		return fmt.Errorf("update stream totals: %w", err)
	}
	return nil
}

// ListLogs returns rows newest-first. The profile name is resolved
// against the live profiles table so renames show through; rows whose
// profile is gone get a placeholder name.
func (s *Store) ListLogs(ctx context.Context, limit, offset int) ([]store.RequestLog, error) {
	limit = clampLimit(limit)
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
LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []store.RequestLog
	for rows.Next() {
		var l store.RequestLog
		var isStream int
		if err := rows.Scan(
			&l.RequestID, &l.Timestamp, &l.ProfileID, &l.ProfileName, &l.Provider,
			&l.OriginalModel, &l.ModelMode, &l.ForwardedModel,
			&l.InputTokens, &l.OutputTokens, &l.CacheCreationInputTokens, &l.CacheReadInputTokens,
			&l.DurationMs, &l.UpstreamDurationMs,
			&l.StatusCode, &l.ErrorMessage, &isStream,
			&l.RequestSizeBytes, &l.ResponseSizeBytes, &l.ResponseBody,
		); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.IsStream = isStream != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// CleanupOlderThan deletes rows older than the retention window.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UnixMilli() - int64(days)*86400000
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE timestamp < ?`, cutoff)
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	api_base_url = excluded.api_base_url,
	api_key = excluded.api_key,
	is_active = excluded.is_active,
	model_mapping_mode = excluded.model_mapping_mode,
	override_model = excluded.override_model,
	updated_at = excluded.updated_at`,
		p.ID, p.Name, p.APIBaseURL, p.APIKey, boolToInt(p.IsActive),
		string(p.MappingMode), nullIfEmpty(p.OverrideModel), now, now,
	); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM model_mappings WHERE profile_id = ?`, p.ID); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	for order, rule := range p.ModelMappings {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO model_mappings (profile_id, pattern, target, use_regex, rule_order)
VALUES (?, ?, ?, ?, ?)`,
			p.ID, rule.Pattern, rule.Target, boolToInt(rule.UseRegex), order,
		); err != nil {
			return fmt.Errorf("save mapping rule: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteProfile removes the profile; its mapping rules cascade.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id); err != nil {
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
		var isActive int
		var mode string
		var override sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.APIBaseURL, &p.APIKey, &isActive, &mode, &override); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.IsActive = isActive != 0
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
WHERE profile_id = ?
ORDER BY rule_order ASC`, profileID)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var rules []profile.MappingRule
	for rows.Next() {
		var r profile.MappingRule
		var useRegex int
		if err := rows.Scan(&r.Pattern, &r.Target, &useRegex); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		r.UseRegex = useRegex != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetConfig upserts one app_config key.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO app_config (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save app config: %w", err)
	}
	return nil
}

// GetConfig reads one app_config key, reporting presence.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load app config: %w", err)
	}
	return value, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > store.MaxListLogLimit {
		return store.MaxListLogLimit
	}
	return limit
}
