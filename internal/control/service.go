// Package control is the management plane: it layers persistence over
// the live profile store, owns the proxy API key and auth toggle, and
// drives the forwarding listener's lifecycle. The admin HTTP surface in
// this package exposes the same operations over JSON.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/proxy"
	"github.com/prism-proxy/prism/internal/store"
)

// Service coordinates the live profile store, the telemetry store and
// the proxy lifecycle controller.
type Service struct {
	profiles   *profile.Store
	store      store.Store
	controller *proxy.Controller
	logger     *log.Logger
}

// NewService wires the management plane together.
func NewService(profiles *profile.Store, st store.Store, controller *proxy.Controller, logger *log.Logger) *Service {
	return &Service{profiles: profiles, store: st, controller: controller, logger: logger}
}

// Bootstrap loads persisted profiles and settings into the live store,
// generating and persisting a proxy API key on first run.
func (s *Service) Bootstrap(ctx context.Context) error {
	profiles, err := s.store.LoadProfiles(ctx)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	apiKey, ok, err := s.store.GetConfig(ctx, store.KeyProxyAPIKey)
	if err != nil {
		return fmt.Errorf("load proxy api key: %w", err)
	}

	enableAuth := false
	if v, found, err := s.store.GetConfig(ctx, store.KeyEnableAuth); err != nil {
		return fmt.Errorf("load auth setting: %w", err)
	} else if found {
		enableAuth = v == "true"
	}

	s.profiles.Load(profiles, apiKey, enableAuth)

	if !ok || strings.TrimSpace(apiKey) == "" {
		key, err := s.profiles.RefreshProxyAPIKey()
		if err != nil {
			return err
		}
		if err := s.store.SetConfig(ctx, store.KeyProxyAPIKey, key); err != nil {
			return fmt.Errorf("persist proxy api key: %w", err)
		}
		s.logger.Printf("generated initial proxy api key")
	}
	return nil
}

// ListProfiles returns all profiles.
func (s *Service) ListProfiles() []profile.Profile {
	return s.profiles.List()
}

// GetProfile returns one profile by id.
func (s *Service) GetProfile(id string) (profile.Profile, error) {
	p, ok := s.profiles.Get(id)
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return p, nil
}

// CreateProfile registers and persists a new profile.
func (s *Service) CreateProfile(ctx context.Context, name, apiBaseURL, apiKey string) (profile.Profile, error) {
	if strings.TrimSpace(name) == "" {
		return profile.Profile{}, fmt.Errorf("profile name required")
	}
	if strings.TrimSpace(apiBaseURL) == "" {
		return profile.Profile{}, fmt.Errorf("api base url required")
	}
	p := profile.New(name, apiBaseURL, apiKey)
	if _, err := s.profiles.Create(p); err != nil {
		return profile.Profile{}, err
	}
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return profile.Profile{}, fmt.Errorf("persist profile: %w", err)
	}
	return p, nil
}

// UpdateProfile replaces a profile's settings, keeping its id and
// active flag, and persists the result.
func (s *Service) UpdateProfile(ctx context.Context, id string, p profile.Profile) (profile.Profile, error) {
	if err := s.profiles.Update(id, p); err != nil {
		return profile.Profile{}, err
	}
	updated, _ := s.profiles.Get(id)
	if err := s.store.SaveProfile(ctx, updated); err != nil {
		return profile.Profile{}, fmt.Errorf("persist profile: %w", err)
	}
	return updated, nil
}

// DeleteProfile removes a profile from the live store and the database.
func (s *Service) DeleteProfile(ctx context.Context, id string) error {
	if err := s.profiles.Delete(id); err != nil {
		return err
	}
	if err := s.store.DeleteProfile(ctx, id); err != nil {
		return fmt.Errorf("remove profile: %w", err)
	}
	return nil
}

// ActivateProfile makes one profile active and persists the shifted
// flags of every profile.
func (s *Service) ActivateProfile(ctx context.Context, id string) error {
	if err := s.profiles.Activate(id); err != nil {
		return err
	}
	for _, p := range s.profiles.List() {
		if err := s.store.SaveProfile(ctx, p); err != nil {
			return fmt.Errorf("persist profile %s: %w", p.ID, err)
		}
	}
	return nil
}

// ProxyAPIKey returns the current local bearer key.
func (s *Service) ProxyAPIKey() string {
	return s.profiles.ProxyAPIKey()
}

// RefreshProxyAPIKey rotates and persists the local bearer key.
func (s *Service) RefreshProxyAPIKey(ctx context.Context) (string, error) {
	key, err := s.profiles.RefreshProxyAPIKey()
	if err != nil {
		return "", err
	}
	if err := s.store.SetConfig(ctx, store.KeyProxyAPIKey, key); err != nil {
		return "", fmt.Errorf("persist proxy api key: %w", err)
	}
	return key, nil
}

// AuthEnabled reports the ingress auth toggle.
func (s *Service) AuthEnabled() bool {
	return s.profiles.AuthEnabled()
}

// SetAuthEnabled flips and persists the ingress auth toggle.
func (s *Service) SetAuthEnabled(ctx context.Context, enabled bool) error {
	s.profiles.SetAuthEnabled(enabled)
	if err := s.store.SetConfig(ctx, store.KeyEnableAuth, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("persist auth setting: %w", err)
	}
	return nil
}

// ProxyConfig returns the persisted listener config, falling back to
// the loopback default.
func (s *Service) ProxyConfig(ctx context.Context) (proxy.Config, error) {
	raw, ok, err := s.store.GetConfig(ctx, store.KeyProxyConfig)
	if err != nil {
		return proxy.Config{}, fmt.Errorf("load proxy config: %w", err)
	}
	if !ok {
		return proxy.DefaultConfig(), nil
	}
	var cfg proxy.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		s.logger.Printf("stored proxy config unreadable, using default: %v", err)
		return proxy.DefaultConfig(), nil
	}
	if cfg.Host == "" {
		cfg.Host = proxy.DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = proxy.DefaultPort
	}
	return cfg, nil
}

// SeedProxyConfig persists a listener config only when none is stored
// yet, so the daemon settings seed the first run without clobbering a
// later admin change.
func (s *Service) SeedProxyConfig(ctx context.Context, cfg proxy.Config) error {
	if _, ok, err := s.store.GetConfig(ctx, store.KeyProxyConfig); err != nil {
		return fmt.Errorf("load proxy config: %w", err)
	} else if ok {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.store.SetConfig(ctx, store.KeyProxyConfig, string(raw))
}

// SetProxyConfig validates, persists and applies a new listener
// address, restarting the forwarding server on it.
func (s *Service) SetProxyConfig(ctx context.Context, cfg proxy.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.store.SetConfig(ctx, store.KeyProxyConfig, string(raw)); err != nil {
		return fmt.Errorf("persist proxy config: %w", err)
	}
	return s.controller.Restart(ctx, cfg)
}

// ProxyStatus returns the live listener state.
func (s *Service) ProxyStatus() proxy.Status {
	return s.controller.Status()
}

// StartProxy boots the listener with the persisted config.
func (s *Service) StartProxy(ctx context.Context) error {
	cfg, err := s.ProxyConfig(ctx)
	if err != nil {
		return err
	}
	return s.controller.Restart(ctx, cfg)
}

// StopProxy stops the listener.
func (s *Service) StopProxy(ctx context.Context) error {
	return s.controller.Shutdown(ctx)
}

// Logs returns telemetry rows, newest first. Limits above the cap or
// non-positive are clamped; negative offsets read from the start.
func (s *Service) Logs(ctx context.Context, limit, offset int) ([]store.RequestLog, error) {
	return s.store.ListLogs(ctx, limit, offset)
}

// DashboardStats returns today's and all-time totals.
func (s *Service) DashboardStats(ctx context.Context) (store.DashboardStats, error) {
	return s.store.DashboardStats(ctx)
}

// TokenStats returns the bucketed token series for a range.
func (s *Service) TokenStats(ctx context.Context, timeRange string) ([]store.TokenPoint, error) {
	return s.store.TokenStats(ctx, timeRange)
}

// ProfileRanking returns the per-profile consumption leaderboard.
func (s *Service) ProfileRanking(ctx context.Context, timeRange string, limit int) ([]store.ProfileConsumption, error) {
	return s.store.ProfileRanking(ctx, timeRange, limit)
}

// Sweep runs the startup maintenance passes: drop rows past retention
// and collapse duplicate request ids.
func (s *Service) Sweep(ctx context.Context) {
	if n, err := s.store.CleanupOlderThan(ctx, store.RetentionDays); err != nil {
		s.logger.Printf("log cleanup: %v", err)
	} else if n > 0 {
		s.logger.Printf("log cleanup removed %d rows", n)
	}
	if n, err := s.store.DeduplicateLogs(ctx); err != nil {
		s.logger.Printf("log dedup: %v", err)
	} else if n > 0 {
		s.logger.Printf("log dedup removed %d rows", n)
	}
}

// ResetProxyStatus marks the persisted listener state as stopped, run
// before the controller starts so a stale running flag from a crashed
// process does not survive.
func (s *Service) ResetProxyStatus(ctx context.Context) error {
	st := proxy.Status{IsRunning: false, Host: proxy.DefaultHost, Port: proxy.DefaultPort}
	if cfg, err := s.ProxyConfig(ctx); err == nil {
		st.Host, st.Port = cfg.Host, cfg.Port
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.store.SetConfig(ctx, store.KeyProxyStatus, string(raw))
}
