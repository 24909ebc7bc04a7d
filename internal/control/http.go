package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/proxy"
	"github.com/prism-proxy/prism/internal/store"
)

// Router returns the admin API surface. It binds to a separate local
// listener from the forwarding server and carries no auth of its own;
// keep it on loopback.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/profiles", s.handleListProfiles)
		r.Post("/profiles", s.handleCreateProfile)
		r.Get("/profiles/{id}", s.handleGetProfile)
		r.Put("/profiles/{id}", s.handleUpdateProfile)
		r.Delete("/profiles/{id}", s.handleDeleteProfile)
		r.Post("/profiles/{id}/activate", s.handleActivateProfile)

		r.Get("/apikey", s.handleGetAPIKey)
		r.Post("/apikey/refresh", s.handleRefreshAPIKey)

		r.Get("/auth", s.handleGetAuth)
		r.Put("/auth", s.handleSetAuth)

		r.Get("/proxy/config", s.handleGetProxyConfig)
		r.Put("/proxy/config", s.handleSetProxyConfig)
		r.Get("/proxy/status", s.handleProxyStatus)
		r.Post("/proxy/start", s.handleStartProxy)
		r.Post("/proxy/stop", s.handleStopProxy)

		r.Get("/logs", s.handleLogs)
		r.Get("/stats/dashboard", s.handleDashboardStats)
		r.Get("/stats/tokens", s.handleTokenStats)
		r.Get("/stats/ranking", s.handleProfileRanking)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *Service) handleListProfiles(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ListProfiles())
}

func (s *Service) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		APIBaseURL string `json:"apiBaseUrl"`
		APIKey     string `json:"apiKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := s.CreateProfile(r.Context(), req.Name, req.APIBaseURL, req.APIKey)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Service) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.GetProfile(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Service) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var p profile.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := s.UpdateProfile(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		respondProfileError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Service) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteProfile(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondProfileError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Service) handleActivateProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.ActivateProfile(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondProfileError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"activated": true})
}

func (s *Service) handleGetAPIKey(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"apiKey": s.ProxyAPIKey()})
}

func (s *Service) handleRefreshAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.RefreshProxyAPIKey(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"apiKey": key})
}

func (s *Service) handleGetAuth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": s.AuthEnabled()})
}

func (s *Service) handleSetAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.SetAuthEnabled(r.Context(), req.Enabled); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Service) handleGetProxyConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.ProxyConfig(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Service) handleSetProxyConfig(w http.ResponseWriter, r *http.Request) {
	var cfg proxy.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.SetProxyConfig(r.Context(), cfg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.ProxyStatus())
}

func (s *Service) handleProxyStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ProxyStatus())
}

func (s *Service) handleStartProxy(w http.ResponseWriter, r *http.Request) {
	if err := s.StartProxy(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.ProxyStatus())
}

func (s *Service) handleStopProxy(w http.ResponseWriter, r *http.Request) {
	if err := s.StopProxy(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.ProxyStatus())
}

func (s *Service) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	logs, err := s.Logs(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []store.RequestLog{}
	}
	respondJSON(w, http.StatusOK, logs)
}

func (s *Service) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.DashboardStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Service) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	points, err := s.TokenStats(r.Context(), r.URL.Query().Get("range"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, points)
}

func (s *Service) handleProfileRanking(w http.ResponseWriter, r *http.Request) {
	ranking, err := s.ProfileRanking(r.Context(), r.URL.Query().Get("range"), queryInt(r, "limit", 10))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ranking)
}

func respondProfileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, profile.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, profile.ErrExists):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
