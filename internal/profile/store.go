package profile

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound = errors.New("profile not found")
	ErrExists   = errors.New("profile already exists")
)

// Store holds the live proxy configuration: the set of named upstream
// profiles, the local proxy API key and the auth toggle. It is the
// source of truth for the request hot path; persistence is layered on
// top by the control service.
type Store struct {
	mu          sync.RWMutex
	profiles    map[string]Profile
	proxyAPIKey string
	enableAuth  bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{profiles: make(map[string]Profile)}
}

// Load replaces the profile set wholesale, used at startup when reading
// persisted state back in.
func (s *Store) Load(profiles []Profile, proxyAPIKey string, enableAuth bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		s.profiles[p.ID] = p.Clone()
	}
	s.proxyAPIKey = proxyAPIKey
	s.enableAuth = enableAuth
}

// Create inserts a new profile.
func (s *Store) Create(p Profile) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.ID]; ok {
		return "", ErrExists
	}
	s.profiles[p.ID] = p.Clone()
	return p.ID, nil
}

// Update replaces the stored profile, preserving its id and active flag.
func (s *Store) Update(id string, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.ID = id
	p.IsActive = existing.IsActive
	s.profiles[id] = p.Clone()
	return nil
}

// Delete removes the profile.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return ErrNotFound
	}
	delete(s.profiles, id)
	return nil
}

// Activate marks the target profile active and clears the flag on every
// other profile, keeping the at-most-one-active invariant under the
// write lock.
func (s *Store) Activate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return ErrNotFound
	}
	for pid, p := range s.profiles {
		p.IsActive = pid == id
		s.profiles[pid] = p
	}
	return nil
}

// Get returns a snapshot of one profile.
func (s *Store) Get(id string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return p.Clone(), true
}

// GetActive returns a snapshot of the active profile. This is the hot
// path call made once per proxied request.
func (s *Store) GetActive() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.IsActive {
			return p.Clone(), true
		}
	}
	return Profile{}, false
}

// List returns snapshots of all profiles.
func (s *Store) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	return out
}

// ProxyAPIKey returns the current local bearer key, which may be empty
// when none has been generated yet.
func (s *Store) ProxyAPIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxyAPIKey
}

// RefreshProxyAPIKey generates and installs a new local bearer key.
func (s *Store) RefreshProxyAPIKey() (string, error) {
	key, err := generateAPIKey()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.proxyAPIKey = key
	s.mu.Unlock()
	return key, nil
}

// AuthEnabled reports whether ingress bearer auth is on.
func (s *Store) AuthEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enableAuth
}

// SetAuthEnabled toggles ingress bearer auth.
func (s *Store) SetAuthEnabled(enabled bool) {
	s.mu.Lock()
	s.enableAuth = enabled
	s.mu.Unlock()
}

// Authorize implements the ingress auth gate: when auth is enabled the
// Authorization header must carry exactly "Bearer <proxy_api_key>".
func (s *Store) Authorize(authorization string) bool {
	s.mu.RLock()
	enabled, key := s.enableAuth, s.proxyAPIKey
	s.mu.RUnlock()
	if !enabled {
		return true
	}
	const prefix = "Bearer "
	if len(authorization) <= len(prefix) || authorization[:len(prefix)] != prefix {
		return false
	}
	if key == "" {
		return false
	}
	return hmac.Equal([]byte(authorization[len(prefix):]), []byte(key))
}

// generateAPIKey produces "sk-" followed by 32 lowercase hex characters
// from cryptographic randomness.
func generateAPIKey() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "sk-" + hex.EncodeToString(buf[:]), nil
}
