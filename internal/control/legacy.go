package control

import (
	"context"
	"fmt"

	"github.com/prism-proxy/prism/internal/config"
	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/store"
)

// ImportLegacy migrates profiles and settings from the old JSON config
// file into the database. It runs before Bootstrap and only when the
// database holds no profiles yet, so it is a one-time migration.
func (s *Service) ImportLegacy(ctx context.Context, path string) error {
	existing, err := s.store.LoadProfiles(ctx)
	if err != nil {
		return fmt.Errorf("check existing profiles: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	legacy, found, err := config.LoadLegacy(path)
	if err != nil {
		s.logger.Printf("legacy config unreadable, skipping import: %v", err)
		return nil
	}
	if !found {
		return nil
	}

	for _, lp := range legacy.Profiles {
		p := profile.New(lp.Name, lp.APIBaseURL, lp.APIKey)
		if lp.ID != "" {
			p.ID = lp.ID
		}
		p.IsActive = lp.IsActive
		if err := s.store.SaveProfile(ctx, p); err != nil {
			return fmt.Errorf("import profile %q: %w", lp.Name, err)
		}
	}
	if legacy.ProxyAPIKey != "" {
		if err := s.store.SetConfig(ctx, store.KeyProxyAPIKey, legacy.ProxyAPIKey); err != nil {
			return fmt.Errorf("import proxy api key: %w", err)
		}
	}
	if legacy.EnableAuth {
		if err := s.store.SetConfig(ctx, store.KeyEnableAuth, "true"); err != nil {
			return fmt.Errorf("import auth setting: %w", err)
		}
	}
	s.logger.Printf("imported %d profiles from legacy config", len(legacy.Profiles))
	return nil
}
