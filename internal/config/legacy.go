package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// LegacyProfile is one upstream entry from the pre-database JSON
// config file.
type LegacyProfile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	APIBaseURL string `json:"api_base_url"`
	APIKey     string `json:"api_key"`
	IsActive   bool   `json:"is_active"`
}

// LegacyConfig is the shape of the old ~/.claude-proxy/config.json.
type LegacyConfig struct {
	Profiles    []LegacyProfile `json:"profiles"`
	ProxyAPIKey string          `json:"proxy_api_key"`
	EnableAuth  bool            `json:"enable_auth"`
}

// LegacyConfigPath returns the old JSON config location.
func LegacyConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude-proxy", "config.json")
}

// LoadLegacy reads the old JSON config if present. The second return
// is false when the file does not exist.
func LoadLegacy(path string) (LegacyConfig, bool, error) {
	if path == "" {
		path = LegacyConfigPath()
	}
	if path == "" {
		return LegacyConfig{}, false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LegacyConfig{}, false, nil
		}
		return LegacyConfig{}, false, err
	}
	var cfg LegacyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return LegacyConfig{}, false, err
	}
	return cfg, true, nil
}
