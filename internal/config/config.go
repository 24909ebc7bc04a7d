// Package config loads daemon settings from a flat INI file with
// PRISM_* environment overrides taking precedence.
package config

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultConfigFile = "config/prism.ini"

// Config describes runtime options for the daemon.
type Config struct {
	// DatabasePath is a local SQLite file path or a postgres:// DSN.
	DatabasePath string
	LogFile      string
	LogLevel     string
	// AdminAddr is the management API bind address.
	AdminAddr string
	// ProxyHost and ProxyPort seed the forwarding listener when no
	// persisted config exists yet.
	ProxyHost string
	ProxyPort int
	// AutoStart brings the forwarding listener up at boot.
	AutoStart bool
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "prism-data"
	}
	return filepath.Join(base, "prism")
}

// Load reads the config file at path (the default location when empty)
// and applies environment overrides. A missing file yields defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = defaultConfigFile
	}
	values, err := parseINI(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		values = map[string]string{}
	}

	dataDir := DefaultDataDir()
	cfg := Config{
		DatabasePath: firstNonEmpty(os.Getenv("PRISM_DATABASE"), values["database"], filepath.Join(dataDir, "prism.db")),
		LogFile:      firstNonEmpty(os.Getenv("PRISM_LOG_FILE"), values["log_file"], filepath.Join(dataDir, "logs", "prismd.log")),
		LogLevel:     firstNonEmpty(os.Getenv("PRISM_LOG_LEVEL"), values["log_level"], "info"),
		AdminAddr:    firstNonEmpty(os.Getenv("PRISM_ADMIN_ADDR"), values["admin_addr"], "127.0.0.1:15289"),
		ProxyHost:    firstNonEmpty(os.Getenv("PRISM_PROXY_HOST"), values["proxy_host"], "127.0.0.1"),
		ProxyPort:    parseOptionalInt(firstNonEmpty(os.Getenv("PRISM_PROXY_PORT"), values["proxy_port"]), 15288),
		AutoStart:    parseOptionalBool(firstNonEmpty(os.Getenv("PRISM_AUTOSTART"), values["autostart"]), true),
	}
	return cfg, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		values[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return values, scanner.Err()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseOptionalBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseOptionalInt(v string, fallback int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}
