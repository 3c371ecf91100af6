// Package config resolves panicwatch settings from an optional yaml file
// with environment-variable overrides. Flags in main override both.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the resolved runtime settings.
type Config struct {
	// ServerURL is the PanicSense server origin, e.g. http://localhost:5000.
	ServerURL string `yaml:"server_url"`
	// SocketPath is the websocket endpoint path on the server.
	SocketPath string `yaml:"socket_path"`
	// DBPath is the sqlite database location. Empty means the default.
	DBPath string `yaml:"db_path"`
	// ArchiveDir is where pruned completion history goes. Empty means the default.
	ArchiveDir string `yaml:"archive_dir"`
	// Reconnect controls whether dropped connections are re-dialed.
	Reconnect bool `yaml:"reconnect"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ServerURL:  "http://localhost:5000",
		SocketPath: "/ws",
		Reconnect:  true,
	}
}

// DefaultPath returns the default config file location:
// ~/.config/panicwatch/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "panicwatch", "config.yaml")
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist, then applies PANICWATCH_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// no file is fine
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("PANICWATCH_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("PANICWATCH_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("PANICWATCH_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PANICWATCH_ARCHIVE_DIR"); v != "" {
		cfg.ArchiveDir = v
	}
	return cfg, nil
}
