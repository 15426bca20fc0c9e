package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ConfigPath returns the default configuration file path:
// ~/.duskpetrel/config.json.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.json")
}

// DataDir returns the duskpetrel data directory: ~/.duskpetrel.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".duskpetrel"
	}
	return filepath.Join(home, ".duskpetrel")
}

// StateDir returns the session-state directory.
func StateDir() string { return filepath.Join(DataDir(), "state") }

// MemoryDir returns the memory-database directory.
func MemoryDir() string { return filepath.Join(DataDir(), "memory") }

// MediaDir returns the downloaded-attachment directory.
func MediaDir() string { return filepath.Join(DataDir(), "media") }

// Load reads and parses the config file at path.
// If path is empty, ConfigPath() is used.
// A missing file yields defaults; unparsable JSON warns and yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("config parse failed, using defaults", "path", path, "error", err)
		cfg2 := DefaultConfig()
		return &cfg2, nil
	}

	return &cfg, nil
}

// Save writes cfg to path as indented JSON.
// If path is empty, ConfigPath() is used.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Handle wraps a Config behind an atomic pointer so the daemon can reload on
// SIGHUP. Observers always see one complete version, never a torn read.
type Handle struct {
	path string
	ptr  atomic.Pointer[Config]
}

// NewHandle loads path and returns a reloadable handle.
func NewHandle(path string) (*Handle, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := &Handle{path: path}
	h.ptr.Store(cfg)
	return h, nil
}

// Current returns the active config. Callers must not mutate the result.
func (h *Handle) Current() *Config { return h.ptr.Load() }

// Reload re-reads the file and swaps the active config. On failure the
// previous config stays active.
func (h *Handle) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	h.ptr.Store(cfg)
	slog.Info("config reloaded", "path", h.path)
	return nil
}
