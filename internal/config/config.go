// Package config loads the daemon's on-disk configuration, following the
// teacher's pattern of a small struct with sane defaults that's optionally
// overridden by a file on disk (see environment.DefaultConfig in the
// container-use environment package this was generalized from).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
)

// Config holds daemon-wide tunables. Every field has a default; the on-disk
// TOML file and RUNTIMED_* environment variables may override it.
type Config struct {
	TargetUV            int           `toml:"target_uv"`
	TargetConda         int           `toml:"target_conda"`
	MaxAge              time.Duration `toml:"-"`
	MaxAgeHours         int           `toml:"max_age_hours"`
	RoomEvictionDelay   time.Duration `toml:"-"`
	RoomEvictionSeconds int           `toml:"room_eviction_delay_secs"`
	InlineThreshold     int           `toml:"inline_threshold_bytes"`
	CacheDir            string        `toml:"cache_dir"`
	LogLevel            string        `toml:"log_level"`
}

// Default returns the spec-mandated defaults (48h max age, 30s eviction
// delay, 8KiB inline threshold).
func Default() *Config {
	cache, err := defaultCacheDir()
	if err != nil {
		cache = filepath.Join(os.TempDir(), "runt")
	}
	return &Config{
		TargetUV:            2,
		TargetConda:         1,
		MaxAge:              48 * time.Hour,
		MaxAgeHours:         48,
		RoomEvictionDelay:   30 * time.Second,
		RoomEvictionSeconds: 30,
		InlineThreshold:     8 * 1024,
		CacheDir:            cache,
		LogLevel:            "info",
	}
}

func defaultCacheDir() (string, error) {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "runt"), nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "runt"), nil
}

// Load reads a TOML config file at path, falling back to defaults for
// unset fields. A missing file is not an error; the caller gets defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	normalize(cfg)
	applyEnv(cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.MaxAgeHours > 0 {
		cfg.MaxAge = time.Duration(cfg.MaxAgeHours) * time.Hour
	}
	if cfg.RoomEvictionSeconds > 0 {
		cfg.RoomEvictionDelay = time.Duration(cfg.RoomEvictionSeconds) * time.Second
	}
}

// applyEnv lets RUNTIMED_* environment variables override individual
// fields, matching the teacher's preference for host-env-driven overrides
// (CONTAINER_USE_DEFAULT_HOST in environment.LoadInfo).
func applyEnv(cfg *Config) {
	if v := os.Getenv("RUNTIMED_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("RUNTIMED_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNTIMED_TARGET_UV"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TargetUV = n
		}
	}
	if v := os.Getenv("RUNTIMED_TARGET_CONDA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TargetConda = n
		}
	}
}

// DefaultPath returns the default config file location under CacheDir.
func (c *Config) DefaultPath() string {
	return filepath.Join(c.CacheDir, "runtimed.toml")
}

// EnvsDir is where pooled/claimed environment directories live.
func (c *Config) EnvsDir() string { return filepath.Join(c.CacheDir, "envs") }

// BlobsDir is the content-addressed blob store root.
func (c *Config) BlobsDir() string { return filepath.Join(c.CacheDir, "blobs") }

// SocketPath is the Unix socket / named pipe endpoint path.
func (c *Config) SocketPath() string {
	if p := os.Getenv("RUNTIMED_SOCKET_PATH"); p != "" {
		return p
	}
	return filepath.Join(c.CacheDir, "runtimed.sock")
}

// LockPath is the singleton advisory-lock file.
func (c *Config) LockPath() string { return filepath.Join(c.CacheDir, "daemon.lock") }

// InfoPath is the daemon.json sidecar.
func (c *Config) InfoPath() string { return filepath.Join(c.CacheDir, "daemon.json") }

// SettingsPath is where the settings CRDT + JSON mirror are persisted.
func (c *Config) SettingsPath() string { return filepath.Join(c.CacheDir, "settings") }

// EnsureDirs creates every directory the daemon needs up front.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.CacheDir, c.EnvsDir(), c.BlobsDir(), c.SettingsPath(), filepath.Join(c.CacheDir, "rooms"), filepath.Join(c.CacheDir, "connections")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
