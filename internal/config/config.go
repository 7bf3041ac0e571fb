package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything agtdeck reads from agtdeck.yaml. The file is
// optional; defaults cover a local orchestrator, and AGTDECK_* env vars
// override individual fields.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	DBPath    string `yaml:"db_path"`

	MinBackoffMS         int `yaml:"min_backoff_ms"`
	MaxBackoffMS         int `yaml:"max_backoff_ms"`
	PongWaitSec          int `yaml:"pong_wait_sec"`
	ReconcileIntervalSec int `yaml:"reconcile_interval_sec"`
	CoalesceWindowMS     int `yaml:"coalesce_window_ms"`

	JournalKeep   int `yaml:"journal_keep"`
	TranscriptCap int `yaml:"transcript_cap"`

	// WatchKinds limits which event kinds the watch command prints.
	// Empty means all kinds.
	WatchKinds []string `yaml:"watch_kinds"`
}

func DefaultConfig() Config {
	return Config{
		ServerURL:            "http://127.0.0.1:8080",
		DBPath:               defaultDBPath(),
		MinBackoffMS:         500,
		MaxBackoffMS:         30000,
		PongWaitSec:          60,
		ReconcileIntervalSec: 300,
		CoalesceWindowMS:     25,
		JournalKeep:          10000,
		TranscriptCap:        200,
	}
}

// ResolvePath returns the config file location: AGTDECK_CONFIG wins, then
// the XDG config dir.
func ResolvePath() string {
	if p := os.Getenv("AGTDECK_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "agtdeck.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "agtdeck", "agtdeck.yaml")
}

// Load builds the effective config: defaults, then the YAML file when it
// exists, then env overrides. An empty path resolves via ResolvePath.
func Load(path string) (Config, error) {
	if path == "" {
		path = ResolvePath()
	}
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Optional file; defaults plus env apply.
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	applyEnv(&cfg)
	if _, err := url.Parse(cfg.ServerURL); err != nil || cfg.ServerURL == "" {
		return Config{}, fmt.Errorf("invalid server_url %q", cfg.ServerURL)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGTDECK_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("AGTDECK_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("AGTDECK_DB"); v != "" {
		cfg.DBPath = v
	}
}

// StreamURL derives the push-stream endpoint from the REST base URL.
func (c Config) StreamURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server_url scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func (c Config) MinBackoff() time.Duration {
	return time.Duration(c.MinBackoffMS) * time.Millisecond
}

func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

func (c Config) PongWait() time.Duration {
	return time.Duration(c.PongWaitSec) * time.Second
}

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

func (c Config) CoalesceWindow() time.Duration {
	return time.Duration(c.CoalesceWindowMS) * time.Millisecond
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agtdeck.db"
	}
	return filepath.Join(home, ".local", "state", "agtdeck", "agtdeck.db")
}
