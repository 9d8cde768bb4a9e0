// Package config holds the client-side control-plane configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PlaceholderServerURL is the documented default left in freshly generated
// config files. The factory treats it the same as an empty URL: run local.
const PlaceholderServerURL = "https://control.example.com"

// Config is the full recognized option set. Intervals are in seconds in the
// file; unknown keys are rejected.
type Config struct {
	ControlServerURL string `json:"control_server_url"`
	KeysDir          string `json:"keys_dir"`
	StateDir         string `json:"state_dir"`
	HeartbeatSec     int    `json:"heartbeat_interval"`
	StaleTTLSec      int    `json:"stale_ttl"`
	TokenTTLSec      int    `json:"token_ttl"`
	ReaperSec        int    `json:"reaper_interval"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		ControlServerURL: PlaceholderServerURL,
		KeysDir:          "data/keys",
		StateDir:         "data/state",
		HeartbeatSec:     30,
		StaleTTLSec:      300,
		TokenTTLSec:      86400,
		ReaperSec:        60,
	}
}

// Load reads path, filling unset fields from Default. A missing file yields
// the defaults without error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and the server URL shape.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return errors.New("config: state_dir is required")
	}
	if strings.TrimSpace(c.KeysDir) == "" {
		return errors.New("config: keys_dir is required")
	}
	if c.HeartbeatSec <= 0 {
		return errors.New("config: heartbeat_interval must be positive")
	}
	if c.StaleTTLSec <= 0 {
		return errors.New("config: stale_ttl must be positive")
	}
	if c.TokenTTLSec <= 0 {
		return errors.New("config: token_ttl must be positive")
	}
	if c.ReaperSec <= 0 {
		return errors.New("config: reaper_interval must be positive")
	}
	if c.RemoteEnabled() {
		u, err := url.Parse(c.ControlServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: control_server_url %q is not a valid http(s) URL", c.ControlServerURL)
		}
	}
	return nil
}

// RemoteEnabled reports whether the configuration points at a real control
// server rather than the placeholder.
func (c *Config) RemoteEnabled() bool {
	u := strings.TrimSpace(c.ControlServerURL)
	return u != "" && u != PlaceholderServerURL
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration { return time.Duration(c.HeartbeatSec) * time.Second }

// StaleTTL returns the peer liveness window.
func (c *Config) StaleTTL() time.Duration { return time.Duration(c.StaleTTLSec) * time.Second }

// TokenTTL returns the auth-token lifetime.
func (c *Config) TokenTTL() time.Duration { return time.Duration(c.TokenTTLSec) * time.Second }

// ReaperInterval returns the cleanup period.
func (c *Config) ReaperInterval() time.Duration { return time.Duration(c.ReaperSec) * time.Second }

// StateFile is the path of the membership snapshot inside StateDir.
func (c *Config) StateFile() string { return filepath.Join(c.StateDir, "control_state.json") }

// DiscoveryFile is the shared same-host rendezvous file inside StateDir.
func (c *Config) DiscoveryFile() string { return filepath.Join(c.StateDir, "discovery.json") }
