// Package config handles the daemon's persistent configuration.
//
// Configuration is stored as JSON at /etc/nodewarden/config.json by
// default and is read once at process start; services receive the
// values they need through their constructors, never through a global
// accessor.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"nodewarden/internal/daemon"
	"nodewarden/internal/netrange"
)

const defaultPath = "/etc/nodewarden/config.json"

// pathOverride, when non-empty, replaces the default config file path.
// Intended for testing and the --config flag. Use SetPath / ResetPath
// to manage.
var pathOverride string

// SetPath overrides the config file path.
func SetPath(p string) { pathOverride = p }

// ResetPath clears the path override, reverting to the default.
func ResetPath() { pathOverride = "" }

// Config holds the daemon's settings.
type Config struct {
	// Listen is the control-plane API listen address.
	Listen string `json:"listen"`

	// DatabasePath locates the SQLite database file.
	DatabasePath string `json:"database_path"`

	// MaxCIDRAddresses caps how many addresses one range assignment
	// may derive.
	MaxCIDRAddresses int `json:"max_cidr_addresses"`

	// MaxPortsPerRange caps how many ports one range assignment may
	// derive.
	MaxPortsPerRange int `json:"max_ports_per_range"`

	// SinglePortPerCIDR rejects port ranges combined with multi-address
	// CIDR blocks.
	SinglePortPerCIDR bool `json:"single_port_per_cidr"`

	// StatsTTLSeconds is how long a resource-usage snapshot is served
	// before the agent is asked again.
	StatsTTLSeconds int `json:"stats_ttl_seconds"`

	// AgentConnectTimeoutSeconds bounds TCP connection establishment
	// to a node agent.
	AgentConnectTimeoutSeconds int `json:"agent_connect_timeout_seconds"`

	// AgentRequestTimeoutSeconds bounds a whole agent request.
	AgentRequestTimeoutSeconds int `json:"agent_request_timeout_seconds"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Listen:                     ":8380",
		DatabasePath:               "/var/lib/nodewarden/nodewarden.db",
		MaxCIDRAddresses:           256,
		MaxPortsPerRange:           1000,
		StatsTTLSeconds:            20,
		AgentConnectTimeoutSeconds: 5,
		AgentRequestTimeoutSeconds: 30,
	}
}

// Path returns the absolute path to the config file.
func Path() string {
	if pathOverride != "" {
		return pathOverride
	}
	return defaultPath
}

// Load reads the config file from disk. A missing file yields the
// defaults, not an error; present fields override them.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the config from the given path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to disk, creating the parent directory if
// needed.
func (c *Config) Save() error {
	return c.SaveTo(Path())
}

// SaveTo writes the config to the given path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", path, err)
	}
	return nil
}

// RangePolicy returns the allocation expansion limits.
func (c *Config) RangePolicy() netrange.Policy {
	return netrange.Policy{
		MaxAddresses:      c.MaxCIDRAddresses,
		MaxPorts:          c.MaxPortsPerRange,
		SinglePortPerCIDR: c.SinglePortPerCIDR,
	}
}

// AgentConfig returns the node-agent client timeouts.
func (c *Config) AgentConfig() daemon.Config {
	return daemon.Config{
		ConnectTimeout: time.Duration(c.AgentConnectTimeoutSeconds) * time.Second,
		RequestTimeout: time.Duration(c.AgentRequestTimeoutSeconds) * time.Second,
	}
}

// StatsTTL returns the resource-usage cache window.
func (c *Config) StatsTTL() time.Duration {
	return time.Duration(c.StatsTTLSeconds) * time.Second
}
