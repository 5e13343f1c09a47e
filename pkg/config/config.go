package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the node configuration. It is loaded once at startup
// and treated as immutable afterwards.
type Config struct {
	// ListenAddr is the TCP address peers dial for the session protocol.
	ListenAddr string `yaml:"listen_addr"`

	// DiscoveryPort is the UDP port beacons are broadcast to.
	DiscoveryPort int `yaml:"discovery_port"`

	// NodeName is a human-readable, non-unique label. Defaults to the
	// hostname.
	NodeName string `yaml:"node_name"`

	// DataDir is the root for instances/, the node identity and the
	// registry database.
	DataDir string `yaml:"data_dir"`

	// CheckpointTool is the path to the external checkpoint/restore
	// binary.
	CheckpointTool string `yaml:"external_tool_path"`

	// Daemonizer is the path to the detach helper used to launch
	// workloads.
	Daemonizer string `yaml:"daemonizer_path"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`

	// NetworkingEnabled turns the discovery and session subsystems on.
	// A standalone node can still start, checkpoint and restore locally.
	NetworkingEnabled bool `yaml:"networking_enabled"`

	ShadowSyncInterval Duration `yaml:"shadow_sync_interval"`
}

// Default returns the built-in defaults.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "nhi-node"
	}
	return &Config{
		ListenAddr:         "0.0.0.0:8080",
		DiscoveryPort:      8081,
		NodeName:           hostname,
		DataDir:            "data",
		CheckpointTool:     "criu",
		Daemonizer:         "nhi-daemonize",
		LogLevel:           "info",
		NetworkingEnabled:  true,
		ShadowSyncInterval: Duration(30 * time.Second),
	}
}

// Load reads a YAML config file over the defaults. A missing path is
// not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants flags and files can break.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port out of range: %d", c.DiscoveryPort)
	}
	if c.ShadowSyncInterval <= 0 {
		return fmt.Errorf("shadow_sync_interval must be positive")
	}
	return nil
}
