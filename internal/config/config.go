// Package config loads node configuration from YAML with sane defaults, so
// a bare `mesh-node` starts a working node and a file only overrides what
// it names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen     string   `yaml:"listen"`
	Name       string   `yaml:"name"`
	Bootstraps []string `yaml:"bootstraps"`
	DataDir    string   `yaml:"data_dir"`

	BucketK      int   `yaml:"bucket_k"`
	MaxTTL       uint8 `yaml:"max_ttl"`
	MaxFrameSize int   `yaml:"max_frame_size"`
	FloodFanout  int   `yaml:"flood_fanout"`
	MinPeers     int   `yaml:"min_peers"`

	ReplayWindow      time.Duration `yaml:"replay_window"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
}

func Default() Config {
	return Config{
		Listen:            "0.0.0.0:7946",
		DataDir:           defaultDataDir(),
		BucketK:           20,
		MaxTTL:            16,
		MaxFrameSize:      8192,
		FloodFanout:       8,
		MinPeers:          4,
		ReplayWindow:      2 * time.Minute,
		ProbeTimeout:      3 * time.Second,
		DiscoveryInterval: 30 * time.Second,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".meshwork")
}

// Load reads path and overlays it on the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.BucketK <= 0 {
		return fmt.Errorf("config: bucket_k must be positive, got %d", c.BucketK)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("config: max_frame_size must be positive, got %d", c.MaxFrameSize)
	}
	if c.FloodFanout <= 0 {
		return fmt.Errorf("config: flood_fanout must be positive, got %d", c.FloodFanout)
	}
	return nil
}
