package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the optional TOML launcher configuration. Flags override any
// value set here.
type Config struct {
	SearchDir string `toml:"search_dir"`
	Verbose   bool   `toml:"verbose"`
	NoColor   bool   `toml:"no_color"`
	MaxDepth  int    `toml:"max_depth"`
	MaxSteps  int    `toml:"max_steps"`
	Trace     bool   `toml:"trace"`
	Snapshot  string `toml:"snapshot"`
}

// Load reads a TOML config file. A missing path yields the zero config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
