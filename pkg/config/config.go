// Package config loads the YAML configuration shared by the GojoStore commands.
package config

import (
	"fmt"
	"math/bits"
	"os"

	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// StorageConfig sizes the disk file and the buffer pool in front of it.
type StorageConfig struct {
	// DataFile is the database file. Empty keeps every page in memory.
	DataFile  string `yaml:"data_file"`
	PageSize  int    `yaml:"page_size"`
	PoolSize  int    `yaml:"pool_size"`
	ReplacerK int    `yaml:"replacer_k"`
}

// IndexConfig describes the B+ tree served by a command.
type IndexConfig struct {
	Name string `yaml:"name"`
	// HeaderPageID reattaches to an existing tree. Zero creates a new one.
	HeaderPageID    uint64 `yaml:"header_page_id"`
	LeafMaxSize     int    `yaml:"leaf_max_size"`
	InternalMaxSize int    `yaml:"internal_max_size"`
	KeyWidth        int    `yaml:"key_width"`
	ValueWidth      int    `yaml:"value_width"`
}

type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Index     IndexConfig      `yaml:"index"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			PageSize:  4096,
			PoolSize:  64,
			ReplacerK: 2,
		},
		Index: IndexConfig{
			Name:       "primary",
			KeyWidth:   32,
			ValueWidth: 64,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:    "gojostore",
			PrometheusPort: 9464,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	s := c.Storage
	if s.PageSize < 512 || bits.OnesCount(uint(s.PageSize)) != 1 {
		return fmt.Errorf("storage.page_size must be a power of two >= 512, got %d", s.PageSize)
	}
	if s.PoolSize < 2 {
		return fmt.Errorf("storage.pool_size must be >= 2, got %d", s.PoolSize)
	}
	if s.ReplacerK < 1 {
		return fmt.Errorf("storage.replacer_k must be >= 1, got %d", s.ReplacerK)
	}
	ix := c.Index
	if ix.LeafMaxSize < 0 || ix.InternalMaxSize < 0 {
		return fmt.Errorf("index max sizes must not be negative")
	}
	if ix.KeyWidth <= 0 || ix.ValueWidth <= 0 {
		return fmt.Errorf("index.key_width and index.value_width must be positive")
	}
	return nil
}
