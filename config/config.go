// Package config loads the YAML configuration of the cowtree tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/cowtree/core/write_engine/blockstore"
	"github.com/sushant-115/cowtree/pkg/logger"
	"github.com/sushant-115/cowtree/pkg/telemetry"
)

var (
	ErrFileNotFound  = errors.New("configuration file not found")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds the complete configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StorageConfig describes the two block spaces of a tree.
type StorageConfig struct {
	// Dir holds nodes.blk and records.blk.
	Dir string `yaml:"dir"`
	// BlockSize applies to both spaces and must match existing files.
	BlockSize int `yaml:"block_size"`
	// CacheSize bounds each space's block cache, e.g. "4MiB". "0" disables it.
	CacheSize string `yaml:"cache_size"`
	// MaxNodeBlocks and MaxRecordBlocks cap the spaces; 0 is unbounded.
	MaxNodeBlocks   uint64 `yaml:"max_node_blocks"`
	MaxRecordBlocks uint64 `yaml:"max_record_blocks"`
	// InMemory keeps both spaces in memory; Dir is ignored.
	InMemory bool `yaml:"in_memory"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Dir:       "./cowtree-data",
			BlockSize: blockstore.DefaultBlockSize,
			CacheSize: "4MiB",
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "cowtree",
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}
	return Parse(data)
}

// Parse substitutes ${VAR} and ${VAR:-default} references, decodes the YAML
// over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(substituteEnvVars(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(match []byte) []byte {
		content := string(match[2 : len(match)-1])
		if name, def, ok := strings.Cut(content, ":-"); ok {
			if val := os.Getenv(name); val != "" {
				return []byte(val)
			}
			return []byte(def)
		}
		return []byte(os.Getenv(content))
	})
}

// Validate checks the values that cannot be fixed up silently.
func (c *Config) Validate() error {
	if c.Storage.BlockSize < blockstore.MinBlockSize {
		return fmt.Errorf("%w: storage.block_size %d is below %d", ErrInvalidConfig, c.Storage.BlockSize, blockstore.MinBlockSize)
	}
	if c.Storage.BlockSize > 1<<16 {
		return fmt.Errorf("%w: storage.block_size %d exceeds 64KiB", ErrInvalidConfig, c.Storage.BlockSize)
	}
	if !c.Storage.InMemory && c.Storage.Dir == "" {
		return fmt.Errorf("%w: storage.dir is required unless storage.in_memory is set", ErrInvalidConfig)
	}
	if _, err := c.Storage.CacheBlocks(); err != nil {
		return err
	}
	return nil
}

// CacheBlocks converts CacheSize into a number of blocks per space.
func (s StorageConfig) CacheBlocks() (int, error) {
	if s.CacheSize == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(s.CacheSize)
	if err != nil {
		return 0, fmt.Errorf("%w: storage.cache_size %q: %v", ErrInvalidConfig, s.CacheSize, err)
	}
	if s.BlockSize <= 0 {
		return 0, nil
	}
	return int(size / uint64(s.BlockSize)), nil
}
