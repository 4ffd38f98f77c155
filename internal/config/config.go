// Package config loads the layered Production Cache configuration: built-in
// defaults, overridden by an optional config file, overridden by
// environment variables (per spec.md §6, env overrides file overrides
// defaults).
package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Mode selects which cache operations are honored.
type Mode string

const (
	ModeOff       Mode = "off"
	ModeRead      Mode = "read"
	ModeWrite     Mode = "write"
	ModeReadWrite Mode = "readwrite"
)

// EvictionPolicy selects the eviction.Policy implementation the cache uses.
type EvictionPolicy string

const (
	EvictionLRU EvictionPolicy = "lru"
	EvictionLFU EvictionPolicy = "lfu"
	EvictionARC EvictionPolicy = "arc"
)

// EnvFilter selects which environment variables participate in cache-key
// computation.
type EnvFilter struct {
	Include      []string `mapstructure:"include"`
	Exclude      []string `mapstructure:"exclude"`
	SmartDefault bool     `mapstructure:"smart_defaults"`
}

// CacheConfig is the fully resolved Production Cache configuration.
type CacheConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	Mode                Mode           `mapstructure:"mode"`
	BaseDir             string         `mapstructure:"base_dir"`
	MaxMemorySize       int64          `mapstructure:"max_memory_size"`
	MaxDiskSize         int64          `mapstructure:"max_disk_size"`
	InlineThreshold     int64          `mapstructure:"inline_threshold"`
	CompressionEnabled  bool           `mapstructure:"compression_enabled"`
	EvictionPolicy      EvictionPolicy `mapstructure:"eviction_policy"`
	EnvFilter           EnvFilter      `mapstructure:"env_filter"`
}

func defaults() CacheConfig {
	return CacheConfig{
		Enabled:            true,
		Mode:               ModeReadWrite,
		BaseDir:            ".taskmesh/cache",
		MaxMemorySize:      64 << 20,  // 64MiB
		MaxDiskSize:        1 << 30,   // 1GiB
		InlineThreshold:    4096,
		CompressionEnabled: true,
		EvictionPolicy:     EvictionLRU,
		EnvFilter: EnvFilter{
			SmartDefault: true,
		},
	}
}

// LoadCacheConfig layers defaults, an optional config file, and environment
// variables bound under the CUENV_CACHE* names. An invalid mode or eviction
// policy falls back to that key's built-in default and is logged at Warn; a
// non-positive size or inline threshold, or an empty base dir, falls back to
// its default without a log. A value that cannot be decoded into its field's
// type fails the whole unmarshal: the built-in defaults for every key are
// then returned together with the error.
func LoadCacheConfig(configFile string, log *logrus.Logger) (CacheConfig, error) {
	d := defaults()
	v := viper.New()

	v.SetDefault("enabled", d.Enabled)
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("base_dir", d.BaseDir)
	v.SetDefault("max_memory_size", d.MaxMemorySize)
	v.SetDefault("max_disk_size", d.MaxDiskSize)
	v.SetDefault("inline_threshold", d.InlineThreshold)
	v.SetDefault("compression_enabled", d.CompressionEnabled)
	v.SetDefault("eviction_policy", string(d.EvictionPolicy))
	v.SetDefault("env_filter.smart_defaults", d.EnvFilter.SmartDefault)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if log != nil {
				log.WithError(err).Warn("config: failed to read config file, using defaults/env only")
			}
		}
	}

	v.SetEnvPrefix("CUENV")
	v.AutomaticEnv()
	_ = v.BindEnv("mode", "CUENV_CACHE")
	_ = v.BindEnv("enabled", "CUENV_CACHE_ENABLED")
	_ = v.BindEnv("base_dir", "CUENV_CACHE_BASE_DIR")
	_ = v.BindEnv("max_disk_size", "CUENV_CACHE_MAX_SIZE")

	var cfg CacheConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return d, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Mode = Mode(strings.ToLower(string(cfg.Mode)))
	switch cfg.Mode {
	case ModeOff, ModeRead, ModeWrite, ModeReadWrite:
	default:
		if log != nil {
			log.WithField("mode", cfg.Mode).Warn("config: invalid mode, falling back to default")
		}
		cfg.Mode = d.Mode
	}

	cfg.EvictionPolicy = EvictionPolicy(strings.ToLower(string(cfg.EvictionPolicy)))
	switch cfg.EvictionPolicy {
	case EvictionLRU, EvictionLFU, EvictionARC:
	default:
		if log != nil {
			log.WithField("eviction_policy", cfg.EvictionPolicy).Warn("config: invalid eviction policy, falling back to lru")
		}
		cfg.EvictionPolicy = EvictionLRU
	}

	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = d.InlineThreshold
	}
	if cfg.MaxMemorySize <= 0 {
		cfg.MaxMemorySize = d.MaxMemorySize
	}
	if cfg.MaxDiskSize <= 0 {
		cfg.MaxDiskSize = d.MaxDiskSize
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = d.BaseDir
	}

	return cfg, nil
}
