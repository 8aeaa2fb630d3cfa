// Package config provides configuration management for the engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds the engine-wide knobs.
type Config struct {
	// Execution
	Workers int `json:"workers" yaml:"workers"` // Concurrent tasks per compute request (0 = CPU count)

	// Sources
	DefaultPartitionSize int `json:"default_partition_size" yaml:"default_partition_size"` // Rows per partition when chunking in-memory data

	// Debugging
	DisableEviction bool `json:"disable_eviction" yaml:"disable_eviction"` // Keep intermediate results resident for inspection
	VerboseLogging  bool `json:"verbose_logging" yaml:"verbose_logging"`   // Enable verbose logging
}

// Global configuration instance
var (
	globalConfig Config
	configMutex  sync.RWMutex
)

// DefaultPartitionSize is the fallback chunk size for in-memory sources.
const DefaultPartitionSize = 10000

func init() {
	globalConfig = NewConfig()
}

// NewConfig creates a new configuration with default values
func NewConfig() Config {
	return Config{
		Workers:              0, // Auto-detect
		DefaultPartitionSize: DefaultPartitionSize,
		DisableEviction:      false,
		VerboseLogging:       false,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("Workers must be non-negative, got %d", c.Workers)
	}
	if c.DefaultPartitionSize <= 0 {
		return fmt.Errorf("DefaultPartitionSize must be positive, got %d", c.DefaultPartitionSize)
	}
	return nil
}

// WithDefaults returns a new configuration with default values filled in for zero values
func (c Config) WithDefaults() Config {
	if c.DefaultPartitionSize == 0 {
		c.DefaultPartitionSize = DefaultPartitionSize
	}
	return c
}

// SetGlobalConfig sets the global configuration
func SetGlobalConfig(config Config) {
	configMutex.Lock()
	defer configMutex.Unlock()
	globalConfig = config
}

// GetGlobalConfig returns the current global configuration
func GetGlobalConfig() Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return globalConfig
}

// LoadFromJSON loads configuration from JSON data
func LoadFromJSON(data []byte) (Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing JSON configuration: %w", err)
	}
	return config.WithDefaults(), nil
}

// LoadFromFile loads configuration from a JSON or YAML file
func LoadFromFile(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", filename, err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".json":
		err = json.Unmarshal(data, &config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		return Config{}, fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", filename, err)
	}

	return config.WithDefaults(), nil
}

// LoadFromEnv loads configuration from MAMMOTH_* environment variables
func LoadFromEnv() Config {
	config := NewConfig()

	if val := os.Getenv("MAMMOTH_WORKERS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			config.Workers = parsed
		}
	}

	if val := os.Getenv("MAMMOTH_DEFAULT_PARTITION_SIZE"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			config.DefaultPartitionSize = parsed
		}
	}

	if val := os.Getenv("MAMMOTH_DISABLE_EVICTION"); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			config.DisableEviction = parsed
		}
	}

	if val := os.Getenv("MAMMOTH_VERBOSE_LOGGING"); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			config.VerboseLogging = parsed
		}
	}

	return config
}
