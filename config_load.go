package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a config file from the given path, starting
// from Default() so unset fields keep their defaults.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	switch cfg.RequestLogging.Queue.FullStrategy {
	case "", "drop_oldest", "reject_new", "block":
	default:
		return fmt.Errorf("unknown request_logging.queue.full_strategy: %q", cfg.RequestLogging.Queue.FullStrategy)
	}

	if cfg.RequestLogging.Queue.MaxCapacity < 0 {
		return fmt.Errorf("request_logging.queue.max_capacity must not be negative")
	}
	if cfg.RequestLogging.Queue.BatchSize < 0 {
		return fmt.Errorf("request_logging.queue.batch_size must not be negative")
	}
	if cfg.Database.Driver != "" && cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		return fmt.Errorf("unknown database.driver: %q", cfg.Database.Driver)
	}
	return nil
}
