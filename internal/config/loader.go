package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Load layers configuration from global and project paths over the
// defaults. Order of precedence (highest to lowest): project config,
// global config, defaults. Keys absent from a file keep their lower-layer
// values; env entries merge per key.
// Missing files are not errors; malformed JSON returns an error.
func Load(home, globalPath, projectPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig(home)

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.officed/config.json
// Project: .officed/config.json (relative to cwd)
func DefaultPaths(home string) (global, project string) {
	return filepath.Join(home, ".officed", "config.json"), filepath.Join(".officed", "config.json")
}

// mergeConfigFile decodes a JSON file on top of base.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *Config, path string) error {
	// Read file
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Parse JSON. Decoding into the populated struct only touches keys
	// present in the file, so lower layers survive.
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
