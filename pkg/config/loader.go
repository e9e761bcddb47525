package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file named by CONFIG_FILE, applies environment overrides and defaults, and validates
func Load() (*Config, error) {
	return LoadPath(getEnv("CONFIG_FILE", "config.yaml"))
}

// LoadPath is Load with an explicit file path; a missing file is not an error
func LoadPath(configPath string) (*Config, error) {
	cfg := &Config{}

	// 1. Load YAML config
	if _, err := os.Stat(configPath); err == nil {
		if err := LoadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 2. Apply environment variable overrides
	cfg.LoadFromEnv()

	// 3. Fill in anything still unset
	cfg.SetDefaults()

	// 4. Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from CONFIG_FILE or a CLI flag
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
