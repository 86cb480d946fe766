package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from an optional YAML file, then applies
// environment overrides. A missing path is not an error; env vars still
// apply on top of defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path %s: %w", path, err)
		}
		data, err := os.ReadFile(absPath) //nolint:gosec // path is operator supplied
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadFromReader loads configuration from an io.Reader (no env overrides).
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// applyEnv applies AGENTGATE_* environment variable overrides.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setInt("AGENTGATE_HTTP_PORT", &cfg.HTTPPort)
	setInt("AGENTGATE_METRICS_PORT", &cfg.MetricsPort)
	setString("AGENTGATE_LOG_LEVEL", &cfg.LogLevel)
	setString("AGENTGATE_LOG_FORMAT", &cfg.LogFormat)
	setString("AGENTGATE_DATABASE_PATH", &cfg.DatabasePath)
	setString("AGENTGATE_REDIS_URL", &cfg.Idempotency.RedisURL)
	setString("AGENTGATE_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	setString("AGENTGATE_STEP_UP_SECRET", &cfg.Risk.StepUpSecret)
}
