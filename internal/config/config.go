// Package config provides configuration management for the coordination gate.
// Configuration is loaded from an optional YAML file with environment
// variables taking precedence.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration settings for the coordination gate.
type Config struct {
	// Server settings
	HTTPPort    int `json:"httpPort" yaml:"httpPort"`
	MetricsPort int `json:"metricsPort" yaml:"metricsPort"`

	// Server timeouts
	ReadTimeout     Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout    Duration `json:"writeTimeout" yaml:"writeTimeout"`
	IdleTimeout     Duration `json:"idleTimeout" yaml:"idleTimeout"`
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`

	// Observability
	ServiceName       string  `json:"serviceName" yaml:"serviceName"`
	LogLevel          string  `json:"logLevel" yaml:"logLevel"`
	LogFormat         string  `json:"logFormat" yaml:"logFormat"`
	LogOutput         string  `json:"logOutput" yaml:"logOutput"`
	TracingEnabled    bool    `json:"tracingEnabled" yaml:"tracingEnabled"`
	OTLPEndpoint      string  `json:"otlpEndpoint" yaml:"otlpEndpoint"`
	TracingSampleRate float64 `json:"tracingSampleRate" yaml:"tracingSampleRate"`

	// DatabasePath is the SQLite database holding credentials, snapshots,
	// attestations and events.
	DatabasePath string `json:"databasePath" yaml:"databasePath"`

	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Idempotency IdempotencyConfig `json:"idempotency" yaml:"idempotency"`
	Reputation  ReputationConfig  `json:"reputation" yaml:"reputation"`
	Risk        RiskConfig        `json:"risk" yaml:"risk"`
	RateLimit   RateLimitConfig   `json:"rateLimit" yaml:"rateLimit"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// DriftWindow bounds the allowed |now - timestamp| skew.
	DriftWindow Duration `json:"driftWindow" yaml:"driftWindow"`

	// MaxBodyBytes is the maximum body size hashed for signing.
	MaxBodyBytes int64 `json:"maxBodyBytes" yaml:"maxBodyBytes"`

	// StoreTimeout bounds credential store calls.
	StoreTimeout Duration `json:"storeTimeout" yaml:"storeTimeout"`
}

// IdempotencyConfig holds idempotency cache settings.
type IdempotencyConfig struct {
	RedisURL       string   `json:"redisURL" yaml:"redisURL"`
	KeyPrefix      string   `json:"keyPrefix" yaml:"keyPrefix"`
	TTL            Duration `json:"ttl" yaml:"ttl"`
	ConnectTimeout Duration `json:"connectTimeout" yaml:"connectTimeout"`
	ReadTimeout    Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout   Duration `json:"writeTimeout" yaml:"writeTimeout"`
	PoolSize       int      `json:"poolSize" yaml:"poolSize"`
}

// ReputationConfig holds reputation engine settings.
type ReputationConfig struct {
	// AttestationHorizonDays is the linear decay horizon for attestations.
	AttestationHorizonDays int `json:"attestationHorizonDays" yaml:"attestationHorizonDays"`

	// ActivityScale normalizes the usage factor; this many events over the
	// window saturates the factor at 100.
	ActivityScale float64 `json:"activityScale" yaml:"activityScale"`

	// RecomputeInterval is how often snapshots are recomputed for all
	// known subjects. Zero disables the background recompute.
	RecomputeInterval Duration `json:"recomputeInterval" yaml:"recomputeInterval"`
}

// SensitivityPolicy is a CEL expression that marks matching requests as
// sensitive, extending the mutating-verb step-up trigger.
type SensitivityPolicy struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
}

// RiskConfig holds risk classification settings.
type RiskConfig struct {
	// LowThreshold and MediumThreshold are the classification boundaries:
	// score >= LowThreshold is low risk, >= MediumThreshold is medium,
	// anything below is high.
	LowThreshold    float64 `json:"lowThreshold" yaml:"lowThreshold"`
	MediumThreshold float64 `json:"mediumThreshold" yaml:"mediumThreshold"`

	// Adaptive rate-limit multipliers per risk level.
	LowMultiplier    float64 `json:"lowMultiplier" yaml:"lowMultiplier"`
	MediumMultiplier float64 `json:"mediumMultiplier" yaml:"mediumMultiplier"`
	HighMultiplier   float64 `json:"highMultiplier" yaml:"highMultiplier"`

	// StepUpSecret verifies step-up tokens (HS256).
	StepUpSecret string `json:"stepUpSecret" yaml:"stepUpSecret"`

	// SensitivityPolicies extend step-up enforcement beyond mutating verbs.
	SensitivityPolicies []SensitivityPolicy `json:"sensitivityPolicies" yaml:"sensitivityPolicies"`
}

// RateLimitConfig holds settings for the downstream adaptive limiter.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// Default configuration values.
const (
	DefaultHTTPPort    = 8080
	DefaultMetricsPort = 9091

	DefaultDriftWindow  = 300 * time.Second
	DefaultMaxBodyBytes = 1 << 20 // 1 MiB
	DefaultStoreTimeout = 2 * time.Second

	DefaultIdempotencyTTL = 24 * time.Hour

	DefaultAttestationHorizonDays = 90
	DefaultActivityScale          = 1000
	DefaultRecomputeInterval      = time.Hour
)

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:          DefaultHTTPPort,
		MetricsPort:       DefaultMetricsPort,
		ReadTimeout:       Duration(10 * time.Second),
		WriteTimeout:      Duration(10 * time.Second),
		IdleTimeout:       Duration(60 * time.Second),
		ShutdownTimeout:   Duration(15 * time.Second),
		ServiceName:       "agentgate",
		LogLevel:          "info",
		LogFormat:         "json",
		LogOutput:         "stdout",
		TracingSampleRate: 1.0,
		DatabasePath:      "agentgate.db",
		Auth: AuthConfig{
			DriftWindow:  Duration(DefaultDriftWindow),
			MaxBodyBytes: DefaultMaxBodyBytes,
			StoreTimeout: Duration(DefaultStoreTimeout),
		},
		Idempotency: IdempotencyConfig{
			RedisURL:       "redis://localhost:6379",
			KeyPrefix:      "agentgate:idem:",
			TTL:            Duration(DefaultIdempotencyTTL),
			ConnectTimeout: Duration(5 * time.Second),
			ReadTimeout:    Duration(2 * time.Second),
			WriteTimeout:   Duration(2 * time.Second),
		},
		Reputation: ReputationConfig{
			AttestationHorizonDays: DefaultAttestationHorizonDays,
			ActivityScale:          DefaultActivityScale,
			RecomputeInterval:      Duration(DefaultRecomputeInterval),
		},
		Risk: RiskConfig{
			LowThreshold:     70,
			MediumThreshold:  40,
			LowMultiplier:    1.2,
			MediumMultiplier: 1.0,
			HighMultiplier:   0.5,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid httpPort %d", c.HTTPPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metricsPort %d", c.MetricsPort)
	}
	if c.Auth.DriftWindow <= 0 {
		return fmt.Errorf("auth.driftWindow must be positive")
	}
	if c.Auth.MaxBodyBytes <= 0 {
		return fmt.Errorf("auth.maxBodyBytes must be positive")
	}
	if c.Idempotency.RedisURL == "" {
		return fmt.Errorf("idempotency.redisURL is required")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.Reputation.AttestationHorizonDays <= 0 {
		return fmt.Errorf("reputation.attestationHorizonDays must be positive")
	}
	if c.Reputation.ActivityScale <= 0 {
		return fmt.Errorf("reputation.activityScale must be positive")
	}
	if c.Reputation.RecomputeInterval < 0 {
		return fmt.Errorf("reputation.recomputeInterval must not be negative")
	}
	if c.Risk.LowThreshold <= c.Risk.MediumThreshold {
		return fmt.Errorf("risk.lowThreshold must exceed risk.mediumThreshold")
	}
	if c.Risk.MediumThreshold < 0 || c.Risk.LowThreshold > 100 {
		return fmt.Errorf("risk thresholds must lie within [0,100]")
	}
	for _, m := range []float64{c.Risk.LowMultiplier, c.Risk.MediumMultiplier, c.Risk.HighMultiplier} {
		if m <= 0 {
			return fmt.Errorf("risk multipliers must be positive")
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rateLimit.requestsPerSecond must be positive")
	}
	return nil
}
