// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package config loads and validates Armature's runtime configuration.
//
// Configuration is loaded via Koanf v2 with layered sources, highest
// priority last:
//
//  1. Built-in defaults (struct)
//  2. Config file (config.yaml, or CONFIG_PATH)
//  3. Environment variables (SERVER_PORT -> server.port)
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the root configuration for the Armature server.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	Serve     ServeConfig     `koanf:"serve"`
	Reward    RewardConfig    `koanf:"reward"`
	Guardrail GuardrailConfig `koanf:"guardrail"`
	Decision  DecisionConfig  `koanf:"decision"`
	Security  SecurityConfig  `koanf:"security"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path                   string `koanf:"path"`
	MaxMemory              string `koanf:"max_memory"`
	Threads                int    `koanf:"threads"` // 0 = runtime.NumCPU()
	PreserveInsertionOrder bool   `koanf:"preserve_insertion_order"`
}

// NATSConfig holds queue settings for the serve/reward pipeline.
type NATSConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	MaxMemory      int64         `koanf:"max_memory"`
	MaxStore       int64         `koanf:"max_store"`
	StreamName     string        `koanf:"stream_name"`
	RetentionDays  int           `koanf:"retention_days"`
	DurableName    string        `koanf:"durable_name"`
	QueueGroup     string        `koanf:"queue_group"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	CloseTimeout   time.Duration `koanf:"close_timeout"`
}

// ServeConfig holds serve-pipeline settings.
type ServeConfig struct {
	// PolicyDeadline bounds policy selection plus state I/O.
	PolicyDeadline time.Duration `koanf:"policy_deadline"`
	// RequestDeadline bounds the end-to-end serve call.
	RequestDeadline time.Duration `koanf:"request_deadline"`
	// SnapshotTTL bounds staleness of cached experiment config, arm
	// catalogs, and policy state. Must not exceed 60s.
	SnapshotTTL time.Duration `koanf:"snapshot_ttl"`
	// DefaultK is the result count when a request does not specify one.
	DefaultK int `koanf:"default_k"`
}

// RewardConfig holds reward attribution settings.
type RewardConfig struct {
	// AttributionWindow is the default window after a serve during which
	// downstream signals may be credited.
	AttributionWindow time.Duration `koanf:"attribution_window"`
	// ScanInterval is how often the attributor sweeps pending events.
	ScanInterval time.Duration `koanf:"scan_interval"`
	// MaxAttempts bounds retries of a failed attribution task.
	MaxAttempts int `koanf:"max_attempts"`
	// RetryBackoff is the initial backoff between attempts; it doubles
	// per attempt.
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

// GuardrailConfig holds the default monitor thresholds; experiments may
// override them in their guardrail_config.
type GuardrailConfig struct {
	Interval            time.Duration `koanf:"interval"`
	Window              time.Duration `koanf:"window"`
	MaxErrorRate        float64       `koanf:"max_error_rate"`
	MaxLatencyP95MS     float64       `koanf:"max_latency_p95_ms"`
	MaxArmConcentration float64       `koanf:"max_arm_concentration"`
	MaxRewardDrop       float64       `koanf:"max_reward_drop"`
	SampleRatioPValue   float64       `koanf:"sample_ratio_p_value"`
	RollbackCooldown    time.Duration `koanf:"rollback_cooldown"`
}

// DecisionConfig holds the default decision criteria.
type DecisionConfig struct {
	Interval        time.Duration `koanf:"interval"`
	MinUplift       float64       `koanf:"min_uplift"`
	MinConfidence   float64       `koanf:"min_confidence"`
	MinWindow       time.Duration `koanf:"min_window"`
	MaxWindow       time.Duration `koanf:"max_window"`
	MinEvents       int           `koanf:"min_events"`
	PropensityFloor float64       `koanf:"propensity_floor"`
	BootstrapRounds int           `koanf:"bootstrap_rounds"`
}

// SecurityConfig holds API authentication settings.
type SecurityConfig struct {
	// AuthMode is one of: none, token, jwt.
	AuthMode string `koanf:"auth_mode"`
	// APIToken is the static bearer token for auth_mode=token.
	APIToken string `koanf:"api_token"`
	// JWTSecret signs tokens for auth_mode=jwt. 32+ characters.
	JWTSecret string `koanf:"jwt_secret"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before file and env.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8421,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:                   "/data/armature.duckdb",
			MaxMemory:              "2GB",
			Threads:                0,
			PreserveInsertionOrder: true,
		},
		NATS: NATSConfig{
			Enabled:        true,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30,
			MaxStore:       10 << 30,
			StreamName:     "ARMATURE",
			RetentionDays:  7,
			DurableName:    "state-updater",
			QueueGroup:     "updaters",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			CloseTimeout:   30 * time.Second,
		},
		Serve: ServeConfig{
			PolicyDeadline:  50 * time.Millisecond,
			RequestDeadline: 120 * time.Millisecond,
			SnapshotTTL:     60 * time.Second,
			DefaultK:        10,
		},
		Reward: RewardConfig{
			AttributionWindow: 24 * time.Hour,
			ScanInterval:      time.Minute,
			MaxAttempts:       5,
			RetryBackoff:      5 * time.Second,
		},
		Guardrail: GuardrailConfig{
			Interval:            5 * time.Minute,
			Window:              time.Hour,
			MaxErrorRate:        0.01,
			MaxLatencyP95MS:     120,
			MaxArmConcentration: 0.50,
			MaxRewardDrop:       0.05,
			SampleRatioPValue:   0.001,
			RollbackCooldown:    time.Hour,
		},
		Decision: DecisionConfig{
			Interval:        24 * time.Hour,
			MinUplift:       0.03,
			MinConfidence:   0.95,
			MinWindow:       7 * 24 * time.Hour,
			MaxWindow:       14 * 24 * time.Hour,
			MinEvents:       1000,
			PropensityFloor: 0.01,
			BootstrapRounds: 1000,
		},
		Security: SecurityConfig{
			AuthMode: "none",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Serve.SnapshotTTL > 60*time.Second {
		return fmt.Errorf("serve.snapshot_ttl %s exceeds the 60s staleness bound", c.Serve.SnapshotTTL)
	}
	if c.Serve.PolicyDeadline <= 0 || c.Serve.RequestDeadline <= 0 {
		return errors.New("serve deadlines must be positive")
	}
	if c.Serve.PolicyDeadline > c.Serve.RequestDeadline {
		return errors.New("serve.policy_deadline must not exceed serve.request_deadline")
	}
	if c.Reward.AttributionWindow <= 0 {
		return errors.New("reward.attribution_window must be positive")
	}
	if c.Reward.MaxAttempts < 1 {
		return errors.New("reward.max_attempts must be at least 1")
	}
	if c.Guardrail.MaxErrorRate < 0 || c.Guardrail.MaxErrorRate > 1 {
		return fmt.Errorf("guardrail.max_error_rate %v out of range", c.Guardrail.MaxErrorRate)
	}
	if c.Decision.MinConfidence <= 0 || c.Decision.MinConfidence >= 1 {
		return fmt.Errorf("decision.min_confidence %v out of range", c.Decision.MinConfidence)
	}
	if c.Decision.PropensityFloor <= 0 || c.Decision.PropensityFloor >= 1 {
		return fmt.Errorf("decision.propensity_floor %v out of range", c.Decision.PropensityFloor)
	}
	switch c.Security.AuthMode {
	case "none", "token", "jwt":
	default:
		return fmt.Errorf("security.auth_mode %q unknown (none, token, jwt)", c.Security.AuthMode)
	}
	if c.Security.AuthMode == "token" && c.Security.APIToken == "" {
		return errors.New("security.api_token required for auth_mode=token")
	}
	if c.Security.AuthMode == "jwt" && len(c.Security.JWTSecret) < 32 {
		return errors.New("security.jwt_secret must be at least 32 characters for auth_mode=jwt")
	}
	return nil
}
