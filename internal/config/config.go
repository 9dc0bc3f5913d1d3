// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Empty DatabaseURL runs fully in-memory.
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	// JWT settings for reviewer tokens.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// ReviewerAPIKeyHash is the Argon2id hash of the reviewer bootstrap key.
	ReviewerAPIKeyHash string

	// Executor settings.
	TaskTimeout    time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// Cache settings.
	TaskCacheTTL  time.Duration
	CallCacheTTL  time.Duration
	SweepInterval time.Duration

	// Orchestrator settings.
	MaxIterations         int
	RegenerationThreshold float64

	// Policy settings.
	EscalationThreshold float64
	CostCeiling         int64
	LearnStep           float64
	MaxRuleThreshold    float64

	// Escalation settings.
	EscalationMode   string // "human" or "auto"
	AutoApproveBelow float64
	AutoModifyBelow  float64
	AutoReviewDelay  time.Duration
	PendingWindow    time.Duration
	SweeperInterval  time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                  envInt("TORII_PORT", 8080),
		ReadTimeout:           envDuration("TORII_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          envDuration("TORII_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:           envStr("DATABASE_URL", ""),
		NotifyURL:             envStr("NOTIFY_URL", ""),
		JWTPrivateKeyPath:     envStr("TORII_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:      envStr("TORII_JWT_PUBLIC_KEY", ""),
		JWTExpiration:         envDuration("TORII_JWT_EXPIRATION", 8*time.Hour),
		ReviewerAPIKeyHash:    envStr("TORII_REVIEWER_API_KEY_HASH", ""),
		TaskTimeout:           envDuration("TORII_TASK_TIMEOUT", 2*time.Minute),
		RetryAttempts:         envInt("TORII_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:        envDuration("TORII_RETRY_BASE_DELAY", 250*time.Millisecond),
		TaskCacheTTL:          envDuration("TORII_TASK_CACHE_TTL", time.Hour),
		CallCacheTTL:          envDuration("TORII_CALL_CACHE_TTL", 15*time.Minute),
		SweepInterval:         envDuration("TORII_CACHE_SWEEP_INTERVAL", 10*time.Minute),
		MaxIterations:         envInt("TORII_MAX_ITERATIONS", 2),
		RegenerationThreshold: envFloat("TORII_REGENERATION_THRESHOLD", 0.7),
		EscalationThreshold:   envFloat("TORII_ESCALATION_THRESHOLD", 0.6),
		CostCeiling:           int64(envInt("TORII_COST_CEILING", 200_000)),
		LearnStep:             envFloat("TORII_LEARN_STEP", 0.05),
		MaxRuleThreshold:      envFloat("TORII_MAX_RULE_THRESHOLD", 0.95),
		EscalationMode:        envStr("TORII_ESCALATION_MODE", "human"),
		AutoApproveBelow:      envFloat("TORII_AUTO_APPROVE_BELOW", 0.5),
		AutoModifyBelow:       envFloat("TORII_AUTO_MODIFY_BELOW", 0.8),
		AutoReviewDelay:       envDuration("TORII_AUTO_REVIEW_DELAY", 50*time.Millisecond),
		PendingWindow:         envDuration("TORII_PENDING_WINDOW", 24*time.Hour),
		SweeperInterval:       envDuration("TORII_SWEEPER_INTERVAL", time.Minute),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "torii"),
		LogLevel:              envStr("TORII_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:   int64(envInt("TORII_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: TORII_PORT must be in [1,65535]")
	}
	if c.EscalationMode != "human" && c.EscalationMode != "auto" {
		return fmt.Errorf("config: TORII_ESCALATION_MODE must be human or auto")
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("config: TORII_MAX_ITERATIONS must not be negative")
	}
	if c.RegenerationThreshold < 0 || c.RegenerationThreshold > 1 {
		return fmt.Errorf("config: TORII_REGENERATION_THRESHOLD must be in [0,1]")
	}
	if c.EscalationThreshold < 0 || c.EscalationThreshold > 1 {
		return fmt.Errorf("config: TORII_ESCALATION_THRESHOLD must be in [0,1]")
	}
	if c.AutoApproveBelow > c.AutoModifyBelow {
		return fmt.Errorf("config: TORII_AUTO_APPROVE_BELOW must not exceed TORII_AUTO_MODIFY_BELOW")
	}
	if c.CostCeiling <= 0 {
		return fmt.Errorf("config: TORII_COST_CEILING must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TORII_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
