package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2, cfg.MaxIterations)
	assert.Equal(t, "human", cfg.EscalationMode)
	assert.Equal(t, time.Hour, cfg.TaskCacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.CallCacheTTL)
	assert.InDelta(t, 0.7, cfg.RegenerationThreshold, 1e-9)
	assert.InDelta(t, 0.6, cfg.EscalationThreshold, 1e-9)
	assert.Equal(t, int64(200_000), cfg.CostCeiling)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TORII_PORT", "9090")
	t.Setenv("TORII_MAX_ITERATIONS", "5")
	t.Setenv("TORII_ESCALATION_MODE", "auto")
	t.Setenv("TORII_TASK_CACHE_TTL", "30m")
	t.Setenv("TORII_ESCALATION_THRESHOLD", "0.75")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5, cfg.MaxIterations)
	assert.Equal(t, "auto", cfg.EscalationMode)
	assert.Equal(t, 30*time.Minute, cfg.TaskCacheTTL)
	assert.InDelta(t, 0.75, cfg.EscalationThreshold, 1e-9)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("TORII_PORT", "not-a-number")
	t.Setenv("TORII_TASK_TIMEOUT", "soon")
	t.Setenv("TORII_LEARN_STEP", "lots")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.TaskTimeout)
	assert.InDelta(t, 0.05, cfg.LearnStep, 1e-9)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"bad mode", func(c *Config) { c.EscalationMode = "committee" }},
		{"negative iterations", func(c *Config) { c.MaxIterations = -1 }},
		{"threshold out of range", func(c *Config) { c.EscalationThreshold = 1.2 }},
		{"inverted auto cutoffs", func(c *Config) { c.AutoApproveBelow = 0.9; c.AutoModifyBelow = 0.4 }},
		{"zero cost ceiling", func(c *Config) { c.CostCeiling = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
