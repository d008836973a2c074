package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalefund/fund-engine/internal/model"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	maxAge, err := cfg.OracleMaxAge()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, maxAge)

	book, err := cfg.BookConfig()
	require.NoError(t, err)
	assert.True(t, book.MinDeposit.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 720*time.Hour, book.LockPeriod)
	assert.Zero(t, book.WithdrawalFeeBps)

	limiter, err := cfg.Limiter()
	require.NoError(t, err)
	assert.Nil(t, limiter)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, model.PolicyStrict, policy.Mode)
	assert.Equal(t, time.Hour, policy.TriggerInterval)
	assert.True(t, policy.MinRebalanceValue.IsZero())
	assert.Zero(t, policy.MaxTransfers)
}

func TestPolicy_RebalanceLimits(t *testing.T) {
	cfg := Default()
	cfg.Rebalance.MinValue = "250.5"
	cfg.Rebalance.MaxTransfers = 4

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.True(t, policy.MinRebalanceValue.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, 4, policy.MaxTransfers)
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	for _, name := range []string{"fund.yaml", "fund.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := Default()
			cfg.Fund.WithdrawalFeeBps = 50
			cfg.Fund.MaxCohortValue = "250000"
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)

			limiter, err := loaded.Limiter()
			require.NoError(t, err)
			require.NotNil(t, limiter)
			assert.True(t, limiter.MaxCohort.Equal(decimal.NewFromInt(250000)))
		})
	}
}

func TestLoadFromFile_PartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fund.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\nrebalance:\n  mode: lenient\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "lenient", cfg.Rebalance.Mode)
	assert.Equal(t, "5m", cfg.Oracle.MaxAge)
	assert.Len(t, cfg.Strategies, 4)
}

func TestLoadFromFile_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fund.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{ not: [valid"), 0o644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DATABASE_URL", "postgres://fund@localhost/fund")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ADMIN_TOKEN", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "postgres://fund@localhost/fund", cfg.Store.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.RedisURL)
	assert.Equal(t, "s3cret", cfg.Server.AdminToken)
	assert.Equal(t, "debug", cfg.Server.LogLevel)

	t.Setenv("PORT", "eighty")
	assert.Error(t, cfg.ApplyEnv())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"log level", func(c *Config) { c.Server.LogLevel = "loud" }},
		{"oracle source", func(c *Config) { c.Oracle.Source = "carrier-pigeon" }},
		{"redis oracle without redis", func(c *Config) { c.Oracle.Source = "redis" }},
		{"max age zero", func(c *Config) { c.Oracle.MaxAge = "0s" }},
		{"max age garbage", func(c *Config) { c.Oracle.MaxAge = "soon" }},
		{"confidence above full weight", func(c *Config) { c.Oracle.MinConfidenceBps = 10001 }},
		{"min deposit zero", func(c *Config) { c.Fund.MinDeposit = "0" }},
		{"min deposit too precise", func(c *Config) { c.Fund.MinDeposit = "0.00000001" }},
		{"max below min", func(c *Config) { c.Fund.MinDeposit = "10"; c.Fund.MaxDeposit = "5" }},
		{"negative lock", func(c *Config) { c.Fund.LockPeriod = "-1h" }},
		{"fee plus penalty", func(c *Config) { c.Fund.WithdrawalFeeBps = 6000; c.Fund.EarlyPenaltyBps = 5000 }},
		{"negative limit", func(c *Config) { c.Fund.MaxPositionValue = "-1" }},
		{"mode", func(c *Config) { c.Rebalance.Mode = "yolo" }},
		{"deadband", func(c *Config) { c.Rebalance.DeadbandBps = -1 }},
		{"negative min value", func(c *Config) { c.Rebalance.MinValue = "-5" }},
		{"negative max transfers", func(c *Config) { c.Rebalance.MaxTransfers = -1 }},
		{"journal type", func(c *Config) { c.Journal.Type = "csv" }},
		{"sqlite without path", func(c *Config) { c.Journal.Type = "sqlite" }},
		{"no reserve", func(c *Config) { c.Strategies[0].Reserve = false }},
		{"two reserves", func(c *Config) { c.Strategies[1].Reserve = true; c.Strategies[1].Price = "1" }},
		{"reserve not at one", func(c *Config) { c.Strategies[0].Price = "2" }},
		{"duplicate strategy", func(c *Config) { c.Strategies[2].ID = "BTC" }},
		{"zero price", func(c *Config) { c.Strategies[1].Price = "0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}
