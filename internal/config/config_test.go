package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/strategy"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, worker.DefaultLimits(), cfg.Workers.Limits())
	assert.Equal(t, strategy.DefaultConfig(), cfg.Strategy.ToStrategy())
	assert.Equal(t, 50, cfg.Sessions.MaxActiveSessions)
	assert.Equal(t, 100, cfg.Sessions.StateHistoryLimit)
	assert.Equal(t, 100, cfg.Errors.RecentErrorLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown strategy", func(c *Config) { c.Strategy.Kind = "parallel" }, "Strategy.Kind"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "Storage.Backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "PostgresDSN"},
		{"zero daily quota", func(c *Config) { c.Workers.MaxMembersPerDay = 0 }, "MaxMembersPerDay"},
		{"max below default delay", func(c *Config) { c.Strategy.MaxDelay = time.Second }, "MaxDelay"},
		{"hour out of range", func(c *Config) { c.Strategy.PeakHours.To = 24 }, "PeakHours.To"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LogLevel"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }, "brokers"},
		{"minio without endpoint", func(c *Config) { c.Archive.Backend = BackendMinIO }, "endpoint"},
		{"credential without key", func(c *Config) {
			c.Credentials = []CredentialConfig{{Handle: "x"}}
		}, "Credentials[0].Key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStrategyConfig_ConvertsMinutes(t *testing.T) {
	sc := DefaultConfig().Strategy
	sc.GroupRotationIntervalMinutes = 15
	sc.ReactivationTimeoutMinutes = 45

	got := sc.ToStrategy()
	assert.Equal(t, 15*time.Minute, got.GroupRotationInterval)
	assert.Equal(t, 45*time.Minute, got.ReactivationTimeout)
}
