package viperloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/config"
)

func TestLoader_DefaultsOnly(t *testing.T) {
	cfg, err := New("").Load(context.Background())
	require.NoError(t, err)

	want := config.DefaultConfig()
	assert.Equal(t, want.Strategy.ToStrategy(), cfg.Strategy.ToStrategy())
	assert.Equal(t, want.Workers, cfg.Workers)
	assert.Equal(t, want.Storage, cfg.Storage)
}

func TestLoader_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: sqlite
  sqlite_path: /tmp/from-file.db
strategy:
  max_delay: 10m
`), 0o600))

	t.Setenv("ADDER_STORAGE_SQLITE_PATH", "/tmp/from-env.db")
	t.Setenv("ADDER_WORKERS_COOLDOWN_HOURS", "12")
	t.Setenv("ADDER_KAFKA_ENABLED", "true")
	t.Setenv("ADDER_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := New(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, config.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/from-env.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 10*time.Minute, cfg.Strategy.MaxDelay)
	assert.Equal(t, 12, cfg.Workers.CooldownHours)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoader_RejectsInvalidOverride(t *testing.T) {
	t.Setenv("ADDER_STRATEGY_KIND", "parallel")

	_, err := New("").Load(context.Background())
	assert.ErrorContains(t, err, "Strategy.Kind")
}
