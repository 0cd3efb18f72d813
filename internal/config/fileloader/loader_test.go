package fileloader

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

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileLoader_LayersOverDefaults(t *testing.T) {
	path := writeFile(t, `
strategy:
  kind: distributed
  default_delay: 45s
workers:
  max_members_per_day: 40
credentials:
  - key: acc-1
    handle: first
`)

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "distributed", cfg.Strategy.Kind)
	assert.Equal(t, 45*time.Second, cfg.Strategy.DefaultDelay)
	assert.Equal(t, 40, cfg.Workers.MaxMembersPerDay)
	assert.Equal(t, config.DefaultConfig().Workers.CooldownHours, cfg.Workers.CooldownHours)
	require.Len(t, cfg.Credentials, 1)
	assert.Equal(t, "first", cfg.Credentials[0].Handle)
}

func TestFileLoader_Errors(t *testing.T) {
	_, err := NewFileLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.Error(t, err)

	_, err = NewFileLoader(writeFile(t, "strategy: [")).Load(context.Background())
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = NewFileLoader(writeFile(t, "storage:\n  backend: tape\n")).Load(context.Background())
	assert.ErrorContains(t, err, "invalid config")
}
