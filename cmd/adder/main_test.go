package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/sessions"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
log_level: error
storage:
  backend: filesystem
  path: %[1]s/data
archive:
  backend: filesystem
  path: %[1]s/archive
strategy:
  kind: sequential
  default_delay: 0s
  max_delay: 0s
  account_change_delay: 0s
  min_delay: 0s
  max_adaptive_delay: 0s
simulation:
  source_size: 10
  requests_per_second: 0
  failure_rate: 0
credentials:
  - key: acc-1
  - key: acc-2
    handle: second
`, dir)
	path := filepath.Join(dir, "adder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dir
}

func execute(t *testing.T, cfgPath string, args ...string) []byte {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))

	require.NoError(t, cmd.ExecuteContext(context.Background()), "stderr: %s", stderr.String())
	return stdout.Bytes()
}

func TestCLI_RunThenInspect(t *testing.T) {
	cfgPath, dir := writeConfig(t)

	var res transfer.Result
	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "run", "--source", "src", "--target", "dst", "--limit", "5"), &res))
	assert.Equal(t, transfer.StopLimitReached, res.StopReason)
	assert.Equal(t, 5, res.Succeeded)

	var list []sessions.Summary
	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "sessions", "list"), &list))
	require.Len(t, list, 1)
	assert.Equal(t, res.SessionID, list[0].ID)
	assert.Equal(t, session.StatusCompleted, list[0].Status)

	var report sessions.Report
	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "sessions", "report", res.SessionID), &report))
	assert.Equal(t, res.SessionID, report.ID)

	var incomplete []string
	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "sessions", "recover"), &incomplete))
	assert.Empty(t, incomplete)

	var workers []worker.Snapshot
	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "workers", "list"), &workers))
	require.Len(t, workers, 2, "configured credentials are imported once")
	added := 0
	for _, w := range workers {
		added += w.AddedToday
	}
	assert.Equal(t, 5, added)

	var archived map[string]int
	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "sessions", "archive", "--older-than-days", "0"), &archived))
	assert.Equal(t, 1, archived["archived"])

	matches, err := filepath.Glob(filepath.Join(dir, "archive", "sessions", "*", "*", res.SessionID+".json.gz"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCLI_WorkerLifecycle(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	var snap worker.Snapshot
	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "workers", "add", "acc-3", "--handle", "third"), &snap))
	assert.Equal(t, "third", snap.Credential.Handle)
	assert.Equal(t, worker.StatusActive, snap.Status)

	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "workers", "block", snap.ID), &snap))
	assert.Equal(t, worker.StatusBlocked, snap.Status)

	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "workers", "activate", snap.ID), &snap))
	assert.Equal(t, worker.StatusActive, snap.Status)

	var listed []worker.Snapshot
	require.NoError(t, json.Unmarshal(execute(t, cfgPath, "workers", "list", "--status", "ACTIVE"), &listed))
	assert.Len(t, listed, 3)
}

func TestParsePairs(t *testing.T) {
	specs, err := parsePairs([]string{"a:b", "c:d:2"})
	require.NoError(t, err)
	assert.Equal(t, "b", specs[0].Target)
	assert.Equal(t, 2, specs[1].Priority)

	for _, bad := range []string{"a", "a:", ":b", "a:b:x", "a:b:1:2"} {
		_, err := parsePairs([]string{bad})
		assert.Error(t, err, bad)
	}
}
