package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overseer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 4, cfg.Pool.MaxConcurrent)
	assert.Equal(t, 64, cfg.Pool.QueueSize)
	assert.Equal(t, 5*time.Minute, cfg.Pool.QueueTimeout.Std())
	assert.Equal(t, 500, cfg.Pool.Resources.MinAvailableMemoryMB)
	assert.Equal(t, 10, cfg.Pool.Resources.MaxAgentProcesses)
	assert.Equal(t, "claude", cfg.Invoker.Binary)
	assert.Equal(t, "claude", cfg.Pool.Resources.ProcessPattern)
	assert.Equal(t, 120*time.Second, cfg.Invoker.DefaultTimeout.Std())
	assert.Equal(t, 180*time.Second, cfg.Invoker.SessionResumeTimeout.Std())
	assert.Equal(t, 2, cfg.Invoker.MaxRetries)
	assert.Equal(t, 6*time.Second, cfg.Context.SourceTimeout.Std())
	assert.Equal(t, 24000, cfg.Context.MaxChars)
	assert.True(t, cfg.Context.DegradationEnabled())
	assert.Equal(t, uint32(3), cfg.Context.Breaker.MaxFailures)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
pool:
  max_concurrent: 2
  queue_timeout: 90s
invoker:
  binary: agentctl
  default_timeout: 1m
  request_deadline: 3m
context:
  source_timeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.MaxConcurrent)
	assert.Equal(t, 90*time.Second, cfg.Pool.QueueTimeout.Std())
	assert.Equal(t, "agentctl", cfg.Invoker.Binary)
	assert.Equal(t, time.Minute, cfg.Invoker.DefaultTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Context.SourceTimeout.Std())
	// Process pattern tracks the binary when unset.
	assert.Equal(t, "agentctl", cfg.Pool.Resources.ProcessPattern)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "pool:\n  queue_timeout: soon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDeadlineBelowTimeout(t *testing.T) {
	path := writeConfig(t, `
invoker:
  default_timeout: 5m
  request_deadline: 1m
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCeiling(t *testing.T) {
	cfg := Default()
	cfg.Pool.MaxConcurrent = 64
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OVERSEER_POOL_MAX_CONCURRENT", "3")
	t.Setenv("OVERSEER_INVOKER_TIMEOUT", "45s")

	path := writeConfig(t, "pool:\n  max_concurrent: 8\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pool.MaxConcurrent)
	assert.Equal(t, 45*time.Second, cfg.Invoker.DefaultTimeout.Std())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
