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
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5, cfg.Coordinator.MaxConcurrentTasks)
	assert.Equal(t, 2, cfg.Coordinator.DefaultMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Messenger.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.Messenger.HeartbeatTTL)
	assert.Equal(t, 24*time.Hour, cfg.Messenger.MailboxTTL)
	assert.Equal(t, "local", cfg.Runtime.Provider)
	require.NoError(t, cfg.validate())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
coordinator:
  max_concurrent_tasks: 3
  default_timeout: 90s
messenger:
  request_timeout: 5s
runtime:
  provider: anthropic
  model: claude-3-5-sonnet-20241022
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Coordinator.MaxConcurrentTasks)
	assert.Equal(t, 90*time.Second, cfg.Coordinator.DefaultTimeout)
	assert.Equal(t, 5*time.Second, cfg.Messenger.RequestTimeout)
	assert.Equal(t, "anthropic", cfg.Runtime.Provider)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cfg.Runtime.Model)

	// untouched fields keep defaults
	assert.Equal(t, 2, cfg.Coordinator.DefaultMaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Messenger.HeartbeatTTL)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "coordinator: ["))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "runtime:\n  provider: mainframe\n"))
	require.ErrorContains(t, err, "runtime.provider")

	_, err = Load(writeConfig(t, "coordinator:\n  max_concurrent_tasks: 0\n"))
	require.ErrorContains(t, err, "max_concurrent_tasks")

	_, err = Load(writeConfig(t, "messenger:\n  request_timeout: soon\n"))
	require.ErrorContains(t, err, "request_timeout")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("COLLAB_MODEL", "gpt-4o-mini")
	path := writeConfig(t, "runtime:\n  provider: openai\n  model: ${COLLAB_MODEL}\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.Runtime.Model)
}
