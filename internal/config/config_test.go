// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Covers duration parsing and default application

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
	path := filepath.Join(t.TempDir(), "control.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":9090"
database:
  path: "/var/lib/hive/control.db"
agents:
  heartbeat_interval: "5s"
  heartbeat_timeout: "20s"
sessions:
  quota_limit: 5
  cluster_scoped_quota: true
  dispatch_retries: 2
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/hive/control.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Agents.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, cfg.Agents.HeartbeatTimeout)
	assert.Equal(t, 5, cfg.Sessions.QuotaLimit)
	assert.True(t, cfg.Sessions.ClusterScopedQuota)
	assert.Equal(t, 2, cfg.Sessions.DispatchRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_HIVE_DB", "/tmp/expanded.db")
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${TEST_HIVE_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/expanded.db", cfg.Database.Path)
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${DEFINITELY_NOT_SET_ANYWHERE}"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path is required")
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Agents.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Agents.HeartbeatTimeout)
	assert.Equal(t, 1, cfg.Sessions.DispatchRetries)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "test.db"
agents:
  heartbeat_interval: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoad_TimeoutShorterThanInterval(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "test.db"
agents:
  heartbeat_interval: "30s"
  heartbeat_timeout: "10s"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}
