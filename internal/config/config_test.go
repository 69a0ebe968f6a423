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
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":9090\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 64, cfg.Swarm.MaxIterations)
	assert.Equal(t, 3, cfg.Swarm.MaxParallelAgents)
	assert.Equal(t, 5, cfg.Swarm.MaxSwarmSize)
	assert.Equal(t, "proceed", cfg.Approval.OnDenied)
	assert.Equal(t, 24*time.Hour, cfg.Approval.Timeout)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Driver)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data", "checkpoints.db"), cfg.Checkpoint.DSN)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data"), cfg.Runtime.DataDir)
}

func TestLoadProvidersAndOverrides(t *testing.T) {
	path := writeConfig(t, `
swarm:
  max_swarm_size: 2
  max_parallel_agents: 4
approval:
  timeout: 30m
  auto_approve: [low]
  risk_overrides:
    fs/write_file: high
providers:
  - id: fs
    command: mcp-fs
    args: ["--root", "/tmp"]
  - id: search
    transport: sse
    url: http://localhost:9000/sse
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "stdio", cfg.Providers[0].Transport)
	assert.Equal(t, 30*time.Second, cfg.Providers[0].Timeout)
	assert.Equal(t, 3, cfg.Providers[0].MaxAttempts)
	assert.Equal(t, "sse", cfg.Providers[1].Transport)
	assert.Equal(t, 2, cfg.Swarm.MaxParallelAgents, "parallel agents are capped by swarm size")
	assert.Equal(t, 30*time.Minute, cfg.Approval.Timeout)
	assert.Equal(t, []string{"low"}, cfg.Approval.AutoApprove)
	assert.Equal(t, "high", cfg.Approval.RiskOverrides["fs/write_file"])
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "checkpoint:\n  driver: memory\n")
	t.Setenv("OPENMCP_SERVER_ADDRESS", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Checkpoint.Driver)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "checkpoint:\n  driver: cassandra\n")
	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, "providers:\n  - id: web\n    transport: sse\n")
	_, err = Load(path)
	require.Error(t, err, "sse provider requires url")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadAuth(t *testing.T) {
	path := writeConfig(t, `
auth:
  mode: token
  tokens:
    - name: oncall
      token_env: ONCALL_TOKEN
      permissions: ["approvals:write", "executions:read"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "token", cfg.Auth.Mode)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "ONCALL_TOKEN", cfg.Auth.Tokens[0].TokenEnv)
	assert.Equal(t, 12*time.Hour, cfg.Auth.JWT.TTL)

	path = writeConfig(t, "auth:\n  mode: kerberos\n")
	_, err = Load(path)
	require.Error(t, err)
}

func TestLoadJobStoreFollowsQueue(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":9090\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.TaskQueue.Store)

	path = writeConfig(t, `
task_queue:
  driver: redis
`)
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.TaskQueue.Store)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data", "jobs.db"), cfg.TaskQueue.StoreDSN)

	path = writeConfig(t, `
storage:
  driver: mysql
  dsn: "root:secret@tcp(127.0.0.1:3306)/openmcp?parseTime=true"
task_queue:
  driver: rabbitmq
`)
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.TaskQueue.Store)
	assert.Equal(t, cfg.Storage.DSN, cfg.TaskQueue.StoreDSN)

	path = writeConfig(t, `
task_queue:
  driver: redis
  store: mysql
`)
	_, err = Load(path)
	assert.Error(t, err)
}
