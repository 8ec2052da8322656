package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/errors"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0, cfg.Cleanup.BatchSize)
	assert.Equal(t, 3, cfg.Mediator.MaxAttempts)
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = "etcd"
	cfg.Mediator.ThreadCount = 0
	cfg.Cleanup.BatchSize = -1
	cfg.NATS.DrainTimeout = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), `store.backend "etcd"`)
	assert.Contains(t, err.Error(), "mediator.thread_count")
	assert.Contains(t, err.Error(), "cleanup.batch_size")
	assert.Contains(t, err.Error(), "nats.drain_timeout")
}

func TestValidate_NATSBackendNeedsURLs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = StoreBackendNATS
	assert.Error(t, cfg.Validate())

	cfg.NATS.URLs = []string{"nats://localhost:4222"}
	assert.NoError(t, cfg.Validate())
}

func TestLoadBytes_YAML(t *testing.T) {
	content := []byte(`
cleanup:
  window: 1500ms
  batch_size: 25
mapper:
  p2p_ttl: 2m
mediator:
  thread_count: 3
  wait_between_attempts: ["100ms", "2s"]
`)
	cfg, err := LoadBytes(content)
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.Cleanup.Window)
	assert.Equal(t, 25, cfg.Cleanup.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Mapper.P2PTTL)
	assert.Equal(t, 3, cfg.Mediator.ThreadCount)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 2 * time.Second}, cfg.Mediator.WaitBetweenAttempts)

	// Untouched values keep their defaults.
	assert.Equal(t, "flow-mapper-cleanup", cfg.Cleanup.TaskName)
	assert.Equal(t, 3, cfg.Mediator.MaxAttempts)
}

func TestLoadBytes_EnvironmentOverridesYAML(t *testing.T) {
	t.Setenv("SESSIONFLOW_MEDIATOR_THREAD_COUNT", "12")
	t.Setenv("SESSIONFLOW_CLEANUP_TASK_NAME", "sweeper")

	cfg, err := LoadBytes([]byte("mediator:\n  thread_count: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Mediator.ThreadCount)
	assert.Equal(t, "sweeper", cfg.Cleanup.TaskName)
}

func TestLoadBytes_InvalidYAML(t *testing.T) {
	_, err := LoadBytes([]byte("mediator: [unclosed"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "mediator.thread_count", envKey("SESSIONFLOW_MEDIATOR_THREAD_COUNT"))
	assert.Equal(t, "cleanup.window", envKey("SESSIONFLOW_CLEANUP_WINDOW"))
	assert.Equal(t, "debug", envKey("SESSIONFLOW_DEBUG"))
}

func TestLoadBytes_TLSSections(t *testing.T) {
	content := []byte(`
nats:
  urls: ["tls://broker:4222"]
  ping_interval: 10s
  drain_timeout: 2s
  tls:
    enabled: true
    ca_files: ["/etc/flowmapper/ca.pem"]
    server_name: broker.internal
store:
  backend: redis
  redis_tls:
    enabled: true
    cert_file: /etc/flowmapper/client.pem
    key_file: /etc/flowmapper/client-key.pem
`)
	cfg, err := LoadBytes(content)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.NATS.PingInterval)
	assert.Equal(t, 2*time.Second, cfg.NATS.DrainTimeout)
	assert.True(t, cfg.NATS.TLS.Enabled)
	assert.Equal(t, []string{"/etc/flowmapper/ca.pem"}, cfg.NATS.TLS.CAFiles)
	assert.Equal(t, "broker.internal", cfg.NATS.TLS.ServerName)
	assert.False(t, cfg.NATS.TLS.Mutual())

	assert.True(t, cfg.Store.RedisTLS.Enabled)
	assert.True(t, cfg.Store.RedisTLS.Mutual())
}
