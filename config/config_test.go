package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/jobq"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JOBQ_CONFIG_FILE", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, int32(2), cfg.Database.MaxConns)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, "localhost", cfg.Broker.Host)
	assert.Equal(t, 6379, cfg.Broker.Port)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 168*time.Hour, cfg.Retention.Window)
	assert.Empty(t, cfg.Worker.Queues)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("JOBQ_BACKEND", "broker")
	t.Setenv("JOBQ_BROKER_HOST", "redis.internal")
	t.Setenv("JOBQ_BROKER_PORT", "6380")
	t.Setenv("JOBQ_VISIBILITY_TIMEOUT", "90s")
	t.Setenv("JOBQ_QUEUES", "search-index,send-email")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendBroker, cfg.Backend)
	assert.Equal(t, "redis.internal", cfg.Broker.Host)
	assert.Equal(t, 6380, cfg.Broker.Port)
	assert.Equal(t, 90*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, []string{"search-index", "send-email"}, cfg.Worker.Queues)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: buffered-db
database:
  url: postgres://jobq:secret@db:5432/jobq
  use_buffered_mode: true
  max_batch_delay: 20ms
worker:
  concurrency: 4
  queues: [asset-process]
`), 0o600))

	t.Setenv("JOBQ_CONCURRENCY", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendBufferedDB, cfg.Backend)
	assert.True(t, cfg.Database.UseBufferedMode)
	assert.Equal(t, 20*time.Millisecond, cfg.Database.MaxBatchDelay)
	// Untouched by the file, so the default survives.
	assert.Equal(t, 100, cfg.Database.MaxBatchSize)
	// The environment wins over the file.
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, []string{"asset-process"}, cfg.Worker.Queues)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestValidate(t *testing.T) {
	t.Setenv("JOBQ_BACKEND", "kafka")
	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobq.ErrUnknownBackend))

	t.Setenv("JOBQ_BACKEND", "buffered-db")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JOBQ_DATABASE_URL")

	t.Setenv("JOBQ_BACKEND", "memory")
	t.Setenv("JOBQ_HEARTBEAT_INTERVAL", "10m")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat interval")
}

func TestRedacted(t *testing.T) {
	cfg := &Config{
		Broker:   BrokerConfig{Password: "hunter2"},
		Database: DatabaseConfig{URL: "postgres://jobq:secret@db:5432/jobq"},
	}
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "secret@")
	assert.True(t, strings.Contains(string(out), "postgres://jobq:********@db:5432/jobq"))
	// The original is untouched.
	assert.Equal(t, "hunter2", cfg.Broker.Password)
}

func TestOptionsDerived(t *testing.T) {
	t.Setenv("JOBQ_CONFIG_FILE", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.PoolOptions())
	assert.NotEmpty(t, cfg.EngineOptions(nil))
	assert.NotNil(t, cfg.RetryStrategy())
	assert.NotNil(t, cfg.NewLogger())
}
