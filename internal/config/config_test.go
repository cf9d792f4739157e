package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: memory
dispatch:
  mode: stream
  max_cascade: 10
listener:
  poll_interval: 250ms
  on_exhausted: halt
checkpoint:
  backend: redis
  redis_addr: redis:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "stream", cfg.Dispatch.Mode)
	assert.Equal(t, 10, cfg.Dispatch.MaxCascade)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries, "unset keys keep their default")
	assert.Equal(t, 250*time.Millisecond, cfg.Listener.PollInterval)
	assert.Equal(t, "halt", cfg.Listener.OnExhausted)
	assert.Equal(t, "redis:6379", cfg.Checkpoint.RedisAddr)
	assert.Equal(t, "public_stream", cfg.Streams.Public)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: memory\n")
	t.Setenv("RULEBOX_STORAGE_BACKEND", "mongo")
	t.Setenv("RULEBOX_STORAGE_MONGO_URI", "mongodb://db:27017")
	t.Setenv("RULEBOX_LISTENER_BATCH_SIZE", "7")
	t.Setenv("RULEBOX_LISTENER_MAX_BACKOFF", "1m")
	t.Setenv("RULEBOX_METRICS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendMongo, cfg.Storage.Backend)
	assert.Equal(t, "mongodb://db:27017", cfg.Storage.MongoURI)
	assert.Equal(t, 7, cfg.Listener.BatchSize)
	assert.Equal(t, time.Minute, cfg.Listener.MaxBackoff)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Load(writeConfig(t, "storage: [not, a, map]\n"))
	assert.ErrorIs(t, err, ErrInvalid)

	t.Setenv("RULEBOX_LISTENER_BATCH_SIZE", "many")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestLoadOptional_MissingFile(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "oracle"
	cfg.Dispatch.Mode = "async"
	cfg.Listener.OnExhausted = "drop"
	cfg.Checkpoint.Backend = "etcd"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{"storage.backend", "dispatch.mode", "listener.on_exhausted", "checkpoint.backend", "log.format"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.Storage.Backend = BackendMongo
	cfg.Storage.MongoURI = ""
	assert.ErrorContains(t, cfg.Validate(), "storage.mongo_uri")

	cfg = Default()
	cfg.Listener.InitialBackoff = time.Second
	cfg.Listener.MaxBackoff = time.Millisecond
	assert.ErrorContains(t, cfg.Validate(), "max_backoff")
}

func TestLogConfig_SlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LogConfig{Level: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LogConfig{Level: "warn"}.SlogLevel())
	assert.Equal(t, slog.LevelError, LogConfig{Level: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LogConfig{}.SlogLevel())
}
