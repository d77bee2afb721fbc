package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Download.Blocks)
	assert.Equal(t, 3, cfg.Download.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Download.RetryBackoff)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	assert.Equal(t, "download_tasks", cfg.Worker.Stream)
	assert.False(t, cfg.OBS.Enabled())

	opts := cfg.Download.EngineOptions()
	assert.Equal(t, 4, opts.Planner.MaxBlocks)
	assert.Equal(t, time.Second, opts.Scheduler.SaveInterval)
	assert.Equal(t, 30*time.Second, opts.Scheduler.Fetch.StallTimeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fetcher.yaml")
	yaml := `
download:
  blocks: 8
  retry_backoff: 2s
store:
  backend: blob
  blob_url: mem://
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("FETCHER_DOWNLOAD_MAX_RETRIES", "5")
	t.Setenv("FETCHER_REDIS_ADDR", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Download.Blocks)
	assert.Equal(t, 2*time.Second, cfg.Download.RetryBackoff)
	assert.Equal(t, 5, cfg.Download.MaxRetries)
	assert.Equal(t, "blob", cfg.Store.Backend)
	assert.Equal(t, "mem://", cfg.Store.BlobURL)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.LoggerConfig().Level)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FETCHER_STORE_BACKEND", "etcd")

	_, err := Load("")
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
