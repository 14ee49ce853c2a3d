package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	contents := `
scheduler:
  strategy: CONTINUOUS
  maxBatchSize: 16
  disaggregation: true
kvcache:
  totalBlocks: 8192
quota:
  t1:
    rps: 5
    concurrent: 2
provider:
  openai:
    endpoint: https://api.openai.com/v1
    timeout: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "CONTINUOUS", cfg.Scheduler.Strategy)
	assert.Equal(t, 16, cfg.Scheduler.MaxBatchSize)
	assert.True(t, cfg.Scheduler.Disaggregation)
	assert.Equal(t, 8192, cfg.KVCache.TotalBlocks)
	assert.Equal(t, float64(5), cfg.Quota["t1"].RPS)
	assert.Equal(t, int64(2), cfg.Quota["t1"].Concurrent)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Providers["openai"].Endpoint)
	assert.Equal(t, 20*time.Second, cfg.Providers["openai"].Timeout)

	// Untouched defaults survive.
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrentBatches)
}

func TestLoadMalformedFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler: [this is not a map]"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INFERCORE_SCHEDULER_STRATEGY", "STATIC")
	t.Setenv("INFERCORE_SCHEDULER_MAX_BATCH_SIZE", "3")
	t.Setenv("INFERCORE_SCHEDULER_DISAGGREGATION", "true")
	t.Setenv("INFERCORE_SLO_TARGET", "0.95")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "STATIC", cfg.Scheduler.Strategy)
	assert.Equal(t, 3, cfg.Scheduler.MaxBatchSize)
	assert.True(t, cfg.Scheduler.Disaggregation)
	assert.Equal(t, 0.95, cfg.SLOTarget)
}
