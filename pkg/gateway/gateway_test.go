package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixinfer-ai/infercore/internal/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{
		"openai": {APIKey: "test-key", MaxConcurrentRequests: 8, MaxRetries: 1},
	}
	return cfg
}

func TestNewRequiresAtLeastOneProvider(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg, NativeBindings{})
	assert.Error(t, err)
}

func TestNewWiresEveryComponent(t *testing.T) {
	gw, err := New(testConfig(), NativeBindings{})
	require.NoError(t, err)
	defer gw.Shutdown()

	assert.NotNil(t, gw.Registry)
	assert.NotNil(t, gw.Router)
	assert.NotNil(t, gw.KVCache)
	assert.NotNil(t, gw.Scheduler)
	assert.NotNil(t, gw.Orchestrator)
	assert.NotNil(t, gw.Quota)
	assert.NotNil(t, gw.AsyncJobs)
	assert.NotNil(t, gw.Streaming)
	assert.NotNil(t, gw.Plugins)
	assert.NotNil(t, gw.Metrics)

	providers := gw.Registry.GetAllProviders()
	assert.Len(t, providers, 1)
	assert.Equal(t, "openai", providers[0].ID())
}

func TestResetBreakerUnknownProvider(t *testing.T) {
	gw, err := New(testConfig(), NativeBindings{})
	require.NoError(t, err)
	defer gw.Shutdown()

	err = gw.ResetBreaker("does-not-exist")
	assert.Error(t, err)

	assert.NoError(t, gw.ResetBreaker("openai"))
}
