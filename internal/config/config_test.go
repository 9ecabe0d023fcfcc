package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreUsable(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.MaxIterations)
	assert.Equal(t, 4, cfg.FanOutConcurrency)
	assert.Equal(t, 64, cfg.SubscriberBuffer)
	assert.Zero(t, cfg.TaskTimeout, "no per-task deadline by default")
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxIterations)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_iterations: 12
reasoner_url: http://localhost:9999
tool_call_timeout: 5s
services:
  - name: research
    endpoint: http://localhost:9001
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxIterations)
	assert.Equal(t, "http://localhost:9999", cfg.ReasonerURL)
	assert.Equal(t, 5*time.Second, cfg.ToolCallTimeout)
	assert.Equal(t, "http://localhost:9001", cfg.ServiceEndpoint("research"))
	assert.Empty(t, cfg.ServiceEndpoint("unknown"))
	// Unset fields still pick up defaults.
	assert.Equal(t, 4, cfg.FanOutConcurrency)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fable.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services:\n  - name: research\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name and endpoint")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FABLE_REASONER_URL", "http://env:1234")
	t.Setenv("FABLE_MAX_ITERATIONS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://env:1234", cfg.ReasonerURL)
	assert.Equal(t, 7, cfg.MaxIterations)
}

func TestRetryPolicyCarriesConfiguredValues(t *testing.T) {
	cfg := Default()
	cfg.Retry = RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, time.Minute, policy.MaxDelay)
	assert.Greater(t, policy.JitterFactor, 0.0)
}
