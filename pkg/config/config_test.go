package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := NewHarnessConfig("test")
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "test", cfg.Name)
	assert.Equal(t, 8, cfg.Pool.MaxPoolSize)
	assert.True(t, cfg.Supervisor.NewProcessGroup)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HarnessConfig)
	}{
		{"zero pool size", func(c *HarnessConfig) { c.Pool.MaxPoolSize = 0 }},
		{"negative acquire timeout", func(c *HarnessConfig) { c.Pool.AcquireTimeout = -time.Second }},
		{"zero idle timeout", func(c *HarnessConfig) { c.Pool.IdleTimeout = 0 }},
		{"zero shutdown timeout", func(c *HarnessConfig) { c.Supervisor.ShutdownTimeout = 0 }},
		{"unknown strategy", func(c *HarnessConfig) { c.Waiter.Strategy = "random" }},
		{"gc threshold over 100", func(c *HarnessConfig) { c.Memory.GCThresholdPct = 150 }},
		{"zero buffer cap", func(c *HarnessConfig) { c.Buffers.MaxTotalBuffers = 0 }},
		{"unknown compression", func(c *HarnessConfig) { c.Buffers.Compression = "brotli" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewHarnessConfig("test")
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.yaml")
	content := `
name: ci-harness
pool:
  max_pool_size: 4
  acquire_timeout: 15s
  idle_timeout: 2m
  max_age: 10m
  cleanup_interval: 30s
supervisor:
  shutdown_timeout: 5s
  new_process_group: true
waiter:
  timeout: 5s
  base_delay: 25ms
  max_delay: 1s
  strategy: fibonacci
  jitter: 0.2
buffers:
  max_total_buffers: 32
  compression: zstd
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := NewHarnessConfig("default")
	require.NoError(t, Load(path, cfg))

	assert.Equal(t, "ci-harness", cfg.Name)
	assert.Equal(t, 4, cfg.Pool.MaxPoolSize)
	assert.Equal(t, 15*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, "fibonacci", cfg.Waiter.Strategy)
	assert.Equal(t, 25*time.Millisecond, cfg.Waiter.BaseDelay)
	assert.Equal(t, "zstd", cfg.Buffers.Compression)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, 512, cfg.Memory.MaxHeapUsedMB)

	assert.NoError(t, cfg.Validate())
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("HARNESS_NAME", "from-env")
	t.Setenv("HARNESS_POOL_SIZE", "6")

	path := filepath.Join(t.TempDir(), "harness.yaml")
	content := "name: ${HARNESS_NAME}\npool:\n  max_pool_size: ${HARNESS_POOL_SIZE}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := NewHarnessConfig("default")
	require.NoError(t, Load(path, cfg))
	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 6, cfg.Pool.MaxPoolSize)
}

func TestLoadMissingFile(t *testing.T) {
	cfg := NewHarnessConfig("default")
	assert.Error(t, Load("/nonexistent/harness.yaml", cfg))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	cfg := NewHarnessConfig("round-trip")
	cfg.Pool.MaxPoolSize = 12
	require.NoError(t, Save(path, cfg))

	loaded := &HarnessConfig{}
	require.NoError(t, Load(path, loaded))
	assert.Equal(t, cfg, loaded)
}
