// Package config provides the unified configuration for harnesskit. A single
// HarnessConfig structure covers the session pool, process supervision,
// polling defaults, memory thresholds and observability, organized into
// sections with yaml tags so scenario runners can ship one file.
package config

import (
	"time"

	"github.com/harnesskit/harnesskit/pkg/errors"
)

// HarnessConfig is the top-level configuration.
type HarnessConfig struct {
	// Name identifies the harness instance
	Name string `yaml:"name" json:"name"`

	Pool          PoolConfig          `yaml:"pool" json:"pool"`
	Supervisor    SupervisorConfig    `yaml:"supervisor" json:"supervisor"`
	Waiter        WaiterConfig        `yaml:"waiter" json:"waiter"`
	Memory        MemoryConfig        `yaml:"memory" json:"memory"`
	Buffers       BufferConfig        `yaml:"buffers" json:"buffers"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// PoolConfig bounds the session pool.
type PoolConfig struct {
	MaxPoolSize     int           `yaml:"max_pool_size" json:"max_pool_size"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxAge          time.Duration `yaml:"max_age" json:"max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// SupervisorConfig controls process supervision.
type SupervisorConfig struct {
	// ShutdownTimeout is the grace period between SIGTERM and SIGKILL
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// NewProcessGroup detaches children into their own process groups
	NewProcessGroup bool `yaml:"new_process_group" json:"new_process_group"`
}

// WaiterConfig sets polling defaults.
type WaiterConfig struct {
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" json:"max_delay"`
	Strategy  string        `yaml:"strategy" json:"strategy"`
	Jitter    float64       `yaml:"jitter" json:"jitter"`
}

// MemoryConfig sets the pool's memory-pressure thresholds.
type MemoryConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval" json:"check_interval"`
	MaxHeapUsedMB  int           `yaml:"max_heap_used_mb" json:"max_heap_used_mb"`
	MaxRSSMB       int           `yaml:"max_rss_mb" json:"max_rss_mb"`
	GCThresholdPct float64       `yaml:"gc_threshold_pct" json:"gc_threshold_pct"`
}

// BufferConfig bounds the output-buffer cache.
type BufferConfig struct {
	MaxTotalBuffers int    `yaml:"max_total_buffers" json:"max_total_buffers"`
	Compression     string `yaml:"compression" json:"compression"`
}

// ObservabilityConfig controls logging and tracing.
type ObservabilityConfig struct {
	LogLevel      string  `yaml:"log_level" json:"log_level"`
	LogEncoding   string  `yaml:"log_encoding" json:"log_encoding"`
	Development   bool    `yaml:"development" json:"development"`
	EnableTracing bool    `yaml:"enable_tracing" json:"enable_tracing"`
	SamplingRate  float64 `yaml:"sampling_rate" json:"sampling_rate"`
}

// NewHarnessConfig returns a configuration with production defaults.
func NewHarnessConfig(name string) *HarnessConfig {
	return &HarnessConfig{
		Name: name,
		Pool: PoolConfig{
			MaxPoolSize:     8,
			AcquireTimeout:  30 * time.Second,
			IdleTimeout:     5 * time.Minute,
			MaxAge:          30 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Supervisor: SupervisorConfig{
			ShutdownTimeout: 10 * time.Second,
			NewProcessGroup: true,
		},
		Waiter: WaiterConfig{
			Timeout:   10 * time.Second,
			BaseDelay: 50 * time.Millisecond,
			MaxDelay:  2 * time.Second,
			Strategy:  "exponential",
			Jitter:    0.1,
		},
		Memory: MemoryConfig{
			CheckInterval:  30 * time.Second,
			MaxHeapUsedMB:  512,
			MaxRSSMB:       1024,
			GCThresholdPct: 70,
		},
		Buffers: BufferConfig{
			MaxTotalBuffers: 64,
			Compression:     "gzip",
		},
		Observability: ObservabilityConfig{
			LogLevel:     "info",
			LogEncoding:  "json",
			SamplingRate: 1.0,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *HarnessConfig) Validate() error {
	if c.Pool.MaxPoolSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "pool.max_pool_size must be positive")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return errors.New(errors.ErrorTypeConfig, "pool.acquire_timeout must be positive")
	}
	if c.Pool.IdleTimeout <= 0 || c.Pool.MaxAge <= 0 {
		return errors.New(errors.ErrorTypeConfig, "pool idle_timeout and max_age must be positive")
	}
	if c.Supervisor.ShutdownTimeout <= 0 {
		return errors.New(errors.ErrorTypeConfig, "supervisor.shutdown_timeout must be positive")
	}
	switch c.Waiter.Strategy {
	case "linear", "exponential", "fibonacci", "quadratic":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown waiter.strategy %q", c.Waiter.Strategy)
	}
	if c.Memory.GCThresholdPct < 0 || c.Memory.GCThresholdPct > 100 {
		return errors.New(errors.ErrorTypeConfig, "memory.gc_threshold_pct must be within [0,100]")
	}
	if c.Buffers.MaxTotalBuffers <= 0 {
		return errors.New(errors.ErrorTypeConfig, "buffers.max_total_buffers must be positive")
	}
	switch c.Buffers.Compression {
	case "none", "gzip", "zstd", "lz4":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown buffers.compression %q", c.Buffers.Compression)
	}
	return nil
}
