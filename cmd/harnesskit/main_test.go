package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harnesskit/harnesskit/pkg/compression"
	"github.com/harnesskit/harnesskit/pkg/config"
	"github.com/harnesskit/harnesskit/pkg/waiter"
)

func TestPoolOptionsFromConfig(t *testing.T) {
	cfg := config.NewHarnessConfig("test")
	cfg.Pool.MaxPoolSize = 3
	cfg.Pool.AcquireTimeout = 7 * time.Second
	cfg.Buffers.MaxTotalBuffers = 16
	cfg.Buffers.Compression = "zstd"
	cfg.Memory.MaxHeapUsedMB = 256
	cfg.Memory.MaxRSSMB = 512
	cfg.Memory.GCThresholdPct = 80
	cfg.Memory.CheckInterval = time.Minute

	opts := poolOptions(cfg)
	assert.Equal(t, 3, opts.MaxPoolSize)
	assert.Equal(t, 7*time.Second, opts.AcquireTimeout)
	assert.Equal(t, 16, opts.Buffers.MaxTotalBuffers)
	assert.Equal(t, compression.Zstd, opts.Buffers.Compression.Algorithm)
	assert.Equal(t, uint64(256)<<20, opts.Memory.MaxHeapUsed)
	assert.Equal(t, uint64(512)<<20, opts.Memory.MaxRSS)
	assert.Equal(t, 80.0, opts.Memory.GCThresholdPct)
	assert.Equal(t, time.Minute, opts.Memory.CheckInterval)
}

func TestWaiterOptionsFromConfig(t *testing.T) {
	w := config.WaiterConfig{
		Timeout:   3 * time.Second,
		BaseDelay: 20 * time.Millisecond,
		MaxDelay:  time.Second,
		Strategy:  "fibonacci",
		Jitter:    0.2,
	}

	opts := waiterOptions(w)
	assert.Equal(t, 3*time.Second, opts.Timeout)
	assert.Equal(t, 20*time.Millisecond, opts.BaseDelay)
	assert.Equal(t, time.Second, opts.MaxDelay)
	assert.Equal(t, waiter.StrategyFibonacci, opts.Strategy)
	assert.Equal(t, 0.2, opts.Jitter)
}
