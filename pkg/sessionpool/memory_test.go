package sessionpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryEvents collects monitor callbacks for assertion.
type memoryEvents struct {
	mu       sync.Mutex
	warnings []MemorySample
	alerts   []MemorySample
	gcs      int
}

func (e *memoryEvents) hooks() Hooks {
	return Hooks{
		OnMemoryWarning: func(s MemorySample) {
			e.mu.Lock()
			e.warnings = append(e.warnings, s)
			e.mu.Unlock()
		},
		OnMemoryAlert: func(s MemorySample) {
			e.mu.Lock()
			e.alerts = append(e.alerts, s)
			e.mu.Unlock()
		},
		OnGCTriggered: func() {
			e.mu.Lock()
			e.gcs++
			e.mu.Unlock()
		},
	}
}

func (e *memoryEvents) counts() (warnings, alerts, gcs int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.warnings), len(e.alerts), e.gcs
}

func memoryTestOptions(sample MemorySample) Options {
	opts := testOptions()
	opts.Memory = MemoryOptions{
		CheckInterval:  time.Hour,
		MaxHeapUsed:    100,
		MaxRSS:         1000,
		GCThresholdPct: 70,
		Sampler:        func() (MemorySample, error) { return sample, nil },
	}
	return opts
}

func TestCheckMemoryBelowThresholdsDoesNothing(t *testing.T) {
	events := &memoryEvents{}
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, memoryTestOptions(MemorySample{HeapUsed: 50, RSS: 100}), events.hooks())

	pool.CheckMemory()

	warnings, alerts, gcs := events.counts()
	assert.Zero(t, warnings)
	assert.Zero(t, alerts)
	assert.Zero(t, gcs)
}

func TestCheckMemoryGCThresholdWarning(t *testing.T) {
	// Heap at 75% of the limit with a 70% threshold: GC hint plus warning,
	// no eviction.
	events := &memoryEvents{}
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, memoryTestOptions(MemorySample{HeapUsed: 75, RSS: 100}), events.hooks())

	r1, err := pool.Acquire(context.Background(), ResourceConfig{Profile: "default"})
	require.NoError(t, err)
	require.NoError(t, pool.Release(r1))

	pool.CheckMemory()

	warnings, alerts, gcs := events.counts()
	assert.Equal(t, 1, warnings)
	assert.Zero(t, alerts)
	assert.Equal(t, 1, gcs)
	assert.Equal(t, 1, pool.Stats().Total)
}

func TestCheckMemoryHeapLimitCleansUp(t *testing.T) {
	events := &memoryEvents{}
	factory := &fakeFactory{}
	opts := memoryTestOptions(MemorySample{HeapUsed: 150, RSS: 100})
	opts.IdleTimeout = time.Nanosecond
	pool := newTestPool(t, factory, opts, events.hooks())

	r1, err := pool.Acquire(context.Background(), ResourceConfig{Profile: "default"})
	require.NoError(t, err)
	require.NoError(t, pool.Release(r1))
	time.Sleep(time.Millisecond)

	for i := 0; i < 4; i++ {
		pool.Buffers().Create([]byte{byte(i)}, false)
	}

	pool.CheckMemory()

	warnings, alerts, _ := events.counts()
	assert.Zero(t, warnings)
	assert.Equal(t, 1, alerts)

	// Idle resources past the timeout are gone and half the buffers rotated.
	assert.Equal(t, 0, pool.Stats().Total)
	assert.Equal(t, 2, pool.Buffers().Len())
}

func TestCheckMemoryRSSLimitAggressiveCleanup(t *testing.T) {
	events := &memoryEvents{}
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, memoryTestOptions(MemorySample{HeapUsed: 10, RSS: 5000}), events.hooks())

	// One idle (fresh, would survive CleanupIdle) and one in use.
	cfg := ResourceConfig{Profile: "default"}
	r1, err := pool.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	r2, err := pool.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, pool.Release(r1))

	for i := 0; i < 8; i++ {
		pool.Buffers().Create([]byte{byte(i)}, false)
	}

	pool.CheckMemory()

	_, alerts, gcs := events.counts()
	assert.Equal(t, 1, alerts)
	assert.Equal(t, 1, gcs)

	// Every idle resource is evicted regardless of age; in-use survives.
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 5, pool.Buffers().Len())

	require.NoError(t, pool.Release(r2))
}

func TestCheckMemoryDisabledLimits(t *testing.T) {
	events := &memoryEvents{}
	factory := &fakeFactory{}
	opts := testOptions()
	opts.Memory = MemoryOptions{
		CheckInterval: time.Hour,
		MaxHeapUsed:   0,
		MaxRSS:        0,
		Sampler: func() (MemorySample, error) {
			return MemorySample{HeapUsed: 1 << 40, RSS: 1 << 40}, nil
		},
	}
	pool := newTestPool(t, factory, opts, events.hooks())

	pool.CheckMemory()

	warnings, alerts, _ := events.counts()
	assert.Zero(t, warnings)
	assert.Zero(t, alerts)
}

func TestDefaultSamplerReportsUsage(t *testing.T) {
	sampler := defaultSampler()
	sample, err := sampler()
	require.NoError(t, err)
	assert.Greater(t, sample.HeapUsed, uint64(0))
}
