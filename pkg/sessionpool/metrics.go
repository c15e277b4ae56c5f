package sessionpool

import (
	"sort"
	"sync"
	"time"

	"github.com/harnesskit/harnesskit/pkg/observability"
)

// latencyWindowSize is the number of recent acquisition latencies kept for
// percentile calculation.
const latencyWindowSize = 100

// latencyWindow is a fixed-size ring of recent durations.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) record(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
	w.mu.Unlock()
}

// snapshot returns the current window contents, oldest ordering not
// preserved (percentiles don't need it).
func (w *latencyWindow) snapshot() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	out := make([]time.Duration, n)
	copy(out, w.samples[:n])
	return out
}

func (w *latencyWindow) stats() (avg, p95, p99 time.Duration) {
	samples := w.snapshot()
	if len(samples) == 0 {
		return 0, 0, 0
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var total time.Duration
	for _, s := range samples {
		total += s
	}
	avg = total / time.Duration(len(samples))
	p95 = samples[percentileIndex(len(samples), 95)]
	p99 = samples[percentileIndex(len(samples), 99)]
	return avg, p95, p99
}

// percentileIndex returns the nearest-rank index (ceiling, not truncation,
// so small windows report the high end rather than collapsing to the
// minimum sample).
func percentileIndex(n, pct int) int {
	idx := (n*pct+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Stats is a point-in-time snapshot of pool state and acquisition latency.
type Stats struct {
	MaxPoolSize   int   `json:"max_pool_size"`
	Total         int   `json:"total"`
	InUse         int   `json:"in_use"`
	Idle          int   `json:"idle"`
	Pending       int   `json:"pending"`
	Acquisitions  int64 `json:"acquisitions"`
	Timeouts      int64 `json:"timeouts"`
	Evictions     int64 `json:"evictions"`
	ResetFailures int64 `json:"reset_failures"`

	AvgAcquireLatency time.Duration `json:"avg_acquire_latency"`
	P95AcquireLatency time.Duration `json:"p95_acquire_latency"`
	P99AcquireLatency time.Duration `json:"p99_acquire_latency"`

	Buffers BufferStats  `json:"buffers"`
	Memory  MemorySample `json:"memory"`
}

// Stats returns a snapshot of pool occupancy, buffer cache state, memory
// usage and the rolling acquisition-latency window.
func (p *Pool[R]) Stats() Stats {
	p.mu.Lock()
	stats := Stats{
		MaxPoolSize:   p.opts.MaxPoolSize,
		Total:         len(p.resources),
		Pending:       len(p.pendings),
		Acquisitions:  p.acquisitions.Load(),
		Timeouts:      p.timeouts.Load(),
		Evictions:     p.evictions.Load(),
		ResetFailures: p.resetFailures.Load(),
	}
	for _, pr := range p.resources {
		if pr.InUse {
			stats.InUse++
		} else {
			stats.Idle++
		}
	}
	p.mu.Unlock()

	stats.AvgAcquireLatency, stats.P95AcquireLatency, stats.P99AcquireLatency = p.lat.stats()
	stats.Buffers = p.buffers.Stats()
	if sample, err := p.opts.Memory.Sampler(); err == nil {
		stats.Memory = sample
	}

	observability.SetPoolOccupancy(stats.InUse, stats.Idle, stats.Pending)
	observability.SetBufferCache(stats.Buffers.Count, stats.Buffers.TotalBytes)

	return stats
}

// recordAcquire records one successful acquisition.
func (p *Pool[R]) recordAcquire(start time.Time, outcome string) {
	d := time.Since(start)
	p.acquisitions.Add(1)
	p.lat.record(d)
	observability.ObserveAcquisition(outcome, d)

	if p.hooks.OnMetricsUpdated != nil {
		p.hooks.OnMetricsUpdated(p.Stats())
	}
}
