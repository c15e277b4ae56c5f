package sessionpool

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// MemorySample is one observation of process and system memory usage.
type MemorySample struct {
	HeapUsed      uint64  `json:"heap_used"`
	RSS           uint64  `json:"rss"`
	SystemUsedPct float64 `json:"system_used_pct"`
}

// Sampler produces memory samples. The default reads the Go heap via
// runtime.MemStats and the process RSS via gopsutil; tests inject their own.
type Sampler func() (MemorySample, error)

// MemoryOptions configures the pool's memory monitor. Three thresholds
// trigger escalating responses: the soft GC threshold, the heap limit and
// the RSS limit.
type MemoryOptions struct {
	CheckInterval time.Duration
	// MaxHeapUsed is the heap budget in bytes. 0 disables heap checks.
	MaxHeapUsed uint64
	// MaxRSS is the resident-set budget in bytes. 0 disables RSS checks.
	MaxRSS uint64
	// GCThresholdPct is the percentage of MaxHeapUsed at which a GC hint
	// is attempted before any eviction happens.
	GCThresholdPct float64
	Sampler        Sampler
}

// DefaultMemoryOptions returns monitor defaults.
func DefaultMemoryOptions() MemoryOptions {
	return MemoryOptions{
		CheckInterval:  30 * time.Second,
		MaxHeapUsed:    512 << 20,
		MaxRSS:         1 << 30,
		GCThresholdPct: 70,
	}
}

func (o MemoryOptions) withDefaults() MemoryOptions {
	def := DefaultMemoryOptions()
	if o.CheckInterval <= 0 {
		o.CheckInterval = def.CheckInterval
	}
	if o.GCThresholdPct <= 0 {
		o.GCThresholdPct = def.GCThresholdPct
	}
	if o.Sampler == nil {
		o.Sampler = defaultSampler()
	}
	return o
}

func defaultSampler() Sampler {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return func() (MemorySample, error) {
		var sample MemorySample

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		sample.HeapUsed = memStats.HeapAlloc

		if proc != nil {
			if info, err := proc.MemoryInfo(); err == nil {
				sample.RSS = info.RSS
			}
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			sample.SystemUsedPct = vm.UsedPercent
		}
		return sample, nil
	}
}

// memoryLoop periodically samples memory and feeds eviction.
func (p *Pool[R]) memoryLoop() {
	defer p.timerWG.Done()
	ticker := time.NewTicker(p.opts.Memory.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.CheckMemory()
		case <-p.stopCh:
			return
		}
	}
}

// CheckMemory samples memory once and applies the escalation policy:
// soft threshold → GC hint and warning; heap limit → idle cleanup, forced
// buffer rotation and alert; RSS limit → evict all idle resources, keep only
// the five most recently accessed buffers and force a GC hint.
func (p *Pool[R]) CheckMemory() {
	opts := p.opts.Memory

	sample, err := opts.Sampler()
	if err != nil {
		p.logger.Warn("memory sampling failed", zap.Error(err))
		return
	}

	switch {
	case opts.MaxRSS > 0 && sample.RSS >= opts.MaxRSS:
		evicted := p.evictAllIdle()
		removed := p.buffers.KeepMostRecent(5)
		p.gcHint()
		p.logger.Warn("rss limit exceeded, aggressive cleanup",
			zap.Uint64("rss", sample.RSS),
			zap.Uint64("max_rss", opts.MaxRSS),
			zap.Int("evicted", evicted),
			zap.Int("buffers_removed", removed))
		if p.hooks.OnMemoryAlert != nil {
			p.hooks.OnMemoryAlert(sample)
		}

	case opts.MaxHeapUsed > 0 && sample.HeapUsed >= opts.MaxHeapUsed:
		evicted := p.CleanupIdle()
		removed := p.buffers.ForceRotate()
		p.logger.Warn("heap limit exceeded, cleaning up",
			zap.Uint64("heap_used", sample.HeapUsed),
			zap.Uint64("max_heap", opts.MaxHeapUsed),
			zap.Int("evicted", evicted),
			zap.Int("buffers_removed", removed))
		if p.hooks.OnMemoryAlert != nil {
			p.hooks.OnMemoryAlert(sample)
		}

	case opts.MaxHeapUsed > 0 &&
		float64(sample.HeapUsed) >= float64(opts.MaxHeapUsed)*opts.GCThresholdPct/100:
		p.gcHint()
		p.logger.Info("heap usage above gc threshold",
			zap.Uint64("heap_used", sample.HeapUsed),
			zap.Float64("threshold_pct", opts.GCThresholdPct))
		if p.hooks.OnMemoryWarning != nil {
			p.hooks.OnMemoryWarning(sample)
		}
	}
}
