// Package sessionpool bounds concurrent usage of expensive, reusable session
// resources. Resources come from an injected Factory; the pool serves
// acquisitions from idle matches first, creates under the size bound second,
// and queues callers FIFO third. Idle and aged resources are evicted on a
// timer or on demand under memory pressure, and an auxiliary byte-buffer
// cache holds captured output under a capacity bound with LRU rotation.
//
// Resources and buffers are owned by the pool between Acquire and
// Release/Destroy; callers must not retain references after Release.
package sessionpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/harnesskit/harnesskit/pkg/errors"
	"github.com/harnesskit/harnesskit/pkg/observability"
)

// Factory creates, resets and destroys pooled resources. Create typically
// spawns a process through a procman.Supervisor; Reset returns a used
// resource to a clean reusable state; Destroy releases it for good.
type Factory[R comparable] interface {
	Create(ctx context.Context, cfg ResourceConfig) (R, error)
	Reset(r R) error
	Destroy(r R) error
}

// ResourceConfig is the pool-relevant subset of a session request. Two
// requests are pool-compatible iff their Keys are equal.
type ResourceConfig struct {
	Profile string
	WorkDir string
	Cols    int
	Rows    int
}

// Key canonicalizes the config over a fixed, ordered field list so that key
// stability does not depend on struct field ordering or zero-vs-absent
// differences.
func (c ResourceConfig) Key() string {
	return "profile=" + c.Profile +
		"|workdir=" + c.WorkDir +
		"|cols=" + strconv.Itoa(c.Cols) +
		"|rows=" + strconv.Itoa(c.Rows)
}

// PooledResource wraps one factory-created resource with pool bookkeeping.
type PooledResource[R comparable] struct {
	ID        string
	Resource  R
	Key       string
	CreatedAt time.Time
	LastUsed  time.Time
	UseCount  int64
	InUse     bool
}

// pendingAcquisition exists only between a blocked Acquire and either a
// matching release or its deadline. It is removed from the queue exactly
// once, under the pool mutex, by whichever path fires first.
type pendingAcquisition[R comparable] struct {
	key        string
	ch         chan *PooledResource[R] // buffered; at most one send
	enqueuedAt time.Time
}

// Options configures the pool. Zero values fall back to DefaultOptions.
type Options struct {
	MaxPoolSize     int
	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	MaxAge          time.Duration
	CleanupInterval time.Duration

	Buffers BufferOptions
	Memory  MemoryOptions
}

// DefaultOptions returns pool defaults sized for interactive test harness
// sessions (single digits to low tens of resources).
func DefaultOptions() Options {
	return Options{
		MaxPoolSize:     8,
		AcquireTimeout:  30 * time.Second,
		IdleTimeout:     5 * time.Minute,
		MaxAge:          30 * time.Minute,
		CleanupInterval: time.Minute,
		Buffers:         DefaultBufferOptions(),
		Memory:          DefaultMemoryOptions(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = def.MaxPoolSize
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = def.AcquireTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.MaxAge <= 0 {
		o.MaxAge = def.MaxAge
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = def.CleanupInterval
	}
	o.Buffers = o.Buffers.withDefaults()
	o.Memory = o.Memory.withDefaults()
	return o
}

// Pool is the bounded session-resource pool. All methods are safe for
// concurrent use; the resource map and pending queue share one mutex, the
// buffer cache carries its own.
type Pool[R comparable] struct {
	opts    Options
	factory Factory[R]
	logger  *zap.Logger
	hooks   Hooks

	mu         sync.Mutex
	resources  map[string]*PooledResource[R] // by ID
	byResource map[R]*PooledResource[R]
	pendings   []*pendingAcquisition[R]
	creating   int // slots reserved for in-flight factory.Create calls
	destroyed  bool

	buffers *BufferCache
	lat     *latencyWindow

	stopCh    chan struct{}
	timerWG   sync.WaitGroup
	idSeq     atomic.Uint64
	destroyOn sync.Once

	acquisitions  atomic.Int64
	timeouts      atomic.Int64
	evictions     atomic.Int64
	resetFailures atomic.Int64
}

// New creates a pool over the given factory and starts its cleanup and
// memory-monitor timers.
func New[R comparable](factory Factory[R], opts Options, hooks Hooks, logger *zap.Logger) (*Pool[R], error) {
	if factory == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "factory is required")
	}
	opts = opts.withDefaults()

	buffers, err := newBufferCache(opts.Buffers, hooks, logger)
	if err != nil {
		return nil, err
	}

	p := &Pool[R]{
		opts:       opts,
		factory:    factory,
		logger:     logger.With(zap.String("component", "sessionpool")),
		hooks:      hooks,
		resources:  make(map[string]*PooledResource[R]),
		byResource: make(map[R]*PooledResource[R]),
		buffers:    buffers,
		lat:        newLatencyWindow(latencyWindowSize),
		stopCh:     make(chan struct{}),
	}

	p.timerWG.Add(2)
	go p.cleanupLoop()
	go p.memoryLoop()

	return p, nil
}

// Acquire returns a session resource for the given config: an idle match if
// one exists, a fresh resource if the pool has room, otherwise the caller is
// queued FIFO until a matching release or the acquire timeout.
func (p *Pool[R]) Acquire(ctx context.Context, cfg ResourceConfig) (R, error) {
	var zero R
	start := time.Now()
	key := cfg.Key()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return zero, errors.New(errors.ErrorTypeUnavailable, "pool is shutting down")
	}

	// Idle match. O(pool size) scan is fine at target pool sizes.
	if pr := p.idleMatchLocked(key); pr != nil {
		pr.InUse = true
		pr.LastUsed = time.Now()
		pr.UseCount++
		p.mu.Unlock()

		p.recordAcquire(start, "reused")
		p.logger.Debug("reusing pooled resource",
			zap.String("id", pr.ID),
			zap.Int64("use_count", pr.UseCount))
		return pr.Resource, nil
	}

	// Room to create. The slot is reserved before releasing the mutex so the
	// size bound holds while the factory runs.
	if len(p.resources)+p.creating < p.opts.MaxPoolSize {
		p.creating++
		p.mu.Unlock()

		resource, err := p.factory.Create(ctx, cfg)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return zero, errors.Wrap(err, errors.ErrorTypeInternal, "factory failed to create resource")
		}
		if p.destroyed {
			p.mu.Unlock()
			p.destroyResource(resource)
			return zero, errors.New(errors.ErrorTypeUnavailable, "pool is shutting down")
		}

		pr := &PooledResource[R]{
			ID:        p.nextID(),
			Resource:  resource,
			Key:       key,
			CreatedAt: time.Now(),
			LastUsed:  time.Now(),
			UseCount:  1,
			InUse:     true,
		}
		p.resources[pr.ID] = pr
		p.byResource[resource] = pr
		p.mu.Unlock()

		p.recordAcquire(start, "created")
		if p.hooks.OnResourceCreated != nil {
			p.hooks.OnResourceCreated(pr.ID, key)
		}
		p.logger.Debug("created pooled resource",
			zap.String("id", pr.ID),
			zap.String("key", key))
		return resource, nil
	}

	// Full: queue the caller.
	pending := &pendingAcquisition[R]{
		key:        key,
		ch:         make(chan *PooledResource[R], 1),
		enqueuedAt: time.Now(),
	}
	p.pendings = append(p.pendings, pending)
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case pr, ok := <-pending.ch:
		if !ok {
			return zero, errors.New(errors.ErrorTypeUnavailable, "pool is shutting down")
		}
		p.recordAcquire(start, "queued")
		return pr.Resource, nil

	case <-timer.C:
		if p.removePending(pending) {
			p.timeouts.Add(1)
			return zero, errors.Newf(errors.ErrorTypeTimeout,
				"acquisition timed out after %s", p.opts.AcquireTimeout)
		}
		// Either a release satisfied the pending concurrently with the
		// timer (the send is committed) or Destroy claimed it.
		pr, ok := <-pending.ch
		if !ok {
			return zero, errors.New(errors.ErrorTypeUnavailable, "pool is shutting down")
		}
		p.recordAcquire(start, "queued")
		return pr.Resource, nil

	case <-ctx.Done():
		if p.removePending(pending) {
			return zero, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "acquisition cancelled")
		}
		pr, ok := <-pending.ch
		if !ok {
			return zero, errors.New(errors.ErrorTypeUnavailable, "pool is shutting down")
		}
		p.recordAcquire(start, "queued")
		return pr.Resource, nil
	}
}

// Release returns a resource to the pool. The resource is reset first; if
// the reset fails it is destroyed instead of poisoning the idle set. A
// successful release wakes at most one FIFO-earliest pending acquisition
// whose key matches an idle resource.
func (p *Pool[R]) Release(resource R) error {
	p.mu.Lock()
	pr, ok := p.byResource[resource]
	if !ok {
		p.mu.Unlock()
		return errors.New(errors.ErrorTypeNotFound, "resource is not managed by this pool")
	}
	if p.destroyed {
		p.mu.Unlock()
		p.destroyResource(resource)
		return nil
	}
	p.mu.Unlock()

	if err := p.factory.Reset(resource); err != nil {
		p.resetFailures.Add(1)
		p.logger.Warn("reset failed, destroying resource",
			zap.String("id", pr.ID),
			zap.Error(err))
		p.removeResource(pr, "reset_failure")
		return nil
	}

	p.mu.Lock()
	pr.InUse = false
	pr.LastUsed = time.Now()
	p.satisfyPendingLocked()
	p.mu.Unlock()

	return nil
}

// idleMatchLocked returns an idle resource with the given key, or nil.
func (p *Pool[R]) idleMatchLocked(key string) *PooledResource[R] {
	for _, pr := range p.resources {
		if !pr.InUse && pr.Key == key {
			return pr
		}
	}
	return nil
}

// satisfyPendingLocked wakes the FIFO-earliest pending acquisition whose key
// matches an idle resource. At most one waiter is woken per call.
func (p *Pool[R]) satisfyPendingLocked() {
	for i, pending := range p.pendings {
		pr := p.idleMatchLocked(pending.key)
		if pr == nil {
			continue
		}
		pr.InUse = true
		pr.LastUsed = time.Now()
		pr.UseCount++
		p.pendings = append(p.pendings[:i], p.pendings[i+1:]...)
		pending.ch <- pr
		return
	}
}

// removePending removes the pending acquisition from the queue. It reports
// false when a release already claimed it, which commits the releaser to
// sending on its channel.
func (p *Pool[R]) removePending(pending *pendingAcquisition[R]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.pendings {
		if cand == pending {
			p.pendings = append(p.pendings[:i], p.pendings[i+1:]...)
			return true
		}
	}
	return false
}

// CleanupIdle destroys idle resources past the idle timeout or maximum age.
// In-use resources are never touched. Returns the number destroyed.
func (p *Pool[R]) CleanupIdle() int {
	now := time.Now()

	p.mu.Lock()
	victims := make([]*PooledResource[R], 0)
	for _, pr := range p.resources {
		if pr.InUse {
			continue
		}
		if now.Sub(pr.LastUsed) >= p.opts.IdleTimeout || now.Sub(pr.CreatedAt) >= p.opts.MaxAge {
			victims = append(victims, pr)
		}
	}
	for _, pr := range victims {
		delete(p.resources, pr.ID)
		delete(p.byResource, pr.Resource)
	}
	p.mu.Unlock()

	for _, pr := range victims {
		p.evictions.Add(1)
		observability.IncEviction("idle")
		p.destroyResource(pr.Resource)
		if p.hooks.OnResourceDestroyed != nil {
			p.hooks.OnResourceDestroyed(pr.ID, "idle_eviction")
		}
	}

	if len(victims) > 0 {
		p.logger.Info("evicted idle resources", zap.Int("count", len(victims)))
	}
	return len(victims)
}

// evictAllIdle destroys every idle resource regardless of age. Used by the
// aggressive memory-pressure response.
func (p *Pool[R]) evictAllIdle() int {
	p.mu.Lock()
	victims := make([]*PooledResource[R], 0)
	for _, pr := range p.resources {
		if !pr.InUse {
			victims = append(victims, pr)
		}
	}
	for _, pr := range victims {
		delete(p.resources, pr.ID)
		delete(p.byResource, pr.Resource)
	}
	p.mu.Unlock()

	for _, pr := range victims {
		p.evictions.Add(1)
		observability.IncEviction("memory")
		p.destroyResource(pr.Resource)
		if p.hooks.OnResourceDestroyed != nil {
			p.hooks.OnResourceDestroyed(pr.ID, "memory_pressure")
		}
	}
	return len(victims)
}

// removeResource drops one resource from the pool and destroys it.
func (p *Pool[R]) removeResource(pr *PooledResource[R], reason string) {
	p.mu.Lock()
	delete(p.resources, pr.ID)
	delete(p.byResource, pr.Resource)
	p.mu.Unlock()

	observability.IncEviction(reason)
	p.destroyResource(pr.Resource)
	if p.hooks.OnResourceDestroyed != nil {
		p.hooks.OnResourceDestroyed(pr.ID, reason)
	}
}

// destroyResource destroys a resource, logging and swallowing failures so
// cleanup paths are never blocked by a single misbehaving resource.
func (p *Pool[R]) destroyResource(resource R) {
	if err := p.factory.Destroy(resource); err != nil {
		p.logger.Warn("failed to destroy resource", zap.Error(err))
	}
}

// Buffers exposes the pool's byte-buffer cache.
func (p *Pool[R]) Buffers() *BufferCache {
	return p.buffers
}

// Destroy shuts the pool down: timers stop, every pending acquisition is
// rejected, every resource is destroyed tolerating individual failures, the
// buffer cache is cleared and a final GC hint runs. Idempotent.
func (p *Pool[R]) Destroy() {
	p.destroyOn.Do(func() {
		p.mu.Lock()
		p.destroyed = true
		pendings := p.pendings
		p.pendings = nil
		resources := make([]*PooledResource[R], 0, len(p.resources))
		for _, pr := range p.resources {
			resources = append(resources, pr)
		}
		p.resources = make(map[string]*PooledResource[R])
		p.byResource = make(map[R]*PooledResource[R])
		p.mu.Unlock()

		close(p.stopCh)
		p.timerWG.Wait()

		// Rejected waiters see a closed channel; Acquire translates that
		// into a shutdown error.
		for _, pending := range pendings {
			close(pending.ch)
		}

		for _, pr := range resources {
			p.destroyResource(pr.Resource)
			if p.hooks.OnResourceDestroyed != nil {
				p.hooks.OnResourceDestroyed(pr.ID, "shutdown")
			}
		}

		p.buffers.Clear()
		p.gcHint()

		p.logger.Info("pool destroyed",
			zap.Int("resources_destroyed", len(resources)),
			zap.Int("pendings_rejected", len(pendings)))

		if p.hooks.OnDestroyed != nil {
			p.hooks.OnDestroyed()
		}
	})
}

// cleanupLoop runs CleanupIdle on the configured interval.
func (p *Pool[R]) cleanupLoop() {
	defer p.timerWG.Done()
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.CleanupIdle()
		case <-p.stopCh:
			return
		}
	}
}

// gcHint nudges the runtime to collect and return memory to the OS.
func (p *Pool[R]) gcHint() {
	runtime.GC()
	debug.FreeOSMemory()
	if p.hooks.OnGCTriggered != nil {
		p.hooks.OnGCTriggered()
	}
}

func (p *Pool[R]) nextID() string {
	return fmt.Sprintf("res-%d", p.idSeq.Add(1))
}
