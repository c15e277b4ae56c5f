package sessionpool

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/harnesskit/harnesskit/pkg/compression"
	"github.com/harnesskit/harnesskit/pkg/errors"
)

// BufferOptions configures the pool's byte-buffer cache.
type BufferOptions struct {
	// MaxTotalBuffers caps the number of cached entries. Hitting the cap
	// forces a rotation before the new entry is stored.
	MaxTotalBuffers int
	// Compression selects the algorithm used for compressed entries.
	Compression *compression.Config
}

// DefaultBufferOptions returns the buffer-cache defaults.
func DefaultBufferOptions() BufferOptions {
	return BufferOptions{
		MaxTotalBuffers: 64,
		Compression:     compression.DefaultConfig(),
	}
}

func (o BufferOptions) withDefaults() BufferOptions {
	def := DefaultBufferOptions()
	if o.MaxTotalBuffers <= 0 {
		o.MaxTotalBuffers = def.MaxTotalBuffers
	}
	if o.Compression == nil {
		o.Compression = def.Compression
	}
	return o
}

// BufferEntry is one cached byte payload. Its lifecycle is independent from
// pooled resources.
type BufferEntry struct {
	ID           string
	data         []byte
	Compressed   bool
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	originalSize int64
}

// BufferStats is a point-in-time snapshot of the cache.
type BufferStats struct {
	Count            int     `json:"count"`
	TotalBytes       int64   `json:"total_bytes"`
	OriginalBytes    int64   `json:"original_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// BufferCache is a capacity-bounded cache of byte buffers with optional
// compression and oldest-first rotation. Safe for concurrent use.
type BufferCache struct {
	logger *zap.Logger
	hooks  Hooks
	opts   BufferOptions
	comp   compression.Compressor

	mu      sync.Mutex
	entries map[string]*BufferEntry

	totalBytes    int64
	originalBytes int64
	idSeq         atomic.Uint64
}

func newBufferCache(opts BufferOptions, hooks Hooks, logger *zap.Logger) (*BufferCache, error) {
	comp, err := compression.New(opts.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid buffer compression config")
	}
	return &BufferCache{
		logger:  logger.With(zap.String("component", "buffer_cache")),
		hooks:   hooks,
		opts:    opts,
		comp:    comp,
		entries: make(map[string]*BufferEntry),
	}, nil
}

// Create stores a payload, compressing it when requested, and returns the
// entry ID. When the cache is at capacity a rotation removes the half with
// the oldest last access first. A failed compression is logged and the
// payload stored raw; storage itself never fails for that reason.
func (bc *BufferCache) Create(data []byte, compress bool) string {
	stored := data
	compressed := false
	if compress {
		out, err := bc.comp.Compress(data)
		if err != nil {
			bc.logger.Warn("compression failed, storing raw", zap.Error(err))
		} else {
			stored = out
			compressed = true
		}
	}

	bc.mu.Lock()
	if len(bc.entries) >= bc.opts.MaxTotalBuffers {
		// At capacity 1 the half-rotation rounds to zero; at least one entry
		// must go or the cap is exceeded.
		n := len(bc.entries) / 2
		if n == 0 {
			n = 1
		}
		bc.rotateLocked(n)
	}

	now := time.Now()
	entry := &BufferEntry{
		ID:           fmt.Sprintf("buf-%d", bc.idSeq.Add(1)),
		data:         stored,
		Compressed:   compressed,
		CreatedAt:    now,
		LastAccessed: now,
		originalSize: int64(len(data)),
	}
	bc.entries[entry.ID] = entry
	bc.totalBytes += int64(len(stored))
	bc.originalBytes += entry.originalSize
	bc.mu.Unlock()

	return entry.ID
}

// Get returns the decompressed payload for the ID and bumps its access
// bookkeeping.
func (bc *BufferCache) Get(id string) ([]byte, error) {
	bc.mu.Lock()
	entry, ok := bc.entries[id]
	if !ok {
		bc.mu.Unlock()
		return nil, errors.Newf(errors.ErrorTypeNotFound, "buffer %s not found", id)
	}
	entry.LastAccessed = time.Now()
	entry.AccessCount++
	data := entry.data
	compressed := entry.Compressed
	bc.mu.Unlock()

	if !compressed {
		return data, nil
	}
	out, err := bc.comp.Decompress(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decompress buffer")
	}
	return out, nil
}

// Destroy removes an entry. Unknown IDs are a no-op returning false.
func (bc *BufferCache) Destroy(id string) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	entry, ok := bc.entries[id]
	if !ok {
		return false
	}
	bc.removeLocked(entry)
	return true
}

// ForceRotate removes the oldest-by-last-access half of the cache.
func (bc *BufferCache) ForceRotate() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.rotateLocked(len(bc.entries) / 2)
}

// KeepMostRecent removes everything except the n most recently accessed
// entries. Used by the aggressive memory-pressure response.
func (bc *BufferCache) KeepMostRecent(n int) int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.entries) <= n {
		return 0
	}
	return bc.rotateLocked(len(bc.entries) - n)
}

// rotateLocked removes exactly the n entries with the oldest LastAccessed,
// never an arbitrary subset.
func (bc *BufferCache) rotateLocked(n int) int {
	if n <= 0 || len(bc.entries) == 0 {
		return 0
	}
	if n > len(bc.entries) {
		n = len(bc.entries)
	}

	byAge := make([]*BufferEntry, 0, len(bc.entries))
	for _, entry := range bc.entries {
		byAge = append(byAge, entry)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].LastAccessed.Before(byAge[j].LastAccessed)
	})

	for _, entry := range byAge[:n] {
		bc.removeLocked(entry)
	}

	bc.logger.Debug("rotated buffers",
		zap.Int("removed", n),
		zap.Int("remaining", len(bc.entries)))
	if bc.hooks.OnBufferRotated != nil {
		bc.hooks.OnBufferRotated(n)
	}
	return n
}

func (bc *BufferCache) removeLocked(entry *BufferEntry) {
	delete(bc.entries, entry.ID)
	bc.totalBytes -= int64(len(entry.data))
	bc.originalBytes -= entry.originalSize
}

// Clear empties the cache.
func (bc *BufferCache) Clear() {
	bc.mu.Lock()
	bc.entries = make(map[string]*BufferEntry)
	bc.totalBytes = 0
	bc.originalBytes = 0
	bc.mu.Unlock()
}

// Stats returns a snapshot of cache occupancy and compression effectiveness.
func (bc *BufferCache) Stats() BufferStats {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	stats := BufferStats{
		Count:         len(bc.entries),
		TotalBytes:    bc.totalBytes,
		OriginalBytes: bc.originalBytes,
	}
	if bc.totalBytes > 0 {
		stats.CompressionRatio = float64(bc.originalBytes) / float64(bc.totalBytes)
	}
	return stats
}

// Len returns the number of cached entries.
func (bc *BufferCache) Len() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.entries)
}
