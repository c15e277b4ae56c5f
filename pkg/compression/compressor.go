// Package compression provides byte-buffer compression for harnesskit with
// pluggable algorithms and pooled compressor instances. The session pool's
// buffer cache uses it to keep captured output under its size budget; gzip
// is the default, with zstd and lz4 available where ratio or speed matters
// more.
package compression

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/harnesskit/harnesskit/pkg/errors"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None stores bytes verbatim
	None Algorithm = "none"
	// Gzip is the default, widely compatible algorithm
	Gzip Algorithm = "gzip"
	// Zstd favors compression ratio at good speed
	Zstd Algorithm = "zstd"
	// LZ4 favors speed over ratio
	LZ4 Algorithm = "lz4"
)

// Level controls the speed/ratio trade-off.
type Level int

const (
	// Fastest prioritizes speed over ratio
	Fastest Level = 1
	// Default balances speed and ratio
	Default Level = 5
	// Best maximizes ratio
	Best Level = 9
)

// Compressor compresses and decompresses byte slices. Implementations are
// safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// Config selects the algorithm and level for a compressor.
type Config struct {
	Algorithm Algorithm
	Level     Level
}

// DefaultConfig returns the buffer-cache default: gzip at the balanced level.
func DefaultConfig() *Config {
	return &Config{Algorithm: Gzip, Level: Default}
}

// New creates a compressor for the given configuration. A nil config selects
// DefaultConfig.
func New(config *Config) (Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Algorithm {
	case None:
		return noneCompressor{}, nil
	case Gzip:
		return newGzipCompressor(config.Level), nil
	case Zstd:
		return newZstdCompressor(config.Level)
	case LZ4:
		return newLZ4Compressor(config.Level), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeCapability, "unsupported compression algorithm: %s", config.Algorithm)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return None }

type gzipCompressor struct {
	writerPool sync.Pool
	readerPool sync.Pool
}

func newGzipCompressor(level Level) *gzipCompressor {
	gzLevel := gzip.DefaultCompression
	switch level {
	case Fastest:
		gzLevel = gzip.BestSpeed
	case Best:
		gzLevel = gzip.BestCompression
	}

	gc := &gzipCompressor{}
	gc.writerPool.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, gzLevel)
		return w
	}
	gc.readerPool.New = func() interface{} {
		return new(gzip.Reader)
	}
	return gc
}

func (gc *gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 64)

	w := gc.writerPool.Get().(*gzip.Writer)
	defer gc.writerPool.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gc *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r := gc.readerPool.Get().(*gzip.Reader)
	defer gc.readerPool.Put(r)

	if err := r.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gc *gzipCompressor) Algorithm() Algorithm { return Gzip }

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor(level Level) (*zstdCompressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case Fastest:
		encLevel = zstd.SpeedFastest
	case Best:
		encLevel = zstd.SpeedBestCompression
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zc.enc.EncodeAll(data, nil), nil
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return zc.dec.DecodeAll(data, nil)
}

func (zc *zstdCompressor) Algorithm() Algorithm { return Zstd }

type lz4Compressor struct {
	level lz4.CompressionLevel
}

func newLZ4Compressor(level Level) *lz4Compressor {
	lc := &lz4Compressor{level: lz4.Fast}
	switch level {
	case Default:
		lc.level = lz4.Level5
	case Best:
		lc.level = lz4.Level9
	}
	return lc
}

func (lc *lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 64)

	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lc.level)); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lc *lz4Compressor) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lc *lz4Compressor) Algorithm() Algorithm { return LZ4 }
