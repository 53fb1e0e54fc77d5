package vecfs

import (
	"fmt"

	"github.com/grepd/vecfs/codec"
	"github.com/grepd/vecfs/distance"
	"github.com/grepd/vecfs/internal/compress"
	"github.com/grepd/vecfs/internal/fs"
	"github.com/grepd/vecfs/quantize"
	"github.com/grepd/vecfs/resource"
)

// Compression selects the point-file compression codec.
type Compression int

const (
	// CompressionNone stores point files as plain JSON.
	CompressionNone Compression = iota
	// CompressionZstd compresses point files with zstd (better ratio).
	CompressionZstd
	// CompressionLZ4 compresses point files with lz4 (faster).
	CompressionLZ4
)

func (c Compression) codec() (compress.Codec, error) {
	switch c {
	case CompressionNone:
		return compress.None{}, nil
	case CompressionZstd:
		return compress.Zstd{}, nil
	case CompressionLZ4:
		return compress.LZ4{}, nil
	default:
		return nil, fmt.Errorf("unknown compression: %d", c)
	}
}

type options struct {
	fsys         fs.FileSystem
	codec        codec.Codec
	compression  Compression
	depthFactor  int
	metric       distance.Metric
	prefixLen    int
	minPrefixLen int
	logger       *Logger
	metrics      MetricsCollector
	resources    resource.Config
}

func defaultOptions() options {
	return options{
		fsys:         fs.Default,
		codec:        codec.Default,
		compression:  CompressionNone,
		depthFactor:  quantize.DefaultDepthFactor,
		metric:       distance.MetricCosine,
		prefixLen:    8,
		minPrefixLen: 0,
		logger:       NoopLogger(),
		metrics:      NoopMetricsCollector{},
	}
}

// Option configures Store construction.
type Option func(*options)

// WithFileSystem overrides the file system implementation.
// Primarily used by tests to inject IO faults.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fsys = fsys
		}
	}
}

// WithCodec configures the codec used for manifests and point payloads.
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithCompression selects the point-file compression codec. Reads are
// self-describing per file, so changing this on an existing store only
// affects newly written points.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithDepthFactor sets the number of quantization levels per reduced
// component (2..4). More levels make buckets more selective: fewer false
// candidates per bucket, but nearer misses land in different buckets.
func WithDepthFactor(depth int) Option {
	return func(o *options) {
		o.depthFactor = depth
	}
}

// WithMetric selects the similarity metric for exact re-ranking.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithSearchPrefixLen sets the initial shared-digest-prefix length (in hex
// characters, even, at most 32) for candidate generation. Longer prefixes
// scan fewer buckets per round but widen more often on sparse collections.
func WithSearchPrefixLen(n int) Option {
	return func(o *options) {
		o.prefixLen = n
	}
}

// WithSearchMinPrefixLen bounds how far the prefix requirement relaxes when
// too few candidates are found. 0 (the default) allows falling back to a
// full collection scan; a higher floor trades recall on sparse collections
// for a hard latency bound.
func WithSearchMinPrefixLen(n int) Option {
	return func(o *options) {
		o.minPrefixLen = n
	}
}

// WithLogger configures structured logging. If nil is passed, logging is
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metrics = m
	}
}

// WithResourceLimits bounds parallel candidate loading and scan IO
// throughput.
func WithResourceLimits(maxConcurrentLoads, ioLimitBytesPerSec int64) Option {
	return func(o *options) {
		o.resources = resource.Config{
			MaxConcurrentLoads: maxConcurrentLoads,
			IOLimitBytesPerSec: ioLimitBytesPerSec,
		}
	}
}

func (o *options) validate() error {
	if o.prefixLen < 0 || o.prefixLen > quantize.DigestLen {
		return fmt.Errorf("search prefix length %d out of range [0,%d]", o.prefixLen, quantize.DigestLen)
	}
	if o.prefixLen%2 != 0 {
		return fmt.Errorf("search prefix length %d must be even (whole directory segments)", o.prefixLen)
	}
	if o.minPrefixLen < 0 || o.minPrefixLen > o.prefixLen {
		return fmt.Errorf("minimum prefix length %d out of range [0,%d]", o.minPrefixLen, o.prefixLen)
	}
	if o.minPrefixLen%2 != 0 {
		return fmt.Errorf("minimum prefix length %d must be even (whole directory segments)", o.minPrefixLen)
	}
	return nil
}
