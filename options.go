package proxigo

import (
	"log/slog"

	"github.com/proxigo/proxigo/distance"
	"github.com/proxigo/proxigo/hnsw"
	"github.com/proxigo/proxigo/persistence"
	"github.com/proxigo/proxigo/quantize"
)

type options struct {
	metric         distance.Metric
	kind           quantize.Kind
	m              int
	efConstruction int
	efSearch       int
	capacity       int
	maxCapacity    int
	rangeMax       float32
	randomSeed     *int64
	logger         *Logger
	compression    persistence.Compression
}

// Option configures index construction and load behavior.
type Option func(*options)

// WithMetric sets the distance metric. Defaults to MetricL2. MetricHamming
// requires KindB1 storage and vice versa.
func WithMetric(m distance.Metric) Option {
	return func(o *options) { o.metric = m }
}

// WithKind sets the stored vector encoding. Defaults to KindF32. Narrower
// encodings trade recall for memory: f16 halves storage with ~1e-3 component
// error, i8 quarters it, b1 packs one bit per component.
func WithKind(k quantize.Kind) Option {
	return func(o *options) { o.kind = k }
}

// WithM sets the number of bidirectional graph links per node. Higher values
// improve recall at the cost of memory and insert time.
func WithM(m int) Option {
	return func(o *options) { o.m = m }
}

// WithEFConstruction sets the candidate beam width used while inserting.
func WithEFConstruction(ef int) Option {
	return func(o *options) { o.efConstruction = ef }
}

// WithEFSearch sets the default candidate beam width used while searching.
// Per-query overrides are available through SearchWithEF.
func WithEFSearch(ef int) Option {
	return func(o *options) { o.efSearch = ef }
}

// WithCapacity pre-sizes internal storage for the expected vector count.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithMaxCapacity caps the index at n vectors; Add returns
// ErrCapacityExceeded beyond it. Zero means unbounded.
func WithMaxCapacity(n int) Option {
	return func(o *options) { o.maxCapacity = n }
}

// WithRange sets the expected maximum absolute component value for i8
// quantization. Components outside [-r, r] are clamped. Defaults to 1.0,
// which suits normalized embeddings.
func WithRange(r float32) Option {
	return func(o *options) { o.rangeMax = r }
}

// WithRandomSeed fixes the layer draw RNG, making graph construction
// deterministic for a given insertion order.
func WithRandomSeed(seed int64) Option {
	return func(o *options) { o.randomSeed = &seed }
}

// WithLogger configures structured logging. Pass nil to disable.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel is shorthand for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) { o.logger = NewTextLogger(level) }
}

// WithCompression selects the snapshot payload compression used by the save
// operations. Compressed snapshots cannot be opened with OpenView.
func WithCompression(c persistence.Compression) Option {
	return func(o *options) { o.compression = c }
}

func applyOptions(optFns []Option) options {
	o := options{
		metric:         distance.MetricL2,
		kind:           quantize.KindF32,
		m:              hnsw.DefaultM,
		efConstruction: hnsw.DefaultEFConstruction,
		efSearch:       hnsw.DefaultEFSearch,
		capacity:       1024,
		rangeMax:       quantize.DefaultRange,
		logger:         NoopLogger(),
		compression:    persistence.CompressionNone,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o *options) graphOptions() []func(*hnsw.Options) {
	return []func(*hnsw.Options){func(g *hnsw.Options) {
		g.M = o.m
		g.EFConstruction = o.efConstruction
		g.EFSearch = o.efSearch
		g.Capacity = o.capacity
		g.RandomSeed = o.randomSeed
	}}
}
