package vdb

import (
	"time"

	"github.com/vectorkit/vdb/pkg/cache"
	"github.com/vectorkit/vdb/pkg/distance"
	"github.com/vectorkit/vdb/pkg/index"
	"github.com/vectorkit/vdb/pkg/quantization"
)

// BackendKind selects which StorageBackend variant Open/InMemory constructs.
type BackendKind int

const (
	OnDisk BackendKind = iota
	InProcess
)

// DefaultRerankFactor is the multiplier applied to k when a Quantizer is
// configured for two-stage search, per spec.md §4.6 step 4.
const DefaultRerankFactor = 4

// Config is the facade's construction shape: `{dimension, backend,
// hnsw?, quantizer?, cache?}` per spec.md §4.6. Dimension is fixed at
// construction and every inserted or queried vector is validated against it.
type Config struct {
	Dimension int
	Backend   BackendKind
	Metric    distance.Metric

	// HNSW, when non-nil, enables the graph index. Its Dimension is always
	// taken from the enclosing Config; a nil DistFunc becomes Euclidean.
	HNSW *index.Config

	// Quantizer, when non-nil, enables two-stage filter-then-rerank search.
	Quantizer    quantization.Quantizer
	RerankFactor int

	// Cache, when non-nil, enables the TTL+LRU query-result cache.
	Cache *cache.Config

	Logger Logger
}

// DefaultConfig returns a Config with HNSW and the query cache enabled and
// quantization disabled, matching the teacher's NewWithConfig defaults
// generalized to this facade's shape.
func DefaultConfig(dimension int) Config {
	hnswCfg := index.DefaultConfig(dimension, euclideanDistFunc)
	cacheCfg := cache.DefaultConfig()
	return Config{
		Dimension:    dimension,
		Backend:      InProcess,
		Metric:       distance.Cosine,
		HNSW:         &hnswCfg,
		RerankFactor: DefaultRerankFactor,
		Cache:        &cacheCfg,
		Logger:       NopLogger(),
	}
}

func euclideanDistFunc(a, b []float32) float32 {
	d, _ := distance.Euclidean(a, b)
	return d
}

// queryTimeout is Search's default per-call deadline when SearchOptions
// leaves Deadline unset, per spec.md §5's cooperative cancellation rule.
const queryTimeout = 30 * time.Second
