package vdb

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/vectorkit/vdb/internal/encoding"
	"github.com/vectorkit/vdb/pkg/cache"
	"github.com/vectorkit/vdb/pkg/distance"
	"github.com/vectorkit/vdb/pkg/index"
	"github.com/vectorkit/vdb/pkg/quantization"
	"github.com/vectorkit/vdb/pkg/storage"
)

// DB is the VectorDb facade (C6) composing C1-C5: a single reader-writer
// lock guards the triple (backend, hnsw, cache), per spec.md §5.
type DB struct {
	mu sync.RWMutex

	cfg       Config
	dimension int
	backend   storage.Backend
	hnsw      *index.HNSW
	quantizer quantization.Quantizer
	codes     map[string][]byte // quantized codes, present only once trained
	cache     *cache.QueryCache
	logger    Logger
	closed    bool
}

// Open creates (or opens) an on-disk database at path.
func Open(ctx context.Context, path string, cfg Config) (*DB, error) {
	cfg.Backend = OnDisk
	backend, err := storage.OpenOnDisk(ctx, path)
	if err != nil {
		return nil, wrapError("open", err)
	}
	return newDB(cfg, backend)
}

// InMemory creates a purely in-process database; nothing is persisted
// across process restarts unless the caller later calls Export.
func InMemory(cfg Config) (*DB, error) {
	cfg.Backend = InProcess
	return newDB(cfg, storage.NewInProcess())
}

func newDB(cfg Config, backend storage.Backend) (*DB, error) {
	if cfg.Dimension <= 0 {
		return nil, wrapError("open", fmt.Errorf("%w: dimension must be positive", ErrInvalidArgument))
	}
	if cfg.Metric == "" {
		cfg.Metric = distance.Cosine
	}
	if cfg.RerankFactor <= 0 {
		cfg.RerankFactor = DefaultRerankFactor
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}

	db := &DB{
		cfg:       cfg,
		dimension: cfg.Dimension,
		backend:   backend,
		quantizer: cfg.Quantizer,
		codes:     make(map[string][]byte),
		logger:    cfg.Logger,
	}

	if cfg.HNSW != nil {
		hnswCfg := *cfg.HNSW
		hnswCfg.Dimension = cfg.Dimension
		if hnswCfg.DistFunc == nil {
			hnswCfg.DistFunc = euclideanDistFunc
		}
		hnsw, err := index.New(hnswCfg)
		if err != nil {
			return nil, wrapError("open", err)
		}
		db.hnsw = hnsw
	}

	if cfg.Cache != nil {
		db.cache = cache.New(*cfg.Cache)
	}

	db.logger = db.logger.With("dimension", cfg.Dimension, "metric", string(cfg.Metric))
	db.logger.Info("db opened", "hnsw", db.hnsw != nil, "cache", db.cache != nil, "quantizer", db.quantizer != nil)
	return db, nil
}

// InsertOptions configures one Insert or InsertBatch call.
type InsertOptions struct {
	// RequireNew rejects the insert with ErrAlreadyExists instead of
	// upserting when rec.ID already names a stored record, per spec.md §7's
	// "only if caller opts into strict insert" AlreadyExists case. Records
	// with a caller-omitted id (always freshly generated) never trigger it.
	RequireNew bool
}

// Insert validates rec.Embedding against db.dimension, assigns an id if
// absent, writes it to the backend, inserts it into HNSW (if enabled), and
// invalidates the query cache, per spec.md §4.6. By default a supplied id
// that already exists is upserted; pass InsertOptions{RequireNew: true} to
// reject it with ErrAlreadyExists instead.
func (db *DB) Insert(ctx context.Context, rec VectorRecord, opts ...InsertOptions) (string, error) {
	var o InsertOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return "", wrapError("insert", errDbClosed)
	}
	if len(rec.Embedding) != db.dimension {
		return "", wrapError("insert", ErrDimensionMismatch)
	}
	if rec.ID == "" {
		rec.ID = newID()
	} else if o.RequireNew {
		if _, err := db.backend.Get(ctx, rec.ID); err == nil {
			return "", wrapError("insert", ErrAlreadyExists)
		} else if err != storage.ErrNotFound {
			return "", wrapError("insert", err)
		}
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	if err := db.backend.Put(ctx, storage.Record{ID: rec.ID, Vector: rec.Embedding, Metadata: rec.Metadata}); err != nil {
		return "", wrapError("insert", err)
	}
	if db.hnsw != nil {
		if err := db.hnsw.Insert(rec.ID, rec.Embedding); err != nil {
			return "", wrapError("insert", err)
		}
	}
	db.encodeIfTrainedLocked(rec.ID, rec.Embedding)
	db.invalidateCacheLocked()
	db.logger.Debug("record inserted", "id", rec.ID)
	return rec.ID, nil
}

// encodeIfTrainedLocked caches rec's quantized code for the two-stage
// asymmetric-distance search path. Untrained quantizers leave no code
// behind; Search then falls back to the full-precision vector for that id.
func (db *DB) encodeIfTrainedLocked(id string, vector []float32) {
	if db.quantizer == nil {
		return
	}
	code, err := db.quantizer.Encode(vector)
	if err != nil {
		return
	}
	db.codes[id] = code
}

// InsertBatch writes every record atomically against the backend; HNSW
// inserts then run sequentially under the same write lock, and the cache is
// invalidated once at the end, per spec.md §4.6. A dimension mismatch on any
// record fails the whole batch with no partial side effects.
func (db *DB) InsertBatch(ctx context.Context, recs []VectorRecord, opts ...InsertOptions) ([]string, error) {
	var o InsertOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, wrapError("insert_batch", errDbClosed)
	}

	ids := make([]string, len(recs))
	storageRecs := make([]storage.Record, len(recs))
	now := time.Now().UnixMilli()
	for i, rec := range recs {
		if len(rec.Embedding) != db.dimension {
			return nil, wrapError("insert_batch", ErrDimensionMismatch)
		}
		if rec.ID == "" {
			rec.ID = newID()
		} else if o.RequireNew {
			if _, err := db.backend.Get(ctx, rec.ID); err == nil {
				return nil, wrapError("insert_batch", ErrAlreadyExists)
			} else if err != storage.ErrNotFound {
				return nil, wrapError("insert_batch", err)
			}
		}
		if rec.CreatedAt == 0 {
			rec.CreatedAt = now
		}
		ids[i] = rec.ID
		storageRecs[i] = storage.Record{ID: rec.ID, Vector: rec.Embedding, Metadata: rec.Metadata}
	}

	if err := db.backend.PutBatch(ctx, storageRecs); err != nil {
		return nil, wrapError("insert_batch", err)
	}
	if db.hnsw != nil {
		for _, rec := range storageRecs {
			if err := db.hnsw.Insert(rec.ID, rec.Vector); err != nil {
				return nil, wrapError("insert_batch", err)
			}
		}
	}
	for _, rec := range storageRecs {
		db.encodeIfTrainedLocked(rec.ID, rec.Vector)
	}
	db.invalidateCacheLocked()
	db.logger.Debug("batch inserted", "count", len(ids))
	return ids, nil
}

// Get returns the record for id, or ErrNotFound.
func (db *DB) Get(ctx context.Context, id string) (VectorRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return VectorRecord{}, wrapError("get", errDbClosed)
	}
	rec, err := db.backend.Get(ctx, id)
	if err != nil {
		return VectorRecord{}, wrapError("get", err)
	}
	return VectorRecord{ID: rec.ID, Embedding: rec.Vector, Metadata: rec.Metadata}, nil
}

// Delete tombstones id in HNSW, deletes it from the backend, and
// invalidates the cache. Returns whether the id previously existed.
func (db *DB) Delete(ctx context.Context, id string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return false, wrapError("delete", errDbClosed)
	}
	if err := db.backend.Delete(ctx, id); err != nil {
		if err == storage.ErrNotFound {
			return false, nil
		}
		return false, wrapError("delete", err)
	}
	if db.hnsw != nil {
		if err := db.hnsw.Delete(id); err != nil && err != index.ErrNotFound {
			return false, wrapError("delete", err)
		}
	}
	db.invalidateCacheLocked()
	db.logger.Debug("record deleted", "id", id)
	return true, nil
}

// SearchOptions configures one Search call.
type SearchOptions struct {
	Metric    distance.Metric
	Threshold float32

	// Deadline bounds how long this Search spends generating candidates and
	// rescoring them, per spec.md §5's cooperative cancellation rule. Zero
	// uses queryTimeout; a negative value disables the deadline entirely.
	Deadline time.Duration

	// AllowPartial controls what happens when Deadline elapses before
	// rescoring finishes: true returns whatever results were scored so far
	// alongside ErrDeadlineExceeded; false (the default) discards them and
	// returns only the error, matching spec.md §5's "configurable per call"
	// partial-results rule.
	AllowPartial bool
}

// Search runs spec.md §4.6's six-step algorithm: validate, cache lookup,
// HNSW-or-scan candidate generation, optional two-stage quantized rerank,
// scoring/threshold/sort/truncate, then cache install.
func (db *DB) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]SearchResult, error) {
	if k < 0 {
		return nil, wrapError("search", ErrInvalidArgument)
	}
	if k == 0 {
		return []SearchResult{}, nil
	}
	if len(query) != db.dimension {
		return nil, wrapError("search", ErrDimensionMismatch)
	}
	if opts.Metric == "" {
		opts.Metric = db.cfg.Metric
	}

	deadline := queryTimeout
	if opts.Deadline != 0 {
		deadline = opts.Deadline
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, wrapError("search", errDbClosed)
	}

	var cacheKey string
	if db.cache != nil {
		cacheKey = cache.Fingerprint(query, k, string(opts.Metric), opts.Threshold)
		if hit, ok := db.cache.Get(cacheKey); ok {
			return resultsFromCache(hit), nil
		}
	}

	twoStage := db.quantizer != nil && len(db.codes) > 0
	var ids []string
	var err error
	if twoStage {
		stage1IDs := db.asymmetricCandidatesLocked(query, k*db.cfg.RerankFactor)
		ids, err = db.rerankLocked(ctx, query, stage1IDs, k, opts.Metric)
		if err != nil {
			return nil, wrapError("search", err)
		}
	} else {
		ids, err = db.candidatesLocked(ctx, query, k, opts.Metric)
		if err != nil {
			return nil, wrapError("search", err)
		}
	}

	// ids only decide which candidates made the cut and their
	// approximate order; the final score is always recomputed under the
	// caller's requested metric against the full-precision backend vector,
	// since the graph and the quantized codes are built against a fixed
	// internal distance function that may differ from opts.Metric.
	results := make([]SearchResult, 0, len(ids))
	truncated := ctx.Err() != nil
	for _, id := range ids {
		if ctx.Err() != nil {
			truncated = true
			break
		}
		rec, err := db.backend.Get(ctx, id)
		if err != nil {
			continue
		}
		raw, err := distance.Raw(opts.Metric, query, rec.Vector)
		if err != nil {
			continue
		}
		score := distance.ScoreForMetric(opts.Metric, raw)
		if score < opts.Threshold {
			continue
		}
		results = append(results, SearchResult{ID: id, Score: score, Distance: raw, Metadata: rec.Metadata})
	}

	if truncated {
		db.logger.Warn("search deadline exceeded", "scored", len(results), "allow_partial", opts.AllowPartial)
		if !opts.AllowPartial {
			return nil, wrapError("search", ErrDeadlineExceeded)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}

	if truncated {
		return results, wrapError("search", ErrDeadlineExceeded)
	}

	if db.cache != nil {
		db.cache.Put(cacheKey, resultsToCache(results))
	}
	return results, nil
}

// candidatesLocked dispatches to the HNSW graph when ready, else a full
// backend scan scored under metric directly, per spec.md §4.6 step 3. The
// HNSW branch still orders by the graph's own fixed internal distance
// function (Search recomputes the caller's requested metric afterward for
// the actual score); the scan branch has no such graph to defer to, so it
// must score and truncate to k under metric itself, or a true top-k match
// under a non-Euclidean metric could be discarded before Search ever gets
// to rescore it.
func (db *DB) candidatesLocked(ctx context.Context, query []float32, k int, metric distance.Metric) ([]string, error) {
	if db.hnsw != nil && db.hnsw.State() == index.StateReady {
		ef := k
		if db.cfg.HNSW != nil && db.cfg.HNSW.EfSearch > ef {
			ef = db.cfg.HNSW.EfSearch
		}
		ids, _, err := db.hnsw.Search(query, k, ef)
		return ids, err
	}

	type pair struct {
		id    string
		score float32
	}
	var pairs []pair
	err := db.backend.Scan(ctx, func(rec storage.Record) bool {
		if ctx.Err() != nil {
			return false
		}
		d, derr := distance.Raw(metric, query, rec.Vector)
		if derr != nil {
			return true
		}
		pairs = append(pairs, pair{rec.ID, distance.ScoreForMetric(metric, d)})
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		return pairs[i].id < pairs[j].id
	})
	if len(pairs) > k {
		pairs = pairs[:k]
	}
	ids := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i] = p.id
	}
	return ids, nil
}

// asymmetricCandidatesLocked is stage 1 of spec.md §4.6 step 4: rank every
// id with a cached quantized code by AsymmetricDistance against the
// full-precision query, without decoding, and return the closest n ids.
func (db *DB) asymmetricCandidatesLocked(query []float32, n int) []string {
	type scored struct {
		id   string
		dist float32
	}
	out := make([]scored, 0, len(db.codes))
	for id, code := range db.codes {
		d, err := db.quantizer.AsymmetricDistance(query, code)
		if err != nil {
			continue
		}
		out = append(out, scored{id, d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].id < out[j].id
	})
	if len(out) > n {
		out = out[:n]
	}
	ids := make([]string, len(out))
	for i, s := range out {
		ids[i] = s.id
	}
	return ids
}

// rerankLocked is stage 2 of spec.md §4.6 step 4: given the stage-1
// candidate ids (picked by asymmetric distance), recompute exact distance
// under metric against the full-precision vectors held by the backend and
// truncate to k. Truncating here under anything other than the caller's
// actual metric would risk throwing away a true top-k match before Search
// ever gets to rescore it, the same hazard fixed in candidatesLocked.
func (db *DB) rerankLocked(ctx context.Context, query []float32, ids []string, k int, metric distance.Metric) ([]string, error) {
	type scored struct {
		id    string
		score float32
	}
	out := make([]scored, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		rec, err := db.backend.Get(ctx, id)
		if err != nil {
			continue
		}
		d, derr := distance.Raw(metric, query, rec.Vector)
		if derr != nil {
			continue
		}
		out = append(out, scored{id, distance.ScoreForMetric(metric, d)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	if len(out) > k {
		out = out[:k]
	}
	resultIDs := make([]string, len(out))
	for i, s := range out {
		resultIDs[i] = s.id
	}
	return resultIDs, nil
}

func (db *DB) invalidateCacheLocked() {
	if db.cache != nil {
		db.cache.InvalidateAll()
	}
}

func resultsFromCache(in []cache.Result) []SearchResult {
	out := make([]SearchResult, len(in))
	for i, r := range in {
		out[i] = SearchResult{ID: r.ID, Score: r.Score, Distance: r.Distance}
	}
	return out
}

func resultsToCache(in []SearchResult) []cache.Result {
	out := make([]cache.Result, len(in))
	for i, r := range in {
		out[i] = cache.Result{ID: r.ID, Score: r.Score, Distance: r.Distance}
	}
	return out
}

// Stats aggregates the backend, HNSW, cache, and quantizer stats, per
// spec.md §4.6.
type Stats struct {
	Backend   storage.Stats
	HNSW      index.Stats
	Cache     cache.Stats
	Quantizer quantization.Stats
}

func (db *DB) Stats(ctx context.Context) (Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return Stats{}, wrapError("stats", errDbClosed)
	}

	var out Stats
	backendStats, err := db.backend.Stats(ctx)
	if err != nil {
		return Stats{}, wrapError("stats", err)
	}
	out.Backend = backendStats
	if db.hnsw != nil {
		out.HNSW = db.hnsw.Stats()
	}
	if db.cache != nil {
		out.Cache = db.cache.Stats()
	}
	if db.quantizer != nil {
		out.Quantizer = db.quantizer.Stats()
	}
	return out, nil
}

// Export dumps the full backend contents (in-process variant semantics).
func (db *DB) Export(w io.Writer) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return wrapError("export", errDbClosed)
	}
	return wrapError("export", db.backend.Export(w))
}

// Import replaces the backend contents and rebuilds HNSW from the restored
// records, since the graph arena is not itself part of the export payload.
func (db *DB) Import(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return wrapError("import", errDbClosed)
	}
	if err := db.backend.Import(r); err != nil {
		return wrapError("import", err)
	}
	db.invalidateCacheLocked()
	db.codes = make(map[string][]byte)
	if db.hnsw != nil {
		db.hnsw.Clear()
	}
	err := db.backend.Scan(context.Background(), func(rec storage.Record) bool {
		if db.hnsw != nil {
			_ = db.hnsw.Insert(rec.ID, rec.Vector)
		}
		db.encodeIfTrainedLocked(rec.ID, rec.Vector)
		return true
	})
	if err != nil {
		return wrapError("import", err)
	}
	return nil
}

// Close releases the backend's resources. Subsequent calls return
// errDbClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.logger.Info("db closed")
	return wrapError("close", db.backend.Close())
}
