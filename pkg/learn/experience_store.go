package learn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vectorkit/vdb/internal/encoding"
	"github.com/vectorkit/vdb/pkg/distance"
	"github.com/vectorkit/vdb/pkg/storage"
)

// Experience is one recorded tool invocation outcome, spec.md §3's
// Experience entity.
type Experience struct {
	ID          string
	Embedding   []float32
	Domain      string
	Tool        string
	Success     bool
	DurationMs  float64
	TokensUsed  int
	HasTokens   bool
	Iterations  int
	HasIterations bool
	Quality     float32
	HasQuality  bool
	Ts          int64 // ms epoch
}

// ExperienceFilters narrows ExperienceStore.Query's candidate set.
type ExperienceFilters struct {
	SuccessOnly bool
	Domain      string
	MinQuality  float32
	MaxAgeMs    int64 // 0 means unbounded
}

// ExperienceStats mirrors spec.md §4.8's stats() shape.
type ExperienceStats struct {
	Total       int
	SuccessRate float32
	AvgQuality  float32
	AvgDuration float64
	ByDomain    map[string]int
}

// PruneOptions configures ExperienceStore.Prune, per spec.md §4.8.
type PruneOptions struct {
	MinQuality    float32 // default 0.3
	MaxAge        time.Duration // default 30 days
	KeepMinimum   int           // default 100
}

// DefaultPruneOptions returns spec.md §4.8's stated defaults.
func DefaultPruneOptions() PruneOptions {
	return PruneOptions{MinQuality: 0.3, MaxAge: 30 * 24 * time.Hour, KeepMinimum: 100}
}

// ExperienceStore is the scored experience log of spec.md §4.8, storing
// each experience's embedding in a Backend and its tabular fields as
// ordered Metadata, the same layering PatternStore uses.
type ExperienceStore struct {
	mu      sync.RWMutex
	backend storage.Backend
	now     func() int64
}

// NewExperienceStore wraps backend, which the store takes exclusive
// ownership of for experience records.
func NewExperienceStore(backend storage.Backend) *ExperienceStore {
	return &ExperienceStore{backend: backend, now: func() int64 { return time.Now().UnixMilli() }}
}

// QualityInput is the observed outcome ExperienceStore.computeQuality
// scores when a caller stores an experience without an explicit quality.
type QualityInput struct {
	Success       bool
	DurationMs    float64
	TokensUsed    int
	HasTokens     bool
	Iterations    int
	HasIterations bool
}

// computeQuality implements spec.md §4.8's deterministic quality formula:
// 0.6 success (with 0.1 partial credit on failure) + 0.2 duration term
// (capped at 60s) + 0.1 token term (capped at 10k, skipped if absent,
// weight redistributed) + 0.1 iteration term (capped at 5, skipped if
// absent, weight redistributed), clamped to [0,1].
func computeQuality(in QualityInput) float32 {
	successTerm := 0.1
	if in.Success {
		successTerm = 1.0
	}

	weight := 0.6 + 0.2
	score := 0.6*successTerm + 0.2*clamp01(1-in.DurationMs/60000)

	if in.HasTokens {
		weight += 0.1
		score += 0.1 * clamp01(1-float64(in.TokensUsed)/10000)
	}
	if in.HasIterations {
		weight += 0.1
		score += 0.1 * clamp01(1-float64(in.Iterations)/5)
	}

	if weight == 0 {
		return 0
	}
	return float32(clamp01(score / weight))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Store assigns an id if absent, computes quality from the outcome when
// the caller didn't supply one, and persists the experience.
func (s *ExperienceStore) Store(ctx context.Context, e Experience) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Ts == 0 {
		e.Ts = s.now()
	}
	if !e.HasQuality {
		e.Quality = computeQuality(QualityInput{
			Success:       e.Success,
			DurationMs:    e.DurationMs,
			TokensUsed:    e.TokensUsed,
			HasTokens:     e.HasTokens,
			Iterations:    e.Iterations,
			HasIterations: e.HasIterations,
		})
		e.HasQuality = true
	}

	if err := s.backend.Put(ctx, storage.Record{ID: e.ID, Vector: e.Embedding, Metadata: experienceToMetadata(e)}); err != nil {
		return "", fmt.Errorf("learn: experience store: %w", err)
	}
	return e.ID, nil
}

// Query returns up to k experiences similar to embedding, filtered and
// ordered by cosine similarity, then quality, then recency, per spec.md
// §4.8.
func (s *ExperienceStore) Query(ctx context.Context, embedding []float32, k int, filters ExperienceFilters) ([]Experience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 10
	}
	now := s.now()

	type scored struct {
		e   Experience
		sim float32
	}
	var candidates []scored
	err := s.backend.Scan(ctx, func(rec storage.Record) bool {
		e := experienceFromRecord(rec)
		if filters.SuccessOnly && !e.Success {
			return true
		}
		if filters.Domain != "" && e.Domain != filters.Domain {
			return true
		}
		if e.Quality < filters.MinQuality {
			return true
		}
		if filters.MaxAgeMs > 0 && now-e.Ts > filters.MaxAgeMs {
			return true
		}
		sim, err := distance.CosineSimilarity(embedding, rec.Vector)
		if err != nil {
			return true
		}
		candidates = append(candidates, scored{e: e, sim: sim})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("learn: experience query: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		if candidates[i].e.Quality != candidates[j].e.Quality {
			return candidates[i].e.Quality > candidates[j].e.Quality
		}
		return candidates[i].e.Ts > candidates[j].e.Ts
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Experience, len(candidates))
	for i, c := range candidates {
		out[i] = c.e
	}
	return out, nil
}

// BestByDomain returns up to limit experiences in domain ordered by
// (quality desc, recency desc).
func (s *ExperienceStore) BestByDomain(ctx context.Context, domain string, limit int) ([]Experience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Experience
	err := s.backend.Scan(ctx, func(rec storage.Record) bool {
		e := experienceFromRecord(rec)
		if e.Domain == domain {
			out = append(out, e)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("learn: experience best_by_domain: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Quality != out[j].Quality {
			return out[i].Quality > out[j].Quality
		}
		return out[i].Ts > out[j].Ts
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats aggregates total count, overall success rate, mean quality, mean
// duration, and a per-domain count, per spec.md §4.8.
func (s *ExperienceStore) Stats(ctx context.Context) (ExperienceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ExperienceStats{ByDomain: make(map[string]int)}
	var successes int
	var sumQuality float32
	var sumDuration float64

	err := s.backend.Scan(ctx, func(rec storage.Record) bool {
		e := experienceFromRecord(rec)
		stats.Total++
		if e.Success {
			successes++
		}
		sumQuality += e.Quality
		sumDuration += e.DurationMs
		stats.ByDomain[e.Domain]++
		return true
	})
	if err != nil {
		return ExperienceStats{}, fmt.Errorf("learn: experience stats: %w", err)
	}

	if stats.Total > 0 {
		stats.SuccessRate = float32(successes) / float32(stats.Total)
		stats.AvgQuality = sumQuality / float32(stats.Total)
		stats.AvgDuration = sumDuration / float64(stats.Total)
	}
	return stats, nil
}

// Prune deletes experiences with quality below opts.MinQuality that are
// also older than opts.MaxAge, while always preserving at least
// opts.KeepMinimum of the most valuable (quality desc, recency desc)
// experiences and never removing anything with quality >= MinQuality,
// per spec.md §4.8 and the §8 testable property.
func (s *ExperienceStore) Prune(ctx context.Context, opts PruneOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.MinQuality == 0 {
		opts.MinQuality = 0.3
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 30 * 24 * time.Hour
	}
	if opts.KeepMinimum == 0 {
		opts.KeepMinimum = 100
	}

	var all []Experience
	err := s.backend.Scan(ctx, func(rec storage.Record) bool {
		all = append(all, experienceFromRecord(rec))
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("learn: experience prune: %w", err)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Quality != all[j].Quality {
			return all[i].Quality > all[j].Quality
		}
		return all[i].Ts > all[j].Ts
	})

	keep := opts.KeepMinimum
	if keep > len(all) {
		keep = len(all)
	}
	protected := make(map[string]bool, keep)
	for _, e := range all[:keep] {
		protected[e.ID] = true
	}

	cutoffMs := s.now() - opts.MaxAge.Milliseconds()
	var deleted int
	for _, e := range all {
		if protected[e.ID] {
			continue
		}
		if e.Quality >= opts.MinQuality {
			continue
		}
		if e.Ts >= cutoffMs {
			continue
		}
		if err := s.backend.Delete(ctx, e.ID); err != nil && err != storage.ErrNotFound {
			return deleted, fmt.Errorf("learn: experience prune delete %q: %w", e.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

func experienceToMetadata(e Experience) *encoding.Metadata {
	m := encoding.NewMetadata()
	m.Set("domain", encoding.StringValue(e.Domain))
	m.Set("tool", encoding.StringValue(e.Tool))
	m.Set("success", encoding.BoolValue(e.Success))
	m.Set("duration_ms", encoding.FloatValue(e.DurationMs))
	if e.HasTokens {
		m.Set("tokens_used", encoding.IntValue(int64(e.TokensUsed)))
	}
	if e.HasIterations {
		m.Set("iterations", encoding.IntValue(int64(e.Iterations)))
	}
	m.Set("quality", encoding.FloatValue(float64(e.Quality)))
	m.Set("ts", encoding.IntValue(e.Ts))
	return m
}

func experienceFromRecord(rec storage.Record) Experience {
	e := Experience{ID: rec.ID, Embedding: rec.Vector}
	if rec.Metadata == nil {
		return e
	}
	if v, ok := rec.Metadata.Get("domain"); ok {
		e.Domain = v.String
	}
	if v, ok := rec.Metadata.Get("tool"); ok {
		e.Tool = v.String
	}
	if v, ok := rec.Metadata.Get("success"); ok {
		e.Success = v.Bool
	}
	if v, ok := rec.Metadata.Get("duration_ms"); ok {
		e.DurationMs = v.Float
	}
	if v, ok := rec.Metadata.Get("tokens_used"); ok {
		e.TokensUsed = int(v.Int)
		e.HasTokens = true
	}
	if v, ok := rec.Metadata.Get("iterations"); ok {
		e.Iterations = int(v.Int)
		e.HasIterations = true
	}
	if v, ok := rec.Metadata.Get("quality"); ok {
		e.Quality = float32(v.Float)
		e.HasQuality = true
	}
	if v, ok := rec.Metadata.Get("ts"); ok {
		e.Ts = v.Int
	}
	return e
}
