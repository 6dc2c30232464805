// Package learn implements the learned-behavior subsystem (C7-C10): named
// reasoning patterns with incremental statistics, a scored experience log,
// a prioritized replay buffer driving tabular Q-learning, and the session
// lifecycle that ties reward estimation to policy training. Grounded on the
// teacher's pkg/memory retain/recall/reflect shape, generalized from a
// graph-backed knowledge pyramid to the flat stores this specification
// names.
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

// Pattern is the named reasoning pattern entity of spec.md §3.
type Pattern struct {
	ID             string
	Embedding      []float32
	TaskType       string
	Approach       string
	SuccessRate    float32
	AvgDuration    float64 // ms
	Iterations     int
	Tags           []string
	Domain         string
	Complexity     string
	LearningSource string
	Ts             int64 // ms epoch
}

// PatternFilters narrows FindSimilar's candidate set, per spec.md §4.7 step 3.
type PatternFilters struct {
	Domain         string
	TaskType       string
	MinSuccessRate float32
}

// PatternMatch is one scored FindSimilar hit.
type PatternMatch struct {
	Pattern    Pattern
	Similarity float32
}

// PatternStats mirrors spec.md §4.7's stats() shape.
type PatternStats struct {
	Total               int
	AvgSuccessRate       float32
	DomainHistogram      map[string]int
	TopPatternsBySuccess []Pattern
}

// PatternStore stores patterns' embeddings in a Backend and their tabular
// fields as the record's ordered Metadata, per spec.md §4.7's "embedding in
// the db and metadata row in the pattern table" contract.
type PatternStore struct {
	mu      sync.RWMutex
	backend storage.Backend
}

// NewPatternStore wraps backend, which the store takes exclusive ownership
// of for pattern records.
func NewPatternStore(backend storage.Backend) *PatternStore {
	return &PatternStore{backend: backend}
}

// Put assigns an id if absent and stores the pattern, per spec.md §4.7.
func (s *PatternStore) Put(ctx context.Context, p Pattern) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Iterations == 0 {
		p.Iterations = 1
	}
	if p.Ts == 0 {
		p.Ts = time.Now().UnixMilli()
	}

	if err := s.backend.Put(ctx, storage.Record{ID: p.ID, Vector: p.Embedding, Metadata: patternToMetadata(p)}); err != nil {
		return "", fmt.Errorf("learn: pattern put: %w", err)
	}
	return p.ID, nil
}

// FindSimilar scores every stored pattern by cosine similarity, keeps those
// passing minSimilarity and filters, and returns the top k by similarity
// (ties by id). Filtering runs before any truncation, so the k*2 over-fetch
// bound never drops a match that passes the filters.
func (s *PatternStore) FindSimilar(ctx context.Context, query []float32, k int, minSimilarity float32, filters PatternFilters) ([]PatternMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if minSimilarity == 0 {
		minSimilarity = 0.7
	}
	overFetch := k * 2

	var candidates []PatternMatch
	err := s.backend.Scan(ctx, func(rec storage.Record) bool {
		sim, err := distance.CosineSimilarity(query, rec.Vector)
		if err != nil {
			return true
		}
		if sim < minSimilarity {
			return true
		}
		p := patternFromRecord(rec)
		if filters.Domain != "" && p.Domain != filters.Domain {
			return true
		}
		if filters.TaskType != "" && p.TaskType != filters.TaskType {
			return true
		}
		if p.SuccessRate < filters.MinSuccessRate {
			return true
		}
		candidates = append(candidates, PatternMatch{Pattern: p, Similarity: sim})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("learn: pattern find_similar: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Pattern.ID < candidates[j].Pattern.ID
	})
	if len(candidates) > overFetch {
		candidates = candidates[:overFetch]
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Update applies spec.md §4.7's incremental-average formula:
//
//	n := iterations + 1
//	success_rate := (success_rate*iterations + (1 if success else 0)) / n
//	avg_duration := (avg_duration*iterations + duration) / n
//	iterations := n
func (s *PatternStore) Update(ctx context.Context, id string, success bool, durationMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("learn: pattern update: %w", err)
	}
	p := patternFromRecord(rec)

	n := p.Iterations + 1
	successVal := float32(0)
	if success {
		successVal = 1
	}
	p.SuccessRate = (p.SuccessRate*float32(p.Iterations) + successVal) / float32(n)
	p.AvgDuration = (p.AvgDuration*float64(p.Iterations) + durationMs) / float64(n)
	p.Iterations = n

	return s.backend.Put(ctx, storage.Record{ID: p.ID, Vector: p.Embedding, Metadata: patternToMetadata(p)})
}

// Stats aggregates total count, the mean success rate, a per-domain
// histogram, and the top patterns ranked by success rate.
func (s *PatternStore) Stats(ctx context.Context) (PatternStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := PatternStats{DomainHistogram: make(map[string]int)}
	var all []Pattern
	var sumSuccess float32

	err := s.backend.Scan(ctx, func(rec storage.Record) bool {
		p := patternFromRecord(rec)
		all = append(all, p)
		sumSuccess += p.SuccessRate
		stats.DomainHistogram[p.Domain]++
		return true
	})
	if err != nil {
		return PatternStats{}, fmt.Errorf("learn: pattern stats: %w", err)
	}

	stats.Total = len(all)
	if stats.Total > 0 {
		stats.AvgSuccessRate = sumSuccess / float32(stats.Total)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].SuccessRate != all[j].SuccessRate {
			return all[i].SuccessRate > all[j].SuccessRate
		}
		return all[i].ID < all[j].ID
	})
	top := 10
	if len(all) < top {
		top = len(all)
	}
	stats.TopPatternsBySuccess = all[:top]
	return stats, nil
}

func patternToMetadata(p Pattern) *encoding.Metadata {
	m := encoding.NewMetadata()
	m.Set("task_type", encoding.StringValue(p.TaskType))
	m.Set("approach", encoding.StringValue(p.Approach))
	m.Set("success_rate", encoding.FloatValue(float64(p.SuccessRate)))
	m.Set("avg_duration", encoding.FloatValue(p.AvgDuration))
	m.Set("iterations", encoding.IntValue(int64(p.Iterations)))
	tagValues := make([]encoding.Value, len(p.Tags))
	for i, t := range p.Tags {
		tagValues[i] = encoding.StringValue(t)
	}
	m.Set("tags", encoding.ArrayValue(tagValues))
	m.Set("domain", encoding.StringValue(p.Domain))
	m.Set("complexity", encoding.StringValue(p.Complexity))
	m.Set("learning_source", encoding.StringValue(p.LearningSource))
	m.Set("ts", encoding.IntValue(p.Ts))
	return m
}

func patternFromRecord(rec storage.Record) Pattern {
	p := Pattern{ID: rec.ID, Embedding: rec.Vector}
	if rec.Metadata == nil {
		return p
	}
	if v, ok := rec.Metadata.Get("task_type"); ok {
		p.TaskType = v.String
	}
	if v, ok := rec.Metadata.Get("approach"); ok {
		p.Approach = v.String
	}
	if v, ok := rec.Metadata.Get("success_rate"); ok {
		p.SuccessRate = float32(v.Float)
	}
	if v, ok := rec.Metadata.Get("avg_duration"); ok {
		p.AvgDuration = v.Float
	}
	if v, ok := rec.Metadata.Get("iterations"); ok {
		p.Iterations = int(v.Int)
	}
	if v, ok := rec.Metadata.Get("tags"); ok {
		for _, tv := range v.Array {
			p.Tags = append(p.Tags, tv.String)
		}
	}
	if v, ok := rec.Metadata.Get("domain"); ok {
		p.Domain = v.String
	}
	if v, ok := rec.Metadata.Get("complexity"); ok {
		p.Complexity = v.String
	}
	if v, ok := rec.Metadata.Get("learning_source"); ok {
		p.LearningSource = v.String
	}
	if v, ok := rec.Metadata.Get("ts"); ok {
		p.Ts = v.Int
	}
	return p
}
