package learn

import (
	"context"
	"testing"
	"time"

	"github.com/vectorkit/vdb/pkg/storage"
)

func newTestExperienceStore() *ExperienceStore {
	return NewExperienceStore(storage.NewInProcess())
}

func TestExperienceStoreComputesQualityWhenOmitted(t *testing.T) {
	ctx := context.Background()
	s := newTestExperienceStore()

	id, err := s.Store(ctx, Experience{
		Embedding:  []float32{1, 0, 0},
		Domain:     "backend",
		Tool:       "linter",
		Success:    true,
		DurationMs: 250,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := s.Query(ctx, []float32{1, 0, 0}, 1, ExperienceFilters{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("expected 1 result with id %q, got %+v", id, got)
	}
	if !got[0].HasQuality || got[0].Quality <= 0 {
		t.Fatalf("expected computed quality > 0, got %+v", got[0])
	}
}

func TestExperienceStoreRespectsExplicitQuality(t *testing.T) {
	ctx := context.Background()
	s := newTestExperienceStore()

	id, err := s.Store(ctx, Experience{
		Embedding:  []float32{1, 0, 0},
		Success:    true,
		DurationMs: 250,
		Quality:    0.42,
		HasQuality: true,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := s.Query(ctx, []float32{1, 0, 0}, 1, ExperienceFilters{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("expected 1 result, got %+v", got)
	}
	if abs32(got[0].Quality-0.42) > 1e-6 {
		t.Fatalf("expected explicit quality 0.42, got %v", got[0].Quality)
	}
}

func TestExperienceQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestExperienceStore()

	if _, err := s.Store(ctx, Experience{Embedding: []float32{1, 0, 0}, Domain: "backend", Success: true, Quality: 0.9, HasQuality: true}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := s.Store(ctx, Experience{Embedding: []float32{1, 0, 0}, Domain: "backend", Success: false, Quality: 0.1, HasQuality: true}); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := s.Query(ctx, []float32{1, 0, 0}, 10, ExperienceFilters{SuccessOnly: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || !got[0].Success {
		t.Fatalf("expected 1 successful result, got %+v", got)
	}
}

func TestExperiencePruneNeverRemovesAboveMinQuality(t *testing.T) {
	ctx := context.Background()
	s := newTestExperienceStore()
	s.now = func() int64 { return time.Now().UnixMilli() }

	old := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()
	ids := map[string]float32{}
	for i, q := range []float32{0.1, 0.2, 0.5, 0.9} {
		id, err := s.Store(ctx, Experience{
			Embedding:  []float32{float32(i), 0, 0},
			Quality:    q,
			HasQuality: true,
			Ts:         old,
		})
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		ids[id] = q
	}

	// KeepMinimum 0 would fall back to the default of 100; 1 protects only
	// the 0.9 entry, so the 0.5 entry survives on quality alone.
	deleted, err := s.Prune(ctx, PruneOptions{MinQuality: 0.3, MaxAge: 30 * 24 * time.Hour, KeepMinimum: 1})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted (quality 0.1, 0.2), got %d", deleted)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("expected 2 remaining, got %d", stats.Total)
	}
}

func TestExperiencePrunePreservesKeepMinimum(t *testing.T) {
	ctx := context.Background()
	s := newTestExperienceStore()

	old := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()
	for i := 0; i < 5; i++ {
		if _, err := s.Store(ctx, Experience{
			Embedding:  []float32{float32(i), 0, 0},
			Quality:    0.05,
			HasQuality: true,
			Ts:         old,
		}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	deleted, err := s.Prune(ctx, PruneOptions{MinQuality: 0.3, MaxAge: 30 * 24 * time.Hour, KeepMinimum: 3})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted (5 - keep_minimum 3), got %d", deleted)
	}
}
