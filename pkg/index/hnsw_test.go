package index

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
)

func euclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func TestHNSWStartsEmptyAndTransitionsToUnindexed(t *testing.T) {
	cfg := DefaultConfig(4, euclidean)
	cfg.MinVectorsForIndex = 100
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if h.State() != StateEmpty {
		t.Fatalf("expected empty state, got %s", h.State())
	}
	if err := h.Insert("a", []float32{1, 2, 3, 4}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if h.State() != StateUnindexed {
		t.Fatalf("expected unindexed state after first insert, got %s", h.State())
	}
}

func TestHNSWAutoBuildsAtThreshold(t *testing.T) {
	const dim = 8
	cfg := DefaultConfig(dim, euclidean)
	cfg.MinVectorsForIndex = 50
	cfg.Seed = 7
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	vectors := randomVectors(cfg.MinVectorsForIndex, dim, 7)
	for i, v := range vectors {
		if err := h.Insert(fmt.Sprintf("id-%d", i), v); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	if h.State() != StateReady {
		t.Fatalf("expected ready state once threshold reached, got %s", h.State())
	}
	if err := h.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestHNSWSearchReturnsClosestFirst(t *testing.T) {
	const dim = 8
	cfg := DefaultConfig(dim, euclidean)
	cfg.MinVectorsForIndex = 30
	cfg.Seed = 3
	h, _ := New(cfg)

	vectors := randomVectors(cfg.MinVectorsForIndex, dim, 3)
	for i, v := range vectors {
		if err := h.Insert(fmt.Sprintf("v-%d", i), v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	query := vectors[0]
	ids, dists, err := h.Search(query, 5, 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) == 0 {
		t.Fatalf("expected results")
	}
	if ids[0] != "v-0" {
		t.Fatalf("expected the query's own vector to be the closest match, got %s (dist %v)", ids[0], dists[0])
	}
	for i := 1; i < len(dists); i++ {
		if dists[i] < dists[i-1] {
			t.Fatalf("results not sorted ascending by distance at index %d", i)
		}
	}
}

func TestHNSWDeleteExcludesFromSearch(t *testing.T) {
	const dim = 8
	cfg := DefaultConfig(dim, euclidean)
	cfg.MinVectorsForIndex = 30
	cfg.Seed = 5
	h, _ := New(cfg)

	vectors := randomVectors(cfg.MinVectorsForIndex, dim, 5)
	for i, v := range vectors {
		h.Insert(fmt.Sprintf("d-%d", i), v)
	}

	if err := h.Delete("d-0"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	ids, _, err := h.Search(vectors[0], 1, 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) > 0 && ids[0] == "d-0" {
		t.Fatalf("deleted node %q returned from search", ids[0])
	}
}

func TestHNSWDeleteBelowHalfThresholdDropsToUnindexed(t *testing.T) {
	const dim = 4
	cfg := DefaultConfig(dim, euclidean)
	cfg.MinVectorsForIndex = 20
	cfg.Seed = 9
	h, _ := New(cfg)

	vectors := randomVectors(cfg.MinVectorsForIndex, dim, 9)
	for i, v := range vectors {
		h.Insert(fmt.Sprintf("e-%d", i), v)
	}
	if h.State() != StateReady {
		t.Fatalf("expected ready state, got %s", h.State())
	}

	for i := 0; i < 15; i++ {
		if err := h.Delete(fmt.Sprintf("e-%d", i)); err != nil {
			t.Fatalf("delete e-%d: %v", i, err)
		}
	}

	if h.State() != StateUnindexed {
		t.Fatalf("expected drop to unindexed below half threshold, got %s", h.State())
	}
}

func TestHNSWRebuildPreservesInvariants(t *testing.T) {
	const dim = 8
	cfg := DefaultConfig(dim, euclidean)
	cfg.MinVectorsForIndex = 40
	cfg.Seed = 11
	h, _ := New(cfg)

	vectors := randomVectors(cfg.MinVectorsForIndex, dim, 11)
	for i, v := range vectors {
		h.Insert(fmt.Sprintf("r-%d", i), v)
	}
	for i := 0; i < 5; i++ {
		h.Delete(fmt.Sprintf("r-%d", i))
	}

	if err := h.Rebuild(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if err := h.CheckInvariants(); err != nil {
		t.Fatalf("invariants after rebuild: %v", err)
	}

	stats := h.Stats()
	if stats.NodeCount != cfg.MinVectorsForIndex-5 {
		t.Fatalf("expected %d live nodes after rebuild, got %d", cfg.MinVectorsForIndex-5, stats.NodeCount)
	}
}

func TestHNSWClearResetsToEmpty(t *testing.T) {
	cfg := DefaultConfig(4, euclidean)
	h, _ := New(cfg)
	h.Insert("x", []float32{1, 1, 1, 1})
	h.Clear()
	if h.State() != StateEmpty {
		t.Fatalf("expected empty after clear, got %s", h.State())
	}
	if h.Stats().NodeCount != 0 {
		t.Fatalf("expected zero nodes after clear")
	}
}

func TestHNSWDimensionMismatch(t *testing.T) {
	cfg := DefaultConfig(4, euclidean)
	h, _ := New(cfg)
	if err := h.Insert("a", []float32{1, 2, 3}); err != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestBruteForceSearchOrdering(t *testing.T) {
	vectors := map[string][]float32{
		"a": {0, 0},
		"b": {1, 0},
		"c": {5, 5},
	}
	ids := []string{"a", "b", "c"}
	resultIDs, resultDist := bruteForceSearch([]float32{0, 0}, ids, func(id string) []float32 {
		return vectors[id]
	}, 2, euclidean)

	if len(resultIDs) != 2 || resultIDs[0] != "a" || resultIDs[1] != "b" {
		t.Fatalf("expected [a b], got %v (dist %v)", resultIDs, resultDist)
	}
}
