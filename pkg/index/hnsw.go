// Package index implements the HNSW ANN graph (C4) and its brute-force
// fallback, grounded on the teacher's pkg/index/hnsw.go and pkg/index/flat.go.
package index

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

var (
	ErrDimensionMismatch = errors.New("index: dimension mismatch")
	ErrNotFound          = errors.New("index: node not found")
	ErrInvalidParameter  = errors.New("index: invalid parameter")
)

// Logger is the minimal sink HNSW uses to report fallback-to-brute-force
// corruption warnings, matching the project-wide Logger idiom.
type Logger interface {
	Warn(msg string, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// Config holds the HNSW construction parameters fixed at index creation,
// per spec.md §4.4.
type Config struct {
	Dimension          int
	M                  int // neighbor target above layer 0
	EfConstruction     int
	EfSearch           int
	MinVectorsForIndex int
	Seed               int64
	DistFunc           func(a, b []float32) float32
	Logger             Logger
}

// DefaultConfig returns the spec's documented typical parameters.
func DefaultConfig(dimension int, distFunc func(a, b []float32) float32) Config {
	return Config{
		Dimension:          dimension,
		M:                  16,
		EfConstruction:     200,
		EfSearch:           50,
		MinVectorsForIndex: 1000,
		Seed:               1,
		DistFunc:           distFunc,
		Logger:             nopLogger{},
	}
}

type node struct {
	id        string
	vector    []float32
	level     int
	neighbors [][]uint32 // per-level arena indices
}

// HNSW is the hierarchical navigable small-world graph index of spec.md
// §4.4: layered greedy descent plus bounded-beam insertion with heuristic
// neighbor selection, an explicit state machine, and I1-I4 invariants.
type HNSW struct {
	mu sync.RWMutex

	cfg  Config
	m0   int // layer-0 degree cap = 2*M
	ml   float64
	rng  *rand.Rand
	state State

	nodes      []*node // arena, indexed by uint32
	idToIndex  map[string]uint32
	live       *roaring.Bitmap // arena indices of live (non-tombstoned) nodes
	entryPoint int              // arena index of entry point, -1 if empty
	topLevel   int

	pendingUnindexed []string // ids inserted before reaching MinVectorsForIndex
}

// New creates an HNSW index in the empty state.
func New(cfg Config) (*HNSW, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidParameter)
	}
	if cfg.M <= 0 {
		return nil, fmt.Errorf("%w: M must be positive", ErrInvalidParameter)
	}
	if cfg.EfConstruction <= 0 {
		return nil, fmt.Errorf("%w: efConstruction must be positive", ErrInvalidParameter)
	}
	if cfg.DistFunc == nil {
		return nil, fmt.Errorf("%w: distance function required", ErrInvalidParameter)
	}
	if cfg.MinVectorsForIndex <= 0 {
		cfg.MinVectorsForIndex = 1000
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	return &HNSW{
		cfg:        cfg,
		m0:         cfg.M * 2,
		ml:         1.0 / math.Log(float64(cfg.M)),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		state:      StateEmpty,
		idToIndex:  make(map[string]uint32),
		live:       roaring.New(),
		entryPoint: -1,
	}, nil
}

// State returns the current lifecycle state.
func (h *HNSW) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *HNSW) selectLevel() int {
	// level = floor(-ln(U) * ml) with U in (0,1], capped at 32.
	level := math.Floor(-math.Log(1-h.rng.Float64()) * h.ml)
	if !(level < 32) {
		return 32
	}
	return int(level)
}

// Insert adds id/vector to the graph. Before MinVectorsForIndex live vectors
// have accumulated, inserts are buffered (state unindexed); once the
// threshold is reached, Insert performs the incremental build described in
// spec.md §4.4 and transitions to ready.
func (h *HNSW) Insert(id string, vector []float32) error {
	if len(vector) != h.cfg.Dimension {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cp := make([]float32, len(vector))
	copy(cp, vector)

	if idx, exists := h.idToIndex[id]; exists {
		// A known id is updated in place: its vector is replaced and a
		// tombstoned node becomes live again. Its graph edges are kept.
		if !h.live.Contains(idx) && h.state == StateUnindexed {
			h.pendingUnindexed = append(h.pendingUnindexed, id)
		}
		h.nodes[idx].vector = cp
		h.live.Add(idx)
		return nil
	}

	switch h.state {
	case StateEmpty:
		h.state = StateUnindexed
		h.pendingUnindexed = append(h.pendingUnindexed, id)
		h.stageNode(id, cp)
		if len(h.pendingUnindexed) >= h.cfg.MinVectorsForIndex {
			h.buildFromPending()
		}
		return nil
	case StateUnindexed:
		h.pendingUnindexed = append(h.pendingUnindexed, id)
		h.stageNode(id, cp)
		if len(h.pendingUnindexed) >= h.cfg.MinVectorsForIndex {
			h.buildFromPending()
		}
		return nil
	default: // ready or rebuilding: insert directly into the graph
		h.insertIntoGraph(id, cp)
		return nil
	}
}

// stageNode records a vector in the arena without linking it into the
// graph, used while the index is still in the unindexed state.
func (h *HNSW) stageNode(id string, vector []float32) {
	idx := uint32(len(h.nodes))
	h.nodes = append(h.nodes, &node{id: id, vector: vector, neighbors: nil})
	h.idToIndex[id] = idx
	h.live.Add(idx)
}

// buildFromPending performs the incremental build of spec.md §4.4
// ("inserts every existing vector") once MinVectorsForIndex is reached.
func (h *HNSW) buildFromPending() {
	h.state = StateBuilding
	pending := h.pendingUnindexed
	h.pendingUnindexed = nil

	// Reset the arena and reinsert each vector through the real graph path.
	staged := make(map[string][]float32, len(pending))
	for _, id := range pending {
		idx := h.idToIndex[id]
		staged[id] = h.nodes[idx].vector
	}
	h.nodes = nil
	h.idToIndex = make(map[string]uint32)
	h.live = roaring.New()
	h.entryPoint = -1
	h.topLevel = 0

	for _, id := range pending {
		h.insertIntoGraph(id, staged[id])
	}
	h.state = StateReady
}

// insertIntoGraph runs the real HNSW insertion algorithm of spec.md §4.4
// steps 1-6.
func (h *HNSW) insertIntoGraph(id string, vector []float32) {
	level := h.selectLevel()
	idx := uint32(len(h.nodes))
	n := &node{id: id, vector: vector, level: level, neighbors: make([][]uint32, level+1)}
	for i := range n.neighbors {
		n.neighbors[i] = []uint32{}
	}
	h.nodes = append(h.nodes, n)
	h.idToIndex[id] = idx
	h.live.Add(idx)

	if h.entryPoint == -1 {
		h.entryPoint = int(idx)
		h.topLevel = level
		return
	}

	entry := h.entryPoint
	for lc := h.nodes[entry].level; lc > level; lc-- {
		entry = h.greedyClosest(vector, entry, lc)
	}

	startLevel := level
	if h.nodes[h.entryPoint].level < startLevel {
		startLevel = h.nodes[h.entryPoint].level
	}

	curr := []uint32{uint32(entry)}
	for lc := startLevel; lc >= 0; lc-- {
		m := h.cfg.M
		if lc == 0 {
			m = h.m0
		}
		candidates := h.searchLayer(vector, curr, h.cfg.EfConstruction, lc)
		neighbors := h.selectNeighborsHeuristic(vector, candidates, m)

		n.neighbors[lc] = neighbors
		for _, nb := range neighbors {
			h.addBackEdge(nb, idx, lc)
			h.pruneIfNeeded(nb, lc)
		}
		curr = neighbors
		if len(curr) == 0 {
			curr = []uint32{uint32(entry)}
		}
	}

	if level > h.nodes[h.entryPoint].level {
		h.entryPoint = int(idx)
		h.topLevel = level
	}
}

func (h *HNSW) addBackEdge(from uint32, to uint32, layer int) {
	n := h.nodes[from]
	if layer >= len(n.neighbors) {
		return
	}
	for _, existing := range n.neighbors[layer] {
		if existing == to {
			return
		}
	}
	n.neighbors[layer] = append(n.neighbors[layer], to)
}

func (h *HNSW) pruneIfNeeded(idx uint32, layer int) {
	n := h.nodes[idx]
	if layer >= len(n.neighbors) {
		return
	}
	cap := h.cfg.M
	if layer == 0 {
		cap = h.m0
	}
	if len(n.neighbors[layer]) <= cap {
		return
	}
	kept := h.selectNeighborsHeuristic(n.vector, n.neighbors[layer], cap)
	keep := make(map[uint32]bool, len(kept))
	for _, k := range kept {
		keep[k] = true
	}
	// Drop the reverse edge of every pruned neighbor so edges stay symmetric (I2).
	for _, old := range n.neighbors[layer] {
		if keep[old] || layer >= len(h.nodes[old].neighbors) {
			continue
		}
		back := make([]uint32, 0, len(h.nodes[old].neighbors[layer]))
		for _, b := range h.nodes[old].neighbors[layer] {
			if b != idx {
				back = append(back, b)
			}
		}
		h.nodes[old].neighbors[layer] = back
	}
	n.neighbors[layer] = kept
}

// greedyClosest walks to the locally closest neighbor of query starting
// from entry at the given layer, repeating until no neighbor improves.
func (h *HNSW) greedyClosest(query []float32, entry int, layer int) int {
	current := entry
	currentDist := h.cfg.DistFunc(query, h.nodes[current].vector)
	for {
		improved := false
		n := h.nodes[current]
		if layer < len(n.neighbors) {
			for _, nb := range n.neighbors[layer] {
				d := h.cfg.DistFunc(query, h.nodes[nb].vector)
				if d < currentDist {
					currentDist = d
					current = int(nb)
					improved = true
				}
			}
		}
		if !improved {
			return current
		}
	}
}

// searchLayer runs the bounded-beam best-first search of spec.md §4.4 step
// 4/Search step 2, returning up to ef candidates closest-first.
func (h *HNSW) searchLayer(query []float32, entryPoints []uint32, ef int, layer int) []uint32 {
	visited := make(map[uint32]bool)
	candidates := &distHeap{}
	results := &maxDistHeap{}

	for _, ep := range entryPoints {
		if visited[ep] {
			continue
		}
		visited[ep] = true
		d := h.cfg.DistFunc(query, h.nodes[ep].vector)
		heap.Push(candidates, distItem{idx: ep, dist: d})
		heap.Push(results, distItem{idx: ep, dist: d})
	}

	for candidates.Len() > 0 {
		cur := heap.Pop(candidates).(distItem)
		if results.Len() >= ef && cur.dist > (*results)[0].dist {
			break
		}

		n := h.nodes[cur.idx]
		if layer >= len(n.neighbors) {
			continue
		}
		for _, nbIdx := range n.neighbors[layer] {
			if visited[nbIdx] {
				continue
			}
			visited[nbIdx] = true
			d := h.cfg.DistFunc(query, h.nodes[nbIdx].vector)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, distItem{idx: nbIdx, dist: d})
				heap.Push(results, distItem{idx: nbIdx, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem).idx
	}
	return out
}

// selectNeighborsHeuristic implements the diversity heuristic of spec.md
// §4.4 step 4: accept a candidate only if it is closer to the new point
// than to every already-selected neighbor.
func (h *HNSW) selectNeighborsHeuristic(query []float32, candidates []uint32, m int) []uint32 {
	type cd struct {
		idx  uint32
		dist float32
	}
	pairs := make([]cd, len(candidates))
	for i, c := range candidates {
		pairs[i] = cd{idx: c, dist: h.cfg.DistFunc(query, h.nodes[c].vector)}
	}
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist || (pairs[j].dist == pairs[i].dist && h.nodes[pairs[j].idx].id < h.nodes[pairs[i].idx].id) {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}

	selected := make([]uint32, 0, m)
	for _, p := range pairs {
		if len(selected) >= m {
			break
		}
		ok := true
		for _, s := range selected {
			distToSelected := h.cfg.DistFunc(h.nodes[p.idx].vector, h.nodes[s].vector)
			if p.dist >= distToSelected {
				ok = false
				break
			}
		}
		if ok {
			selected = append(selected, p.idx)
		}
	}

	// Fall back to filling remaining slots by raw distance if the heuristic
	// is too strict to reach m, so degree bounds stay useful.
	if len(selected) < m {
		have := make(map[uint32]bool, len(selected))
		for _, s := range selected {
			have[s] = true
		}
		for _, p := range pairs {
			if len(selected) >= m {
				break
			}
			if !have[p.idx] {
				selected = append(selected, p.idx)
				have[p.idx] = true
			}
		}
	}
	return selected
}

// Search returns up to k nearest live ids to query, using ef as the
// layer-0 candidate queue width, per spec.md §4.4's Search algorithm. It
// falls through to a brute-force scan over live nodes if the graph is
// found disconnected (a corruption condition that should never occur in a
// correctly maintained graph).
func (h *HNSW) Search(query []float32, k, ef int) ([]string, []float32, error) {
	if len(query) != h.cfg.Dimension {
		return nil, nil, ErrDimensionMismatch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.state != StateReady && h.state != StateRebuilding {
		return []string{}, []float32{}, nil
	}
	if h.entryPoint == -1 {
		return []string{}, []float32{}, nil
	}
	if ef < k {
		ef = k
	}

	entry := h.entryPoint
	for layer := h.nodes[entry].level; layer > 0; layer-- {
		entry = h.greedyClosest(query, entry, layer)
	}

	candidates := h.searchLayer(query, []uint32{uint32(entry)}, ef, 0)
	if len(candidates) == 0 && h.live.GetCardinality() > 0 {
		h.cfg.Logger.Warn("hnsw: disconnected graph detected, falling back to brute force")
		return h.bruteForceLive(query, k)
	}

	type scored struct {
		id   string
		dist float32
	}
	results := make([]scored, 0, len(candidates))
	for _, idx := range candidates {
		if !h.live.Contains(idx) {
			continue
		}
		results = append(results, scored{id: h.nodes[idx].id, dist: h.cfg.DistFunc(query, h.nodes[idx].vector)})
	}
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].dist < results[i].dist || (results[j].dist == results[i].dist && results[j].id < results[i].id) {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if len(results) > k {
		results = results[:k]
	}
	ids := make([]string, len(results))
	dists := make([]float32, len(results))
	for i, r := range results {
		ids[i] = r.id
		dists[i] = r.dist
	}
	return ids, dists, nil
}

func (h *HNSW) bruteForceLive(query []float32, k int) ([]string, []float32, error) {
	ids := make([]string, 0, h.live.GetCardinality())
	it := h.live.Iterator()
	for it.HasNext() {
		idx := it.Next()
		ids = append(ids, h.nodes[idx].id)
	}
	resultIDs, resultDist := bruteForceSearch(query, ids, func(id string) []float32 {
		idx := h.idToIndex[id]
		return h.nodes[idx].vector
	}, k, h.cfg.DistFunc)
	return resultIDs, resultDist, nil
}

// Delete tombstones id: it is excluded from search results and from being
// selected as a neighbor, but its edges remain until Rebuild compacts them,
// per spec.md §4.4. If live count falls below MinVectorsForIndex/2 the
// index drops back to unindexed (brute-force) mode.
func (h *HNSW) Delete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, exists := h.idToIndex[id]
	if !exists {
		return ErrNotFound
	}
	if !h.live.Contains(idx) {
		return ErrNotFound
	}
	h.live.Remove(idx)
	if h.state == StateUnindexed {
		h.pendingUnindexed = slices.DeleteFunc(h.pendingUnindexed, func(p string) bool { return p == id })
	}

	if int(idx) == h.entryPoint {
		h.reassignEntryPoint()
	}

	if h.state == StateReady && int(h.live.GetCardinality()) < h.cfg.MinVectorsForIndex/2 {
		h.state = StateUnindexed
		h.pendingUnindexed = h.liveIDsLocked()
	}
	return nil
}

func (h *HNSW) reassignEntryPoint() {
	it := h.live.Iterator()
	if it.HasNext() {
		idx := it.Next()
		h.entryPoint = int(idx)
		h.topLevel = h.nodes[idx].level
		return
	}
	h.entryPoint = -1
}

func (h *HNSW) liveIDsLocked() []string {
	ids := make([]string, 0, h.live.GetCardinality())
	it := h.live.Iterator()
	for it.HasNext() {
		idx := it.Next()
		ids = append(ids, h.nodes[idx].id)
	}
	return ids
}

// Rebuild reconstructs the graph from scratch over the currently live
// vectors, compacting tombstoned edges, per spec.md §4.4's
// ready<->rebuilding transition.
func (h *HNSW) Rebuild() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateReady && h.state != StateUnindexed {
		return fmt.Errorf("index: cannot rebuild from state %s", h.state)
	}

	liveIDs := h.liveIDsLocked()
	h.state = StateRebuilding

	staged := make(map[string][]float32, len(liveIDs))
	for _, id := range liveIDs {
		idx := h.idToIndex[id]
		staged[id] = h.nodes[idx].vector
	}

	h.nodes = nil
	h.idToIndex = make(map[string]uint32)
	h.live = roaring.New()
	h.entryPoint = -1
	h.topLevel = 0
	h.pendingUnindexed = nil

	for _, id := range liveIDs {
		h.insertIntoGraph(id, staged[id])
	}

	if len(liveIDs) >= h.cfg.MinVectorsForIndex {
		h.state = StateReady
	} else {
		h.state = StateUnindexed
		h.pendingUnindexed = liveIDs
	}
	return nil
}

// Clear resets the index to the empty state, discarding all nodes.
func (h *HNSW) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nodes = nil
	h.idToIndex = make(map[string]uint32)
	h.live = roaring.New()
	h.entryPoint = -1
	h.topLevel = 0
	h.pendingUnindexed = nil
	h.state = StateEmpty
}

// Stats reports the structural counters of spec.md §4.4.
func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var edges int
	maxLevel := 0
	liveCount := 0
	it := h.live.Iterator()
	for it.HasNext() {
		idx := it.Next()
		n := h.nodes[idx]
		liveCount++
		if n.level > maxLevel {
			maxLevel = n.level
		}
		for _, layer := range n.neighbors {
			edges += len(layer)
		}
	}
	avgDegree := 0.0
	if liveCount > 0 {
		avgDegree = float64(edges) / float64(liveCount)
	}
	return Stats{
		Enabled:    true,
		Ready:      h.state == StateReady,
		NodeCount:  liveCount,
		EdgeCount:  edges,
		MaxLevel:   maxLevel,
		AvgDegree:  avgDegree,
		StateLabel: h.state.String(),
	}
}

// Stats is the HNSW structural snapshot of spec.md §4.4.
type Stats struct {
	Enabled    bool
	Ready      bool
	NodeCount  int
	EdgeCount  int
	MaxLevel   int
	AvgDegree  float64
	StateLabel string
}

// distItem pairs an arena index with its distance for heap ordering.
type distItem struct {
	idx  uint32
	dist float32
}

// distHeap is a min-heap (closest first), used for the candidate queue.
type distHeap []distItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(distItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxDistHeap is a max-heap (farthest first), used to track the current
// best ef results so the farthest can be evicted in O(log ef).
type maxDistHeap []distItem

func (h maxDistHeap) Len() int            { return len(h) }
func (h maxDistHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x interface{}) { *h = append(*h, x.(distItem)) }
func (h *maxDistHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
