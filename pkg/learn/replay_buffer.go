package learn

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// DefaultReplayCapacity is the fixed capacity spec.md §4.9 names for a
// ReplayBuffer.
const DefaultReplayCapacity = 10000

// Transition is one replay-buffer entry: a state/action/reward/next-state
// quad plus the bookkeeping ReplayBuffer needs for prioritized eviction
// and sampling.
type Transition struct {
	State     []float32
	Action    string
	Reward    float32
	NextState []float32
	Done      bool

	insertedAt int64 // logical tick, not wall clock; see ReplayBuffer.tick
}

// priority returns max(|reward|, eps) * recency_weight(age), per spec.md
// §4.9. Recency is exponential decay over the buffer's logical clock, so
// it never depends on wall-clock time (kept deterministic and replayable).
func (t Transition) priority(now int64, halfLife float64) float64 {
	const eps = 1e-3
	mag := math.Abs(float64(t.Reward))
	if mag < eps {
		mag = eps
	}
	age := float64(now - t.insertedAt)
	recency := math.Exp(-age / halfLife)
	return mag * recency
}

// replayItem is the container/heap element: a Transition plus its index
// in the backing slice, matching the index/hnsw.go distItem idiom.
type replayItem struct {
	t     Transition
	index int
}

// minPriorityHeap is a min-heap over priority so Push beyond capacity can
// evict the single lowest-priority entry in O(log n).
type minPriorityHeap struct {
	items    []*replayItem
	now      int64
	halfLife float64
}

func (h minPriorityHeap) Len() int { return len(h.items) }
func (h minPriorityHeap) Less(i, j int) bool {
	return h.items[i].t.priority(h.now, h.halfLife) < h.items[j].t.priority(h.now, h.halfLife)
}
func (h minPriorityHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}
func (h *minPriorityHeap) Push(x interface{}) {
	it := x.(*replayItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
}
func (h *minPriorityHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

// ReplayBuffer is a fixed-capacity, priority-weighted experience buffer
// for PolicyOptimizer.Train, per spec.md §4.9. The default half-life
// matches a buffer of DefaultReplayCapacity entries aging out over
// roughly one full buffer's worth of inserts.
type ReplayBuffer struct {
	mu       sync.Mutex
	capacity int
	halfLife float64
	heap     minPriorityHeap
	clock    int64
	rng      *rand.Rand
}

// NewReplayBuffer returns a buffer with the given capacity (defaulted to
// DefaultReplayCapacity when <= 0) and a deterministic PRNG seeded by
// seed, so sampling is reproducible in tests.
func NewReplayBuffer(capacity int, seed int64) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayBuffer{
		capacity: capacity,
		halfLife: float64(capacity),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Add inserts t, evicting the lowest-priority entry first if the buffer
// is at capacity.
func (b *ReplayBuffer) Add(t Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clock++
	t.insertedAt = b.clock
	b.heap.now = b.clock
	b.heap.halfLife = b.halfLife

	if len(b.heap.items) >= b.capacity {
		heap.Pop(&b.heap)
	}
	heap.Push(&b.heap, &replayItem{t: t})
}

// Len reports the number of transitions currently held.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.heap.items)
}

// Sample draws up to batchSize transitions without replacement, weighted
// by priority, via the Efraimidis-Spirakis algorithm: each item draws a
// key = u^(1/priority) for u ~ Uniform(0,1), and the batchSize largest
// keys are kept. This gives weighted sampling without replacement in
// O(n log batchSize) using the same container/heap machinery as the rest
// of the package.
func (b *ReplayBuffer) Sample(batchSize int) ([]Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if batchSize <= 0 {
		return nil, fmt.Errorf("learn: replay sample: batch size must be positive")
	}
	n := len(b.heap.items)
	if n == 0 {
		return nil, nil
	}
	if batchSize > n {
		batchSize = n
	}

	keys := make([]keyedTransition, n)
	for i, it := range b.heap.items {
		p := it.t.priority(b.heap.now, b.heap.halfLife)
		u := b.rng.Float64()
		if u <= 0 {
			u = 1e-12
		}
		key := math.Pow(u, 1.0/p)
		keys[i] = keyedTransition{t: it.t, key: key}
	}

	kh := &keyHeap{keys}
	heap.Init(kh)
	for kh.Len() > batchSize {
		heap.Pop(kh)
	}

	out := make([]Transition, len(kh.items))
	for i, k := range kh.items {
		out[i] = k.t
	}
	return out, nil
}

type keyedTransition struct {
	t   Transition
	key float64
}

// keyHeap is a min-heap over Efraimidis-Spirakis keys, so popping while
// over batchSize discards the smallest keys and leaves the largest
// batchSize.
type keyHeap struct {
	items []keyedTransition
}

func (h keyHeap) Len() int            { return len(h.items) }
func (h keyHeap) Less(i, j int) bool  { return h.items[i].key < h.items[j].key }
func (h keyHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *keyHeap) Push(x interface{}) { h.items = append(h.items, x.(keyedTransition)) }
func (h *keyHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}
