package index

import "container/heap"

// bruteForceSearch scans every (id, vector) pair and returns the k closest
// ids by ascending distFunc value, secondary tie-break by id ascending per
// spec.md §9. Grounded on the teacher's pkg/index/flat.go FlatIndex.Search,
// generalized to take a caller-supplied id->vector accessor so it can run
// either against the full unindexed vector set or as the HNSW disconnected-
// graph fallback of spec.md §4.4.
func bruteForceSearch(query []float32, ids []string, vectorOf func(id string) []float32, k int, distFunc func(a, b []float32) float32) ([]string, []float32) {
	if k <= 0 || len(ids) == 0 {
		return []string{}, []float32{}
	}

	h := &bfHeap{}
	heap.Init(h)
	for _, id := range ids {
		vec := vectorOf(id)
		if vec == nil {
			continue
		}
		dist := distFunc(query, vec)
		if h.Len() < k {
			heap.Push(h, bfItem{id: id, dist: dist})
		} else if dist < (*h)[0].dist || (dist == (*h)[0].dist && id < (*h)[0].id) {
			heap.Pop(h)
			heap.Push(h, bfItem{id: id, dist: dist})
		}
	}

	n := h.Len()
	resultIDs := make([]string, n)
	resultDist := make([]float32, n)
	for i := n - 1; i >= 0; i-- {
		item := heap.Pop(h).(bfItem)
		resultIDs[i] = item.id
		resultDist[i] = item.dist
	}
	return resultIDs, resultDist
}

type bfItem struct {
	id   string
	dist float32
}

// bfHeap is a max-heap on distance (ties broken by id descending so pops
// evict the worst of the top-k), matching flat.go's flatMaxHeap shape.
type bfHeap []bfItem

func (h bfHeap) Len() int { return len(h) }
func (h bfHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].id > h[j].id
}
func (h bfHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *bfHeap) Push(x interface{}) {
	*h = append(*h, x.(bfItem))
}

func (h *bfHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
