package index

import "fmt"

// CheckInvariants validates the structural invariants I1-I4 of spec.md §4.4
// against the current graph state. Intended for tests and diagnostic tooling,
// not the hot insert/search path.
func (h *HNSW) CheckInvariants() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if err := h.checkDegreeBounds(); err != nil {
		return err
	}
	if err := h.checkSymmetry(); err != nil {
		return err
	}
	if err := h.checkOneNodePerRecord(); err != nil {
		return err
	}
	if err := h.checkConnectivity(); err != nil {
		return err
	}
	return nil
}

// checkDegreeBounds verifies I3: every node's neighbor list at layer 0 is
// at most 2*M, and at every other layer at most M.
func (h *HNSW) checkDegreeBounds() error {
	it := h.live.Iterator()
	for it.HasNext() {
		idx := it.Next()
		n := h.nodes[idx]
		for layer, neighbors := range n.neighbors {
			cap := h.cfg.M
			if layer == 0 {
				cap = h.m0
			}
			if len(neighbors) > cap {
				return fmt.Errorf("index: I3 violated: node %q has %d neighbors at layer %d (cap %d)", n.id, len(neighbors), layer, cap)
			}
		}
	}
	return nil
}

// checkSymmetry verifies I2: every edge a->b at layer L has a matching
// back-edge b->a at the same layer.
func (h *HNSW) checkSymmetry() error {
	it := h.live.Iterator()
	for it.HasNext() {
		idx := it.Next()
		n := h.nodes[idx]
		for layer, neighbors := range n.neighbors {
			for _, nb := range neighbors {
				if !h.live.Contains(nb) {
					continue
				}
				other := h.nodes[nb]
				if layer >= len(other.neighbors) {
					return fmt.Errorf("index: I2 violated: %q->%q at layer %d has no reciprocal layer on %q", n.id, other.id, layer, other.id)
				}
				found := false
				for _, back := range other.neighbors[layer] {
					if back == idx {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("index: I2 violated: %q->%q at layer %d has no back-edge", n.id, other.id, layer)
				}
			}
		}
	}
	return nil
}

// checkOneNodePerRecord verifies I4: the id->arena-index table has exactly
// one entry per live record, and every live bitmap entry resolves back to
// the id that maps to it.
func (h *HNSW) checkOneNodePerRecord() error {
	if len(h.idToIndex) != len(h.nodes) {
		return fmt.Errorf("index: I4 violated: %d ids mapped but %d arena slots", len(h.idToIndex), len(h.nodes))
	}
	for id, idx := range h.idToIndex {
		if h.nodes[idx].id != id {
			return fmt.Errorf("index: I4 violated: id %q maps to arena slot %d holding %q", id, idx, h.nodes[idx].id)
		}
	}
	return nil
}

// checkConnectivity verifies I1: every live node other than the entry
// point is reachable from the entry point by following layer-0 edges.
func (h *HNSW) checkConnectivity() error {
	liveCount := int(h.live.GetCardinality())
	if liveCount == 0 {
		return nil
	}
	if h.entryPoint == -1 {
		return fmt.Errorf("index: I1 violated: %d live nodes but no entry point", liveCount)
	}

	visited := make(map[uint32]bool, liveCount)
	queue := []uint32{uint32(h.entryPoint)}
	visited[uint32(h.entryPoint)] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n := h.nodes[cur]
		if len(n.neighbors) == 0 {
			continue
		}
		for _, nb := range n.neighbors[0] {
			if !h.live.Contains(nb) || visited[nb] {
				continue
			}
			visited[nb] = true
			queue = append(queue, nb)
		}
	}

	if len(visited) != liveCount {
		return fmt.Errorf("index: I1 violated: only %d of %d live nodes reachable from entry point", len(visited), liveCount)
	}
	return nil
}
