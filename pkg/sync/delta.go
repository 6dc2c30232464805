// Package sync implements spec.md §6's delta-sync wire codec and
// conflict-resolution algorithm: transport is explicitly out of scope,
// only the change-list shape, its coalescing, and last-write-wins
// resolution live here.
package sync

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vectorkit/vdb/internal/encoding"
)

// Op identifies one change's kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one mutation against a single vector id, per spec.md §6.
// Embedding and Metadata are omitted for OpDelete.
type Change struct {
	Op            Op
	VectorID      string
	Embedding     []float32
	Metadata      *encoding.Metadata
	SourceNode    string
	LogicalClock  int64
	VersionVector map[string]int64
}

// Delta is one shard's batch of changes, per spec.md §6.
type Delta struct {
	ShardID   string
	ChangeList []Change
}

// wireChange/wireDelta are the JSON-serializable shapes Change/Delta
// marshal through, since encoding.Metadata carries its own order-
// preserving codec rather than struct tags.
type wireChange struct {
	Op            Op                `json:"op"`
	VectorID      string            `json:"vector_id"`
	Embedding     []float32         `json:"embedding,omitempty"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
	SourceNode    string            `json:"source_node"`
	LogicalClock  int64             `json:"logical_clock"`
	VersionVector map[string]int64  `json:"version_vector,omitempty"`
}

type wireDelta struct {
	ShardID    string       `json:"shard_id"`
	ChangeList []wireChange `json:"change_list"`
}

// Marshal encodes d to the wire codec's JSON representation.
func Marshal(d Delta) ([]byte, error) {
	wd := wireDelta{ShardID: d.ShardID, ChangeList: make([]wireChange, len(d.ChangeList))}
	for i, c := range d.ChangeList {
		wc := wireChange{
			Op:            c.Op,
			VectorID:      c.VectorID,
			Embedding:     c.Embedding,
			SourceNode:    c.SourceNode,
			LogicalClock:  c.LogicalClock,
			VersionVector: c.VersionVector,
		}
		if c.Metadata != nil {
			raw, err := encoding.EncodeMetadata(c.Metadata)
			if err != nil {
				return nil, fmt.Errorf("sync: marshal change %q: %w", c.VectorID, err)
			}
			wc.Metadata = raw
		}
		wd.ChangeList[i] = wc
	}
	return json.Marshal(wd)
}

// Unmarshal reverses Marshal.
func Unmarshal(data []byte) (Delta, error) {
	var wd wireDelta
	if err := json.Unmarshal(data, &wd); err != nil {
		return Delta{}, fmt.Errorf("sync: unmarshal delta: %w", err)
	}
	d := Delta{ShardID: wd.ShardID, ChangeList: make([]Change, len(wd.ChangeList))}
	for i, wc := range wd.ChangeList {
		c := Change{
			Op:            wc.Op,
			VectorID:      wc.VectorID,
			Embedding:     wc.Embedding,
			SourceNode:    wc.SourceNode,
			LogicalClock:  wc.LogicalClock,
			VersionVector: wc.VersionVector,
		}
		if len(wc.Metadata) > 0 {
			meta, err := encoding.DecodeMetadata(wc.Metadata)
			if err != nil {
				return Delta{}, fmt.Errorf("sync: unmarshal change %q: %w", wc.VectorID, err)
			}
			c.Metadata = meta
		}
		d.ChangeList[i] = c
	}
	return d, nil
}

// Coalesce collapses multiple changes to the same vector id into their
// terminal op, per spec.md §6's "coalesce multiple ops on the same
// vector_id into the terminal op" optimization. Among same-id changes,
// the terminal op is chosen by Resolve's last-write-wins rule; output
// order follows each surviving vector id's first appearance in changes.
func Coalesce(changes []Change) []Change {
	order := make([]string, 0, len(changes))
	latest := make(map[string]Change, len(changes))
	for _, c := range changes {
		if existing, ok := latest[c.VectorID]; ok {
			latest[c.VectorID] = Resolve(existing, c)
			continue
		}
		order = append(order, c.VectorID)
		latest[c.VectorID] = c
	}
	out := make([]Change, len(order))
	for i, id := range order {
		out[i] = latest[id]
	}
	return out
}

// Resolve implements spec.md §6's conflict-resolution algorithm:
// last-write-wins on logical clock, ties broken by lexicographically
// greater source_node.
func Resolve(a, b Change) Change {
	if a.LogicalClock != b.LogicalClock {
		if a.LogicalClock > b.LogicalClock {
			return a
		}
		return b
	}
	if a.SourceNode >= b.SourceNode {
		return a
	}
	return b
}

// Merge combines two shards' change lists for the same vector ids,
// resolving every collision with Resolve and coalescing the result, so
// it is safe to feed Merge's own output back in as one side of a later
// merge.
func Merge(a, b []Change) []Change {
	combined := make([]Change, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].LogicalClock < combined[j].LogicalClock
	})
	return Coalesce(combined)
}
