package sync

import (
	"testing"

	"github.com/vectorkit/vdb/internal/encoding"
)

func TestResolveLastWriteWinsOnLogicalClock(t *testing.T) {
	a := Change{VectorID: "v1", LogicalClock: 5, SourceNode: "node-a"}
	b := Change{VectorID: "v1", LogicalClock: 7, SourceNode: "node-b"}

	got := Resolve(a, b)
	if got.SourceNode != "node-b" {
		t.Fatalf("expected node-b (higher logical clock) to win, got %+v", got)
	}
}

func TestResolveTieBreaksOnSourceNode(t *testing.T) {
	a := Change{VectorID: "v1", LogicalClock: 5, SourceNode: "node-a"}
	b := Change{VectorID: "v1", LogicalClock: 5, SourceNode: "node-z"}

	got := Resolve(a, b)
	if got.SourceNode != "node-z" {
		t.Fatalf("expected lexicographically greater source_node node-z to win, got %+v", got)
	}
}

func TestCoalesceKeepsTerminalOpPerVectorID(t *testing.T) {
	changes := []Change{
		{VectorID: "v1", Op: OpInsert, LogicalClock: 1, SourceNode: "a"},
		{VectorID: "v2", Op: OpInsert, LogicalClock: 1, SourceNode: "a"},
		{VectorID: "v1", Op: OpUpdate, LogicalClock: 2, SourceNode: "a"},
		{VectorID: "v1", Op: OpDelete, LogicalClock: 3, SourceNode: "a"},
	}

	out := Coalesce(changes)
	if len(out) != 2 {
		t.Fatalf("expected 2 surviving vector ids, got %d: %+v", len(out), out)
	}
	if out[0].VectorID != "v1" || out[0].Op != OpDelete {
		t.Fatalf("expected v1's terminal op to be delete, got %+v", out[0])
	}
	if out[1].VectorID != "v2" || out[1].Op != OpInsert {
		t.Fatalf("expected v2 unchanged, got %+v", out[1])
	}
}

func TestMergeResolvesCrossShardCollisions(t *testing.T) {
	a := []Change{{VectorID: "v1", Op: OpUpdate, LogicalClock: 10, SourceNode: "node-a"}}
	b := []Change{{VectorID: "v1", Op: OpDelete, LogicalClock: 12, SourceNode: "node-b"}}

	out := Merge(a, b)
	if len(out) != 1 {
		t.Fatalf("expected 1 merged change, got %d", len(out))
	}
	if out[0].Op != OpDelete || out[0].SourceNode != "node-b" {
		t.Fatalf("expected node-b's delete (later clock) to win, got %+v", out[0])
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	meta := encoding.NewMetadata()
	meta.Set("domain", encoding.StringValue("backend"))

	d := Delta{
		ShardID: "shard-1",
		ChangeList: []Change{
			{
				Op:            OpInsert,
				VectorID:      "v1",
				Embedding:     []float32{1, 2, 3},
				Metadata:      meta,
				SourceNode:    "node-a",
				LogicalClock:  1,
				VersionVector: map[string]int64{"node-a": 1},
			},
		},
	}

	data, err := Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ShardID != d.ShardID || len(got.ChangeList) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	c := got.ChangeList[0]
	if c.VectorID != "v1" || c.Op != OpInsert || len(c.Embedding) != 3 {
		t.Fatalf("round trip change mismatch: %+v", c)
	}
	domain, ok := c.Metadata.Get("domain")
	if !ok || domain.String != "backend" {
		t.Fatalf("expected metadata domain=backend, got %+v", domain)
	}
}
