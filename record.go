package vdb

import (
	"github.com/google/uuid"

	"github.com/vectorkit/vdb/internal/encoding"
)

// VectorRecord is the facade's view of spec.md §3's VectorRecord entity: an
// id, a dense embedding, an ordered metadata tree, and a creation timestamp.
// ID is immutable once inserted; callers may leave it empty on insert to
// have one generated.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Metadata  *encoding.Metadata
	CreatedAt int64 // ms epoch
}

// newID generates a stable record id the way the teacher's store.go does,
// swapped from its own ad hoc generator to google/uuid's random (v4) ids.
func newID() string {
	return uuid.NewString()
}

// SearchResult is one ranked hit returned by DB.Search.
type SearchResult struct {
	ID       string
	Score    float32
	Distance float32
	Metadata *encoding.Metadata
}
