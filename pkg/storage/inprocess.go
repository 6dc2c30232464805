package storage

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/vectorkit/vdb/internal/encoding"
)

// InProcess is the pure in-memory Backend, grounded on the teacher's root
// store.go idToKey/keyToID bookkeeping and flat.go's in-memory vector map,
// generalized to the arena + live-bitmap pattern pkg/index also uses so
// tombstoning stays a cheap mark instead of a map delete during Scan.
type InProcess struct {
	mu sync.RWMutex

	dimension int
	records   []*Record // arena
	idToIndex map[string]uint32
	live      *roaring.Bitmap
	closed    bool
}

// NewInProcess creates an empty in-memory backend. dimension is 0 until the
// first Put, at which point it is fixed.
func NewInProcess() *InProcess {
	return &InProcess{
		idToIndex: make(map[string]uint32),
		live:      roaring.New(),
	}
}

func (s *InProcess) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(rec)
}

func (s *InProcess) putLocked(rec Record) error {
	if s.closed {
		return ErrClosed
	}
	if s.dimension == 0 {
		s.dimension = len(rec.Vector)
	}

	if idx, exists := s.idToIndex[rec.ID]; exists {
		s.records[idx] = &rec
		s.live.Add(idx)
		return nil
	}

	idx := uint32(len(s.records))
	s.records = append(s.records, &rec)
	s.idToIndex[rec.ID] = idx
	s.live.Add(idx)
	return nil
}

// PutBatch writes every record in order under one write lock. putLocked
// fails only on a closed backend, which the first record already reports,
// so a batch is either written whole or not at all.
func (s *InProcess) PutBatch(ctx context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range recs {
		if err := s.putLocked(rec); err != nil {
			return fmt.Errorf("storage: batch put at index %d: %w", i, err)
		}
	}
	return nil
}

func (s *InProcess) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	idx, exists := s.idToIndex[id]
	if !exists || !s.live.Contains(idx) {
		return Record{}, ErrNotFound
	}
	return *s.records[idx], nil
}

func (s *InProcess) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	idx, exists := s.idToIndex[id]
	if !exists || !s.live.Contains(idx) {
		return ErrNotFound
	}
	s.live.Remove(idx)
	return nil
}

func (s *InProcess) Scan(ctx context.Context, visit func(Record) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	it := s.live.Iterator()
	for it.HasNext() {
		idx := it.Next()
		if !visit(*s.records[idx]) {
			return nil
		}
	}
	return nil
}

func (s *InProcess) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}
	var bytesOnDisk int64
	it := s.live.Iterator()
	for it.HasNext() {
		idx := it.Next()
		bytesOnDisk += int64(len(s.records[idx].Vector) * 4)
	}
	return Stats{
		RecordCount: int(s.live.GetCardinality()),
		Dimension:   s.dimension,
		BytesOnDisk: bytesOnDisk,
	}, nil
}

// gobRecord is the wire shape used for Export/Import, since encoding/gob
// cannot directly round-trip the Metadata type's unexported fields.
type gobRecord struct {
	ID             string
	VectorBytes    []byte
	MetadataBytes  []byte
}

// Export serializes every live record via encoding/gob, matching the
// teacher's HNSW Save/Load persistence idiom.
func (s *InProcess) Export(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(s.dimension); err != nil {
		return fmt.Errorf("storage: export dimension: %w", err)
	}

	var out []gobRecord
	it := s.live.Iterator()
	for it.HasNext() {
		idx := it.Next()
		rec := s.records[idx]

		vecBytes, err := encoding.EncodeVector(rec.Vector)
		if err != nil {
			return fmt.Errorf("storage: export vector %q: %w", rec.ID, err)
		}
		var metaBytes []byte
		if rec.Metadata != nil {
			metaBytes, err = encoding.EncodeMetadata(rec.Metadata)
			if err != nil {
				return fmt.Errorf("storage: export metadata %q: %w", rec.ID, err)
			}
		}
		out = append(out, gobRecord{ID: rec.ID, VectorBytes: vecBytes, MetadataBytes: metaBytes})
	}

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("storage: export records: %w", err)
	}
	return nil
}

// Import replaces the backend's contents with the gob stream produced by
// Export.
func (s *InProcess) Import(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	dec := gob.NewDecoder(r)
	var dimension int
	if err := dec.Decode(&dimension); err != nil {
		return fmt.Errorf("storage: import dimension: %w", err)
	}
	var in []gobRecord
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("storage: import records: %w", err)
	}

	s.dimension = dimension
	s.records = nil
	s.idToIndex = make(map[string]uint32)
	s.live = roaring.New()

	for _, gr := range in {
		vec, err := encoding.DecodeVector(gr.VectorBytes)
		if err != nil {
			return fmt.Errorf("storage: import vector %q: %w", gr.ID, err)
		}
		var meta *encoding.Metadata
		if len(gr.MetadataBytes) > 0 {
			meta, err = encoding.DecodeMetadata(gr.MetadataBytes)
			if err != nil {
				return fmt.Errorf("storage: import metadata %q: %w", gr.ID, err)
			}
		}
		if err := s.putLocked(Record{ID: gr.ID, Vector: vec, Metadata: meta}); err != nil {
			return fmt.Errorf("storage: import put %q: %w", gr.ID, err)
		}
	}
	return nil
}

func (s *InProcess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
