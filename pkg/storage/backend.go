// Package storage implements the StorageBackend (C2): an on-disk
// modernc.org/sqlite-backed variant and an in-memory variant, sharing a
// common Backend interface and the internal/encoding codecs.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/vectorkit/vdb/internal/encoding"
)

var (
	ErrNotFound      = errors.New("storage: record not found")
	ErrAlreadyExists = errors.New("storage: record already exists")
	ErrClosed        = errors.New("storage: backend is closed")
)

// Record is the on-disk/in-memory representation of a vector plus its
// ordered metadata tree, shared by both Backend variants.
type Record struct {
	ID       string
	Vector   []float32
	Metadata *encoding.Metadata
}

// Stats is the structural snapshot a Backend reports, per spec.md §4.2.
type Stats struct {
	RecordCount int
	Dimension   int
	BytesOnDisk int64
}

// Backend is the storage contract both the on-disk and in-process variants
// satisfy. Scan visits every live record in unspecified order, stopping
// early if visit returns false.
type Backend interface {
	Put(ctx context.Context, rec Record) error
	PutBatch(ctx context.Context, recs []Record) error
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	Scan(ctx context.Context, visit func(Record) bool) error
	Stats(ctx context.Context) (Stats, error)
	Export(w io.Writer) error
	Import(r io.Reader) error
	Close() error
}
