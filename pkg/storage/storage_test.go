package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vectorkit/vdb/internal/encoding"
)

func sampleRecord(id string, dim int) Record {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(i + 1)
	}
	meta := encoding.NewMetadata()
	meta.Set("label", encoding.StringValue("sample"))
	return Record{ID: id, Vector: vec, Metadata: meta}
}

func TestInProcessPutGetDelete(t *testing.T) {
	ctx := context.Background()
	backend := NewInProcess()

	if err := backend.Put(ctx, sampleRecord("a", 4)); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := backend.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Vector) != 4 {
		t.Fatalf("expected dimension 4, got %d", len(rec.Vector))
	}

	if err := backend.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := backend.Get(ctx, "a"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestInProcessExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewInProcess()
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		if err := src.Put(ctx, sampleRecord(id, 4)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	var buf bytes.Buffer
	if err := src.Export(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := NewInProcess()
	if err := dst.Import(&buf); err != nil {
		t.Fatalf("import: %v", err)
	}

	stats, err := dst.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.RecordCount != 10 {
		t.Fatalf("expected 10 records after import, got %d", stats.RecordCount)
	}
}

func TestInProcessScanStopsEarly(t *testing.T) {
	ctx := context.Background()
	backend := NewInProcess()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		backend.Put(ctx, sampleRecord(id, 2))
	}

	visited := 0
	err := backend.Scan(ctx, func(Record) bool {
		visited++
		return visited < 2
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if visited != 2 {
		t.Fatalf("expected scan to stop after 2 visits, got %d", visited)
	}
}

func TestOnDiskPutGetPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.db")

	ctx := context.Background()
	backend, err := OpenOnDisk(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := backend.Put(ctx, sampleRecord("a", 4)); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := backend.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Vector) != 4 {
		t.Fatalf("expected dimension 4, got %d", len(rec.Vector))
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected container file to exist: %v", err)
	}
}

func TestOnDiskPutBatchAtomicity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.db")
	ctx := context.Background()

	backend, err := OpenOnDisk(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()

	recs := []Record{sampleRecord("x", 3), sampleRecord("y", 3), sampleRecord("z", 3)}
	if err := backend.PutBatch(ctx, recs); err != nil {
		t.Fatalf("put batch: %v", err)
	}

	stats, err := backend.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.RecordCount != 3 {
		t.Fatalf("expected 3 records, got %d", stats.RecordCount)
	}
}
