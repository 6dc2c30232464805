package storage

import (
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/vectorkit/vdb/internal/encoding"
)

// OnDisk is the modernc.org/sqlite-backed Backend, grounded on the
// teacher's pkg/core/store_init.go (WAL pragmas, connection pool sizing)
// and pkg/core/store_crud.go (transactional batch writes). A gofrs/flock
// advisory lock on the container file guards against two processes opening
// the same path concurrently, per spec.md §6.
type OnDisk struct {
	mu sync.RWMutex

	path      string
	db        *sql.DB
	fileLock  *flock.Flock
	dimension int
	closed    bool
}

// OpenOnDisk opens (creating if necessary) a SQLite-backed container at
// path, with WAL journaling and a busy timeout tuned the way
// store_init.go tunes them.
func OpenOnDisk(ctx context.Context, path string) (*OnDisk, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire container lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("storage: container %q is locked by another process", path)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	s := &OnDisk{path: path, db: db, fileLock: lock}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if err := s.loadDimension(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *OnDisk) createTables(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		metadata BLOB,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS container_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: create tables: %w", err)
	}
	return nil
}

func (s *OnDisk) loadDimension(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, "SELECT value FROM container_meta WHERE key = 'dimension'")
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("storage: load dimension: %w", err)
	}
	var dim int
	if _, err := fmt.Sscanf(v, "%d", &dim); err != nil {
		return fmt.Errorf("storage: parse stored dimension: %w", err)
	}
	s.dimension = dim
	return nil
}

func (s *OnDisk) persistDimension(ctx context.Context, dim int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO container_meta (key, value) VALUES ('dimension', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", dim))
	return err
}

func (s *OnDisk) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.dimension == 0 {
		s.dimension = len(rec.Vector)
		if err := s.persistDimension(ctx, s.dimension); err != nil {
			return fmt.Errorf("storage: persist dimension: %w", err)
		}
	}
	return s.putLocked(ctx, s.db, rec)
}

func (s *OnDisk) putLocked(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, rec Record) error {
	vecBytes, err := encoding.EncodeVector(rec.Vector)
	if err != nil {
		return fmt.Errorf("storage: encode vector %q: %w", rec.ID, err)
	}
	var metaBytes []byte
	if rec.Metadata != nil {
		metaBytes, err = encoding.EncodeMetadata(rec.Metadata)
		if err != nil {
			return fmt.Errorf("storage: encode metadata %q: %w", rec.ID, err)
		}
	}
	_, err = execer.ExecContext(ctx,
		`INSERT INTO records (id, vector, metadata, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, metadata = excluded.metadata`,
		rec.ID, vecBytes, metaBytes)
	if err != nil {
		return fmt.Errorf("storage: insert record %q: %w", rec.ID, err)
	}
	return nil
}

// PutBatch encodes every record concurrently (the CPU-bound half of the
// work) via an errgroup, then writes them serially inside a single
// transaction so the commit stays atomic, per pkg/core/store_crud.go's
// UpsertBatch.
func (s *OnDisk) PutBatch(ctx context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(recs) == 0 {
		return nil
	}
	if s.dimension == 0 {
		s.dimension = len(recs[0].Vector)
		if err := s.persistDimension(ctx, s.dimension); err != nil {
			return fmt.Errorf("storage: persist dimension: %w", err)
		}
	}

	type encoded struct {
		id       string
		vecBytes []byte
		metaBytes []byte
	}
	out := make([]encoded, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range recs {
		i := i
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			rec := recs[i]
			vecBytes, err := encoding.EncodeVector(rec.Vector)
			if err != nil {
				return fmt.Errorf("storage: encode vector at index %d: %w", i, err)
			}
			var metaBytes []byte
			if rec.Metadata != nil {
				metaBytes, err = encoding.EncodeMetadata(rec.Metadata)
				if err != nil {
					return fmt.Errorf("storage: encode metadata at index %d: %w", i, err)
				}
			}
			out[i] = encoded{id: rec.ID, vecBytes: vecBytes, metaBytes: metaBytes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin batch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (id, vector, metadata, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, metadata = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("storage: prepare batch statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, e := range out {
		if _, err := stmt.ExecContext(ctx, e.id, e.vecBytes, e.metaBytes); err != nil {
			return fmt.Errorf("storage: insert record at index %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit batch transaction: %w", err)
	}
	return nil
}

func (s *OnDisk) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, "SELECT vector, metadata FROM records WHERE id = ?", id)
	var vecBytes, metaBytes []byte
	if err := row.Scan(&vecBytes, &metaBytes); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("storage: get %q: %w", id, err)
	}

	vec, err := encoding.DecodeVector(vecBytes)
	if err != nil {
		return Record{}, fmt.Errorf("storage: decode vector %q: %w", id, err)
	}
	var meta *encoding.Metadata
	if len(metaBytes) > 0 {
		meta, err = encoding.DecodeMetadata(metaBytes)
		if err != nil {
			return Record{}, fmt.Errorf("storage: decode metadata %q: %w", id, err)
		}
	}
	return Record{ID: id, Vector: vec, Metadata: meta}, nil
}

func (s *OnDisk) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("storage: delete %q: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected for delete %q: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *OnDisk) Scan(ctx context.Context, visit func(Record) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, vector, metadata FROM records")
	if err != nil {
		return fmt.Errorf("storage: scan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var vecBytes, metaBytes []byte
		if err := rows.Scan(&id, &vecBytes, &metaBytes); err != nil {
			return fmt.Errorf("storage: scan row: %w", err)
		}
		vec, err := encoding.DecodeVector(vecBytes)
		if err != nil {
			return fmt.Errorf("storage: decode vector %q during scan: %w", id, err)
		}
		var meta *encoding.Metadata
		if len(metaBytes) > 0 {
			meta, err = encoding.DecodeMetadata(metaBytes)
			if err != nil {
				return fmt.Errorf("storage: decode metadata %q during scan: %w", id, err)
			}
		}
		if !visit(Record{ID: id, Vector: vec, Metadata: meta}) {
			break
		}
	}
	return rows.Err()
}

func (s *OnDisk) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("storage: count records: %w", err)
	}
	var pageCount, pageSize int64
	_ = s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)

	return Stats{
		RecordCount: count,
		Dimension:   s.dimension,
		BytesOnDisk: pageCount * pageSize,
	}, nil
}

// Export streams every record as a gob-encoded sequence, readable by
// Import on either Backend variant.
func (s *OnDisk) Export(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(s.dimension); err != nil {
		return fmt.Errorf("storage: export dimension: %w", err)
	}

	rows, err := s.db.Query("SELECT id, vector, metadata FROM records")
	if err != nil {
		return fmt.Errorf("storage: export query: %w", err)
	}
	defer rows.Close()

	var out []gobRecord
	for rows.Next() {
		var gr gobRecord
		if err := rows.Scan(&gr.ID, &gr.VectorBytes, &gr.MetadataBytes); err != nil {
			return fmt.Errorf("storage: export scan: %w", err)
		}
		out = append(out, gr)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("storage: export records: %w", err)
	}
	return nil
}

// Import replaces the container's records table with the gob stream
// produced by Export.
func (s *OnDisk) Import(r io.Reader) error {
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

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin import transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM records"); err != nil {
		return fmt.Errorf("storage: clear records before import: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO records (id, vector, metadata, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)")
	if err != nil {
		return fmt.Errorf("storage: prepare import statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, gr := range in {
		if _, err := stmt.Exec(gr.ID, gr.VectorBytes, gr.MetadataBytes); err != nil {
			return fmt.Errorf("storage: import record %q: %w", gr.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit import transaction: %w", err)
	}

	s.dimension = dimension
	return s.persistDimension(context.Background(), dimension)
}

func (s *OnDisk) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		_ = s.fileLock.Unlock()
		return fmt.Errorf("storage: close database: %w", err)
	}
	return s.fileLock.Unlock()
}
