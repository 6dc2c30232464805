package cache

import (
	"testing"
	"time"
)

func TestCachePutGetHit(t *testing.T) {
	c := New(DefaultConfig())
	key := Fingerprint([]float32{1, 2, 3, 4}, 5, "cosine", 0.0)

	if _, ok := c.Get(key); ok {
		t.Fatalf("expected miss before put")
	}

	c.Put(key, []Result{{ID: "a", Score: 0.9}})
	results, ok := c.Get(key)
	if !ok {
		t.Fatalf("expected hit after put")
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("unexpected results: %v", results)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}
}

func TestCacheFingerprintStableForSameQuery(t *testing.T) {
	q := []float32{0.123456, 0.654321, 1, 2, 3, 4, 5, 6, 7, 8}
	a := Fingerprint(q, 10, "euclidean", 0.5)
	b := Fingerprint(q, 10, "euclidean", 0.5)
	if a != b {
		t.Fatalf("expected identical fingerprints for identical queries")
	}

	c := Fingerprint(q, 11, "euclidean", 0.5)
	if a == c {
		t.Fatalf("expected fingerprint to change when k changes")
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	c := New(DefaultConfig())
	key := Fingerprint([]float32{1, 2}, 3, "dot", 0)
	c.Put(key, []Result{{ID: "x"}})
	c.InvalidateAll()
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected miss after InvalidateAll")
	}
}

func TestCacheResizeEvicts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 10
	c := New(cfg)
	for i := 0; i < 10; i++ {
		key := Fingerprint([]float32{float32(i)}, 1, "cosine", 0)
		c.Put(key, []Result{{ID: key}})
	}
	if c.Stats().Size != 10 {
		t.Fatalf("expected 10 entries before resize, got %d", c.Stats().Size)
	}

	c.Resize(3)
	if c.Stats().Size > 3 {
		t.Fatalf("expected size capped at 3 after resize, got %d", c.Stats().Size)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	cfg := Config{MaxSize: 10, TTL: 20 * time.Millisecond, StatsEnabled: true}
	c := New(cfg)
	key := Fingerprint([]float32{9, 9}, 2, "cosine", 0)
	c.Put(key, []Result{{ID: "expiring"}})

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected miss after TTL expiry")
	}
}
