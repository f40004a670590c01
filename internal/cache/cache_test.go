package cache

import (
	"testing"
	"time"
)

func TestGetRefreshesRecency(t *testing.T) {
	c := New[string, int](2, time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted as least recently used")
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("a = %d, %v; want 1, true", v, ok)
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Errorf("c = %d, %v; want 3, true", v, ok)
	}
}

func TestExpiredEntryIsMiss(t *testing.T) {
	c := New[string, string](4, 100*time.Millisecond)
	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }

	c.Put("k", "v")

	// Just before expiry: hit.
	c.now = func() time.Time { return base.Add(99 * time.Millisecond) }
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should still be valid before TTL")
	}

	// Past expiry: miss and eviction.
	c.now = func() time.Time { return base.Add(101 * time.Millisecond) }
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry older than TTL must be a miss")
	}
	if got := c.Stats().Size; got != 0 {
		t.Errorf("size = %d after expired get; want 0", got)
	}
}

func TestCleanupReclaimsExpired(t *testing.T) {
	c := New[int, int](8, time.Second)
	base := time.Unix(2000, 0)
	c.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		c.Put(i, i)
	}
	c.now = func() time.Time { return base.Add(2 * time.Second) }
	c.Put(99, 99) // fresh entry must survive

	if removed := c.Cleanup(); removed != 5 {
		t.Errorf("Cleanup removed %d; want 5", removed)
	}
	if v, ok := c.Get(99); !ok || v != 99 {
		t.Errorf("fresh entry lost: %d, %v", v, ok)
	}
}

func TestStats(t *testing.T) {
	c := New[string, int](2, time.Minute)
	c.Put("a", 1)

	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d; want 2/1", s.Hits, s.Misses)
	}
	if got := s.HitRate(); got < 0.66 || got > 0.67 {
		t.Errorf("hit rate = %f; want ~0.667", got)
	}
}

func TestPutReplacesAndResetsTTL(t *testing.T) {
	c := New[string, int](2, time.Second)
	base := time.Unix(3000, 0)
	c.now = func() time.Time { return base }

	c.Put("k", 1)
	c.now = func() time.Time { return base.Add(900 * time.Millisecond) }
	c.Put("k", 2)

	// 1.5s after the first put, but only 0.6s after the replacement.
	c.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	if v, ok := c.Get("k"); !ok || v != 2 {
		t.Errorf("got %d, %v; want 2, true (replacement resets TTL)", v, ok)
	}
}
