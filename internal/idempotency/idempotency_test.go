package idempotency

import (
	"net/http"
	"testing"
	"time"
)

// fakeClock advances manually so expiry tests never sleep.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestCacheRecordAndLookup(t *testing.T) {
	c := New()

	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	c.Record("k1", Response{Status: 201, Header: hdr, Body: []byte(`{"id":"p1"}`)})

	resp, ok := c.Lookup("k1")
	if !ok {
		t.Fatal("expected a hit for k1")
	}
	if resp.Status != 201 {
		t.Fatalf("status = %d, want 201", resp.Status)
	}
	if string(resp.Body) != `{"id":"p1"}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type: %q", resp.Header.Get("Content-Type"))
	}
}

func TestCacheMiss(t *testing.T) {
	c := New()
	if _, ok := c.Lookup("absent"); ok {
		t.Fatal("expected a miss")
	}
}

func TestCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New(WithTTL(time.Minute), WithNow(clock.Now))

	c.Record("k1", Response{Status: 200})

	if _, ok := c.Lookup("k1"); !ok {
		t.Fatal("expected a hit before the TTL")
	}

	clock.Advance(2 * time.Minute)

	if _, ok := c.Lookup("k1"); ok {
		t.Fatal("expected a miss after the TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expired lookup should drop the record, have %d", c.Len())
	}
}

func TestCacheCapacityPrunesExpiredFirst(t *testing.T) {
	clock := newFakeClock()
	c := New(WithTTL(time.Minute), WithMaxEntries(2), WithNow(clock.Now))

	c.Record("stale", Response{Status: 200})
	clock.Advance(2 * time.Minute)
	c.Record("fresh", Response{Status: 200})

	// At capacity with one expired record: the expired one goes, the
	// fresh one survives.
	c.Record("next", Response{Status: 200})

	if _, ok := c.Lookup("stale"); ok {
		t.Fatal("expected the expired record to be pruned")
	}
	if _, ok := c.Lookup("fresh"); !ok {
		t.Fatal("expected the live record to survive capacity pressure")
	}
	if _, ok := c.Lookup("next"); !ok {
		t.Fatal("expected the new record to be stored")
	}
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	clock := newFakeClock()
	c := New(WithTTL(time.Hour), WithMaxEntries(2), WithNow(clock.Now))

	c.Record("k1", Response{Status: 200})
	clock.Advance(time.Second)
	c.Record("k2", Response{Status: 200})
	clock.Advance(time.Second)
	c.Record("k3", Response{Status: 200})

	if _, ok := c.Lookup("k1"); ok {
		t.Fatal("expected the oldest record to be evicted")
	}
	if _, ok := c.Lookup("k2"); !ok {
		t.Fatal("k2 should still be cached")
	}
	if _, ok := c.Lookup("k3"); !ok {
		t.Fatal("k3 should still be cached")
	}
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	clock := newFakeClock()
	c := New(WithTTL(time.Hour), WithMaxEntries(2), WithNow(clock.Now))

	c.Record("k1", Response{Status: 200, Body: []byte("v1")})
	clock.Advance(time.Second)
	c.Record("k2", Response{Status: 200})
	clock.Advance(time.Second)
	c.Record("k1", Response{Status: 202, Body: []byte("v2")})

	resp, ok := c.Lookup("k1")
	if !ok {
		t.Fatal("expected k1 to survive the overwrite")
	}
	if resp.Status != 202 || string(resp.Body) != "v2" {
		t.Fatalf("expected the overwritten record, got %d %s", resp.Status, resp.Body)
	}
	if _, ok := c.Lookup("k2"); !ok {
		t.Fatal("overwriting an existing key must not evict others")
	}
}
