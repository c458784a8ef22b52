// Package idempotency replays recorded responses for retried mutations.
// Ingest SDKs retry batches on timeouts, and a retry that reaches the
// handler re-runs batcher and alert side effects. Clients opt in per
// request with an Idempotency-Key header; the recorded response is
// replayed for the life of the record instead of executing again.
package idempotency

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultTTL bounds how long a recorded response stays replayable.
	DefaultTTL = 10 * time.Minute

	// DefaultMaxEntries caps the ledger across all teams.
	DefaultMaxEntries = 4096
)

// Response is a recorded mutation outcome.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type record struct {
	resp Response
	at   time.Time
}

// Cache holds recent mutation responses. Expiry is lazy: stale records
// fall out on lookup, and capacity pressure prunes them before evicting
// anything still live, so no background goroutine is needed.
type Cache struct {
	mu         sync.Mutex
	records    map[string]record
	ttl        time.Duration
	maxEntries int
	nowFunc    func() time.Time
	replays    prometheus.Counter
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides how long records stay replayable.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxEntries overrides the record cap.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) { c.nowFunc = now }
}

// WithCounter counts responses served from the cache.
func WithCounter(counter prometheus.Counter) Option {
	return func(c *Cache) { c.replays = counter }
}

// New builds an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		records:    make(map[string]record),
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the recorded response for key if it has not expired.
func (c *Cache) Lookup(key string) (Response, bool) {
	now := c.nowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return Response{}, false
	}
	if now.Sub(rec.at) > c.ttl {
		delete(c.records, key)
		return Response{}, false
	}
	if c.replays != nil {
		c.replays.Inc()
	}
	return rec.resp, true
}

// Record stores a response under key. At capacity, expired records are
// pruned first; when nothing has expired the oldest record is evicted.
func (c *Cache) Record(key string, resp Response) {
	now := c.nowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[key]; !exists && len(c.records) >= c.maxEntries {
		if c.pruneLocked(now) == 0 {
			c.evictOldestLocked()
		}
	}
	c.records[key] = record{resp: resp, at: now}
}

// Len reports how many records are currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Cache) pruneLocked(now time.Time) int {
	removed := 0
	for key, rec := range c.records {
		if now.Sub(rec.at) > c.ttl {
			delete(c.records, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, rec := range c.records {
		if first || rec.at.Before(oldestAt) {
			oldestKey = key
			oldestAt = rec.at
			first = false
		}
	}
	if !first {
		delete(c.records, oldestKey)
	}
}
