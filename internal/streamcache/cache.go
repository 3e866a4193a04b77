// Package streamcache holds recently resolved streams in memory so that
// normal next-episode binge flows do not repeat expensive resolution calls.
// Entries are bounded both by a TTL and by a capacity cap with
// oldest-inserted-first eviction, and the cache can speculatively prefetch
// upcoming episodes in the background.
package streamcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vidway/vidway/internal/media"
	"github.com/vidway/vidway/internal/resolver"
)

const (
	// DefaultTTL is how long a resolved stream stays servable.
	DefaultTTL = 30 * time.Minute

	// DefaultCapacity bounds the number of live entries.
	DefaultCapacity = 20

	// prefetchWindow is how many upcoming episodes PrefetchNext targets.
	prefetchWindow = 2
)

// Entry is a cached resolution result. Immutable once stored; a newer
// resolution for the same identity overwrites the whole entry.
type Entry struct {
	Stream   media.ResolvedStream
	CachedAt time.Time
}

// Stats holds cache counters for observability
type Stats struct {
	Hits      int64
	Misses    int64
	Expired   int64
	Evictions int64
}

// Cache is a TTL- and capacity-bounded stream cache. It never persists:
// entries are scoped to the process lifetime. All methods are safe for
// concurrent use; the inFlight set is the de-duplication mechanism that
// keeps overlapping prefetches from resolving the same identity twice.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	order    []string // insertion order, oldest first
	inFlight map[string]bool
	stats    Stats

	ttl      time.Duration
	capacity int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithTTL overrides the default entry TTL
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithCapacity overrides the default capacity bound
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithClock overrides the time source. Tests use this to age entries
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used by background prefetch
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a stream cache with the standard defaults (30 minute TTL,
// 20 entries) unless overridden by options.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]*Entry),
		inFlight: make(map[string]bool),
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached stream for the identity, or false on a miss. An
// entry past its TTL is deleted as a side effect of the lookup and reported
// as a miss (lazy expiry).
func (c *Cache) Get(id media.Identity) (media.ResolvedStream, bool) {
	key := id.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return media.ResolvedStream{}, false
	}

	if c.now().Sub(entry.CachedAt) > c.ttl {
		c.removeLocked(key)
		c.stats.Expired++
		c.stats.Misses++
		return media.ResolvedStream{}, false
	}

	c.stats.Hits++
	return entry.Stream, true
}

// Set stores a resolved stream under the identity's key, stamping CachedAt
// now. If the cache is at capacity and the key is not already present, the
// single oldest-inserted entry is evicted first.
func (c *Cache) Set(id media.Identity, stream media.ResolvedStream) {
	key := id.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		// Overwrite keeps the original insertion slot so a refreshed
		// entry does not jump the eviction queue.
		c.entries[key] = &Entry{Stream: stream, CachedAt: c.now()}
		return
	}

	if len(c.entries) >= c.capacity {
		oldest := c.order[0]
		c.removeLocked(oldest)
		c.stats.Evictions++
	}

	c.entries[key] = &Entry{Stream: stream, CachedAt: c.now()}
	c.order = append(c.order, key)
}

// Contains reports whether the identity has a live (unexpired) entry,
// without promoting or mutating anything beyond lazy expiry.
func (c *Cache) Contains(id media.Identity) bool {
	key := id.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().Sub(entry.CachedAt) > c.ttl {
		c.removeLocked(key)
		c.stats.Expired++
		return false
	}
	return true
}

// Len returns the number of stored entries, including not-yet-reaped
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// removeLocked deletes an entry and its insertion-order slot. Caller holds mu.
func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// PrefetchNext resolves the next episodes of a show in the background so a
// binge session finds them already cached. For each of the next two episode
// offsets that fit within the season and are neither cached nor already
// being fetched, it marks the identity in-flight, resolves asynchronously,
// stores non-empty successes, and clears the marker when the call settles.
// Overlapping calls for the same window are safe: the in-flight marker
// guarantees at most one resolution per identity at a time.
func (c *Cache) PrefetchNext(ctx context.Context, gw resolver.Gateway, title string, year, season, episode, totalEpisodes int) {
	for offset := 1; offset <= prefetchWindow; offset++ {
		target := media.Identity{
			Title:   title,
			Type:    media.MediaTypeTV,
			Year:    year,
			Season:  season,
			Episode: episode + offset,
		}
		if target.Episode > totalEpisodes {
			break
		}
		if !c.claim(target) {
			continue
		}

		go func(id media.Identity) {
			defer c.release(id)

			stream, err := gw.Resolve(ctx, id)
			if err != nil {
				c.logger.Debug("prefetch resolution failed",
					"identity", id.String(), "reason", resolver.FailureReason(err))
				return
			}
			if len(stream.Sources) == 0 {
				return
			}
			c.Set(id, *stream)
			c.logger.Debug("prefetched episode", "identity", id.String(), "provider", stream.Provider)
		}(target)
	}
}

// claim marks an identity in-flight. Returns false when the identity is
// already cached or already being fetched.
func (c *Cache) claim(id media.Identity) bool {
	key := id.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && c.now().Sub(entry.CachedAt) <= c.ttl {
		return false
	}
	if c.inFlight[key] {
		return false
	}
	c.inFlight[key] = true
	return true
}

// release clears the in-flight marker for an identity
func (c *Cache) release(id media.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id.Key())
}

// InFlight reports whether a fetch for the identity is currently pending
func (c *Cache) InFlight(id media.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[id.Key()]
}
