package streamcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidway/vidway/internal/media"
	"github.com/vidway/vidway/internal/resolver"
)

func movieID(title string) media.Identity {
	return media.Identity{Title: title, Type: media.MediaTypeMovie, Year: 2020}
}

func episodeID(title string, season, episode int) media.Identity {
	return media.Identity{Title: title, Type: media.MediaTypeTV, Season: season, Episode: episode}
}

func testStream(provider string) media.ResolvedStream {
	return media.ResolvedStream{
		Sources:  []media.Source{{URL: "http://cdn/" + provider + "/master.m3u8", Quality: "1080p", IsM3U8: true}},
		Provider: provider,
	}
}

// fakeGateway counts Resolve calls per identity key and optionally blocks
// until released, to exercise the in-flight de-duplication window.
type fakeGateway struct {
	mu      sync.Mutex
	calls   map[string]int
	block   chan struct{}
	failFor map[string]error
	total   atomic.Int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: make(map[string]int), failFor: make(map[string]error)}
}

func (g *fakeGateway) Resolve(ctx context.Context, id media.Identity) (*media.ResolvedStream, error) {
	g.mu.Lock()
	g.calls[id.Key()]++
	g.mu.Unlock()
	g.total.Add(1)

	if g.block != nil {
		<-g.block
	}

	g.mu.Lock()
	err := g.failFor[id.Key()]
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := testStream("fake")
	return &s, nil
}

func (g *fakeGateway) callsFor(id media.Identity) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id.Key()]
}

func TestCacheGetSet(t *testing.T) {
	t.Run("set then get returns stored value", func(t *testing.T) {
		c := New()
		id := movieID("Foo")
		c.Set(id, testStream("alpha"))

		got, ok := c.Get(id)
		require.True(t, ok)
		assert.Equal(t, "alpha", got.Provider)
	})

	t.Run("miss on unknown identity", func(t *testing.T) {
		c := New()
		_, ok := c.Get(movieID("Nope"))
		assert.False(t, ok)
	})

	t.Run("overwrite replaces the entry", func(t *testing.T) {
		c := New()
		id := movieID("Foo")
		c.Set(id, testStream("alpha"))
		c.Set(id, testStream("beta"))

		got, ok := c.Get(id)
		require.True(t, ok)
		assert.Equal(t, "beta", got.Provider)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("tv episodes cache independently", func(t *testing.T) {
		c := New()
		c.Set(episodeID("X", 1, 1), testStream("e1"))
		c.Set(episodeID("X", 1, 2), testStream("e2"))

		got, ok := c.Get(episodeID("X", 1, 1))
		require.True(t, ok)
		assert.Equal(t, "e1", got.Provider)
		assert.Equal(t, 2, c.Len())
	})
}

func TestCacheTTL(t *testing.T) {
	now := time.Now()
	c := New(WithClock(func() time.Time { return now }))

	id := movieID("Foo")
	c.Set(id, testStream("alpha"))

	// Just inside the TTL.
	now = now.Add(DefaultTTL - time.Second)
	_, ok := c.Get(id)
	assert.True(t, ok)

	// Past the TTL: reported as a miss and removed.
	now = now.Add(2 * time.Second)
	_, ok = c.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is deleted on lookup")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expired)
}

func TestCacheCapacityEviction(t *testing.T) {
	c := New()

	for i := 0; i < DefaultCapacity; i++ {
		c.Set(movieID(fmt.Sprintf("title-%d", i)), testStream("p"))
	}
	require.Equal(t, DefaultCapacity, c.Len())

	// The 21st insert evicts exactly the oldest-inserted entry.
	c.Set(movieID("title-20"), testStream("p"))

	assert.Equal(t, DefaultCapacity, c.Len())
	_, ok := c.Get(movieID("title-0"))
	assert.False(t, ok, "oldest entry evicted")
	for i := 1; i <= 20; i++ {
		_, ok := c.Get(movieID(fmt.Sprintf("title-%d", i)))
		assert.True(t, ok, "title-%d retained", i)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCacheEvictionIsInsertionOrderNotLRU(t *testing.T) {
	c := New(WithCapacity(2))

	c.Set(movieID("a"), testStream("p"))
	c.Set(movieID("b"), testStream("p"))

	// Touch "a" so an LRU cache would evict "b" next. Insertion-order
	// eviction must still drop "a".
	_, ok := c.Get(movieID("a"))
	require.True(t, ok)

	c.Set(movieID("c"), testStream("p"))

	_, ok = c.Get(movieID("a"))
	assert.False(t, ok)
	_, ok = c.Get(movieID("b"))
	assert.True(t, ok)
}

func TestCacheOverwriteKeepsEvictionSlot(t *testing.T) {
	c := New(WithCapacity(2))

	c.Set(movieID("a"), testStream("p1"))
	c.Set(movieID("b"), testStream("p"))
	c.Set(movieID("a"), testStream("p2")) // refresh, not re-insert

	c.Set(movieID("c"), testStream("p"))

	_, ok := c.Get(movieID("a"))
	assert.False(t, ok, "refreshed entry keeps its original insertion slot")
	_, ok = c.Get(movieID("b"))
	assert.True(t, ok)
}

func TestPrefetchNext(t *testing.T) {
	t.Run("prefetches the next two episodes", func(t *testing.T) {
		c := New()
		gw := newFakeGateway()

		c.PrefetchNext(context.Background(), gw, "Foo", 0, 1, 1, 10)
		waitForIdle(t, c, episodeID("Foo", 1, 2), episodeID("Foo", 1, 3))

		assert.True(t, c.Contains(episodeID("Foo", 1, 2)))
		assert.True(t, c.Contains(episodeID("Foo", 1, 3)))
	})

	t.Run("respects the season boundary", func(t *testing.T) {
		c := New()
		gw := newFakeGateway()

		// Episode 9 of 10: only episode 10 is a valid target.
		c.PrefetchNext(context.Background(), gw, "Foo", 0, 1, 9, 10)
		waitForIdle(t, c, episodeID("Foo", 1, 10))

		assert.Equal(t, int64(1), gw.total.Load())

		// Final episode: nothing to do.
		c2 := New()
		c2.PrefetchNext(context.Background(), newFakeGateway(), "Foo", 0, 1, 10, 10)
		assert.Equal(t, 0, c2.Len())
	})

	t.Run("deduplicates overlapping prefetch calls", func(t *testing.T) {
		c := New()
		gw := newFakeGateway()
		gw.block = make(chan struct{})

		c.PrefetchNext(context.Background(), gw, "Foo", 0, 1, 1, 10)
		c.PrefetchNext(context.Background(), gw, "Foo", 0, 1, 1, 10)

		close(gw.block)
		waitForIdle(t, c, episodeID("Foo", 1, 2), episodeID("Foo", 1, 3))

		assert.Equal(t, 1, gw.callsFor(episodeID("Foo", 1, 2)), "at most one call per target")
		assert.Equal(t, 1, gw.callsFor(episodeID("Foo", 1, 3)))
	})

	t.Run("skips already cached targets", func(t *testing.T) {
		c := New()
		gw := newFakeGateway()
		c.Set(episodeID("Foo", 1, 2), testStream("cached"))

		c.PrefetchNext(context.Background(), gw, "Foo", 0, 1, 1, 10)
		waitForIdle(t, c, episodeID("Foo", 1, 3))

		assert.Equal(t, 0, gw.callsFor(episodeID("Foo", 1, 2)))
		assert.Equal(t, 1, gw.callsFor(episodeID("Foo", 1, 3)))
	})

	t.Run("clears in-flight marker on failure", func(t *testing.T) {
		c := New()
		gw := newFakeGateway()
		gw.failFor[episodeID("Foo", 1, 2).Key()] = resolver.ErrNotFound

		c.PrefetchNext(context.Background(), gw, "Foo", 0, 1, 1, 10)
		waitForIdle(t, c, episodeID("Foo", 1, 2), episodeID("Foo", 1, 3))

		assert.False(t, c.Contains(episodeID("Foo", 1, 2)), "failed target not cached")
		assert.False(t, c.InFlight(episodeID("Foo", 1, 2)), "marker cleared after failure")

		// A later prefetch may retry the failed target.
		c.PrefetchNext(context.Background(), gw, "Foo", 0, 1, 1, 10)
		waitForIdle(t, c, episodeID("Foo", 1, 2))
		assert.Equal(t, 2, gw.callsFor(episodeID("Foo", 1, 2)))
	})

	t.Run("ignores empty-source successes", func(t *testing.T) {
		c := New()
		gw := &emptyGateway{}

		c.PrefetchNext(context.Background(), gw, "Foo", 0, 1, 1, 10)
		waitForIdle(t, c, episodeID("Foo", 1, 2), episodeID("Foo", 1, 3))

		assert.Equal(t, 0, c.Len())
	})
}

type emptyGateway struct{}

func (g *emptyGateway) Resolve(ctx context.Context, id media.Identity) (*media.ResolvedStream, error) {
	return &media.ResolvedStream{Provider: "empty"}, nil
}

// waitForIdle polls until no identity in the list is marked in-flight
func waitForIdle(t *testing.T, c *Cache, ids ...media.Identity) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		busy := false
		for _, id := range ids {
			if c.InFlight(id) {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("prefetch did not settle in time")
}
