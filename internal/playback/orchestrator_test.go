package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidway/vidway/internal/embed"
	"github.com/vidway/vidway/internal/media"
	"github.com/vidway/vidway/internal/player"
	"github.com/vidway/vidway/internal/progress"
	"github.com/vidway/vidway/internal/resolver"
	"github.com/vidway/vidway/internal/streamcache"
)

type playedCall struct {
	url  string
	opts player.PlayOptions
}

type fakePlayer struct {
	mu       sync.Mutex
	played   []playedCall
	playErr  error
	stopped  int
	playing  bool
	onSample func(player.PlaybackProgress)
	onEnd    func()
	onError  func(error)

	// When set, Play signals entered and parks on gate for urls
	// containing gateSubstr.
	gateSubstr string
	gate       chan struct{}
	entered    chan struct{}
}

func (f *fakePlayer) Play(ctx context.Context, url string, opts player.PlayOptions) error {
	f.mu.Lock()
	gate := f.gate
	blocked := gate != nil && strings.Contains(url, f.gateSubstr)
	f.mu.Unlock()
	if blocked {
		f.entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.played = append(f.played, playedCall{url: url, opts: opts})
	f.playing = true
	return nil
}

func (f *fakePlayer) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.playing = false
	return nil
}

func (f *fakePlayer) GetProgress(ctx context.Context) (*player.PlaybackProgress, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePlayer) Seek(ctx context.Context, position time.Duration) error { return nil }

func (f *fakePlayer) OnProgressUpdate(cb func(player.PlaybackProgress)) { f.onSample = cb }
func (f *fakePlayer) OnPlaybackEnd(cb func())                          { f.onEnd = cb }
func (f *fakePlayer) OnError(cb func(err error))                       { f.onError = cb }

func (f *fakePlayer) IsPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakePlayer) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakePlayer) calls() []playedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]playedCall, len(f.played))
	copy(out, f.played)
	return out
}

func (f *fakePlayer) lastCall(t *testing.T) playedCall {
	t.Helper()
	calls := f.calls()
	require.NotEmpty(t, calls)
	return calls[len(calls)-1]
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []media.Identity
	err     error
	empty   bool
	blockOn map[string]chan struct{}
}

func (g *fakeGateway) Resolve(ctx context.Context, id media.Identity) (*media.ResolvedStream, error) {
	g.mu.Lock()
	g.calls = append(g.calls, id)
	gate := g.blockOn[id.Key()]
	g.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.empty {
		return nil, resolver.ErrNoSources
	}
	return &media.ResolvedStream{
		Sources: []media.Source{{URL: "https://cdn.example.com/" + id.Key() + ".m3u8", Quality: "1080p", IsM3U8: true}},
		Subtitles: []media.SubtitleTrack{
			{URL: "https://cdn.example.com/sub-es.vtt", Lang: "es"},
			{URL: "https://cdn.example.com/sub-en.vtt", Lang: "en"},
		},
		Provider: "flixhq",
	}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) callsSince(n int) []media.Identity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]media.Identity, len(g.calls)-n)
	copy(out, g.calls[n:])
	return out
}

func showIdentity(episode int) media.Identity {
	return media.Identity{Title: "Dark", Type: media.MediaTypeTV, Year: 2017, Season: 1, Episode: episode}
}

func movieIdentity() media.Identity {
	return media.Identity{Title: "Heat", Type: media.MediaTypeMovie, Year: 1995}
}

type fixture struct {
	cache   *streamcache.Cache
	gateway *fakeGateway
	store   *progress.Store
	player  *fakePlayer
	orch    *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		cache:   streamcache.New(),
		gateway: &fakeGateway{},
		store:   progress.NewStore(nil),
		player:  &fakePlayer{},
	}
	f.orch = New(f.cache, f.gateway, f.store, f.player, opts...)
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPlayResolvesAndCaches(t *testing.T) {
	f := newFixture(t)
	id := showIdentity(1)

	err := f.orch.Play(context.Background(), Request{Identity: id, CatalogID: "dark-1", TotalEpisodes: 10})
	require.NoError(t, err)

	assert.Equal(t, StatePlaying, f.orch.State())
	require.Len(t, f.player.calls(), 1)
	assert.Contains(t, f.player.calls()[0].url, ".m3u8")
	assert.True(t, f.cache.Contains(id))

	t.Run("prefetch warms the next two episodes", func(t *testing.T) {
		waitFor(t, func() bool {
			return f.cache.Contains(showIdentity(2)) && f.cache.Contains(showIdentity(3))
		})
	})

	t.Run("replay of a prefetched episode skips the gateway", func(t *testing.T) {
		waitFor(t, func() bool {
			return !f.cache.InFlight(showIdentity(2)) && !f.cache.InFlight(showIdentity(3))
		})
		before := f.gateway.callCount()
		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: showIdentity(2), CatalogID: "dark-1", TotalEpisodes: 10}))
		// Prefetch for episodes 3 and 4 may fire, but episode 2
		// itself must come from the cache.
		for _, c := range f.gateway.callsSince(before) {
			assert.NotEqual(t, showIdentity(2).Key(), c.Key())
		}
	})

	t.Run("last played is recorded", func(t *testing.T) {
		lp, ok := f.store.GetLastPlayed()
		require.True(t, ok)
		assert.Equal(t, "dark-1", lp.ID)
	})
}

func TestPlayCacheHitSkipsGateway(t *testing.T) {
	f := newFixture(t)
	id := movieIdentity()
	f.cache.Set(id, media.ResolvedStream{
		Sources:  []media.Source{{URL: "https://cdn.example.com/heat.m3u8", IsM3U8: true}},
		Provider: "flixhq",
	})

	require.NoError(t, f.orch.Play(context.Background(), Request{Identity: id}))

	assert.Equal(t, StatePlaying, f.orch.State())
	assert.Equal(t, 0, f.gateway.callCount())
}

func TestPlayFailure(t *testing.T) {
	t.Run("not found is terminal", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.err = resolver.ErrNotFound

		err := f.orch.Play(context.Background(), Request{Identity: movieIdentity()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no stream found")
		assert.Equal(t, StateError, f.orch.State())
		assert.Empty(t, f.player.calls())
		assert.Equal(t, 1, f.gateway.callCount())
	})

	t.Run("empty sources is terminal", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.empty = true

		err := f.orch.Play(context.Background(), Request{Identity: movieIdentity()})
		require.Error(t, err)
		assert.Equal(t, StateError, f.orch.State())
	})

	t.Run("explicit retry re-resolves", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.err = resolver.ErrNotFound

		require.Error(t, f.orch.Play(context.Background(), Request{Identity: movieIdentity()}))
		require.Equal(t, 1, f.gateway.callCount())

		f.gateway.err = nil
		require.NoError(t, f.orch.Retry(context.Background()))
		assert.Equal(t, 2, f.gateway.callCount())
		assert.Equal(t, StatePlaying, f.orch.State())
	})

	t.Run("retry with no session errors", func(t *testing.T) {
		f := newFixture(t)
		assert.Error(t, f.orch.Retry(context.Background()))
	})
}

func TestResumeGuard(t *testing.T) {
	t.Run("seeks to a mid-stream saved position", func(t *testing.T) {
		f := newFixture(t)
		f.store.UpdateEpisodeProgress("dark-1", 1, 1, 15, 1200)

		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: showIdentity(1), CatalogID: "dark-1"}))
		assert.Equal(t, 15*time.Second, f.player.lastCall(t).opts.StartTime)
	})

	t.Run("does not resume into the credits", func(t *testing.T) {
		f := newFixture(t)
		f.store.UpdateEpisodeProgress("dark-1", 1, 1, 1190, 1200)

		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: showIdentity(1), CatalogID: "dark-1"}))
		assert.Zero(t, f.player.lastCall(t).opts.StartTime)
	})

	t.Run("does not resume inside the lead-in", func(t *testing.T) {
		f := newFixture(t)
		f.store.UpdateVideoState("heat", 8, "heat", 6000)

		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: movieIdentity(), CatalogID: "heat"}))
		assert.Zero(t, f.player.lastCall(t).opts.StartTime)
	})

	t.Run("only the first attach of a session seeks", func(t *testing.T) {
		f := newFixture(t)
		f.store.UpdateVideoState("heat", 300, "heat", 6000)

		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: movieIdentity(), CatalogID: "heat"}))
		assert.Equal(t, 300*time.Second, f.player.lastCall(t).opts.StartTime)

		require.NoError(t, f.orch.Stop(context.Background()))
		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: movieIdentity(), CatalogID: "heat"}))
		assert.Zero(t, f.player.lastCall(t).opts.StartTime)
	})
}

func TestStaleResolutionNotApplied(t *testing.T) {
	f := newFixture(t)
	slow := movieIdentity()
	gate := make(chan struct{})
	f.gateway.blockOn = map[string]chan struct{}{slow.Key(): gate}

	done := make(chan error, 1)
	go func() {
		done <- f.orch.Play(context.Background(), Request{Identity: slow})
	}()
	waitFor(t, func() bool { return f.gateway.callCount() == 1 })

	// The user switches away while the first resolution is in flight.
	other := media.Identity{Title: "Ronin", Type: media.MediaTypeMovie, Year: 1998}
	require.NoError(t, f.orch.Play(context.Background(), Request{Identity: other}))
	require.Len(t, f.player.calls(), 1)

	close(gate)
	require.NoError(t, <-done)

	// The stale result lands in the cache but never reaches the player.
	waitFor(t, func() bool { return f.cache.Contains(slow) })
	assert.Len(t, f.player.calls(), 1)
	assert.Equal(t, other.Key(), f.orch.Current().Identity.Key())
}

func TestStaleAttachIsStopped(t *testing.T) {
	f := newFixture(t)
	slow := movieIdentity()
	gate := make(chan struct{})
	f.player.gateSubstr = slow.Key()
	f.player.gate = gate
	f.player.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- f.orch.Play(context.Background(), Request{Identity: slow})
	}()
	<-f.player.entered

	// A new session starts while the first is mid-attach.
	other := media.Identity{Title: "Ronin", Type: media.MediaTypeMovie, Year: 1998}
	require.NoError(t, f.orch.Play(context.Background(), Request{Identity: other}))
	assert.Equal(t, StatePlaying, f.orch.State())

	close(gate)
	require.NoError(t, <-done)

	// The superseded attach is torn down; the new session stays current.
	waitFor(t, func() bool { return f.player.stoppedCount() == 1 })
	assert.Equal(t, StatePlaying, f.orch.State())
	assert.Equal(t, other.Key(), f.orch.Current().Identity.Key())
}

func TestExtraArgsReachPlayer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Play(context.Background(), Request{
		Identity:  movieIdentity(),
		ExtraArgs: []string{"--volume=50", "--mute=no"},
	}))
	assert.Equal(t, []string{"--volume=50", "--mute=no"}, f.player.lastCall(t).opts.ExtraArgs)
}

func TestProgressWriteThrottling(t *testing.T) {
	current := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	f := newFixture(t, WithClock(clock))
	require.NoError(t, f.orch.Play(context.Background(), Request{Identity: showIdentity(1), CatalogID: "dark-1", TotalEpisodes: 1}))

	sample := func(seconds float64) {
		f.player.onSample(player.PlaybackProgress{
			CurrentTime: time.Duration(seconds * float64(time.Second)),
			Duration:    1200 * time.Second,
		})
	}

	sample(20)
	ep, ok := f.store.GetEpisodeProgress("dark-1", 1, 1)
	require.True(t, ok)
	assert.Equal(t, float64(20), ep.Time)

	// One second later: sampled but not written.
	current = current.Add(1 * time.Second)
	sample(21)
	ep, _ = f.store.GetEpisodeProgress("dark-1", 1, 1)
	assert.Equal(t, float64(20), ep.Time)

	// Past the write interval: written.
	current = current.Add(5 * time.Second)
	sample(26)
	ep, _ = f.store.GetEpisodeProgress("dark-1", 1, 1)
	assert.Equal(t, float64(26), ep.Time)

	t.Run("history entry is recorded once", func(t *testing.T) {
		history := f.store.History()
		require.Len(t, history, 1)
		assert.Equal(t, "dark-1", history[0].ID)
	})
}

func TestBufferingState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Play(context.Background(), Request{Identity: movieIdentity()}))

	f.player.onSample(player.PlaybackProgress{})
	assert.Equal(t, StateBuffering, f.orch.State())

	f.player.onSample(player.PlaybackProgress{CurrentTime: 5 * time.Second, Duration: 6000 * time.Second})
	assert.Equal(t, StatePlaying, f.orch.State())
}

func TestAutoAdvance(t *testing.T) {
	t.Run("moves to the next episode", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: showIdentity(1), CatalogID: "dark-1", TotalEpisodes: 2}))

		f.player.onEnd()

		waitFor(t, func() bool { return len(f.player.calls()) == 2 })
		assert.Equal(t, StatePlaying, f.orch.State())
		assert.Equal(t, 2, f.orch.Current().Identity.Episode)
	})

	t.Run("stays ended on the last episode", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: showIdentity(2), CatalogID: "dark-1", TotalEpisodes: 2}))

		f.player.onEnd()

		assert.Equal(t, StateEnded, f.orch.State())
		assert.Len(t, f.player.calls(), 1)
	})

	t.Run("movies never advance", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: movieIdentity()}))

		f.player.onEnd()

		assert.Equal(t, StateEnded, f.orch.State())
		assert.Len(t, f.player.calls(), 1)
	})
}

func TestSubtitleSelection(t *testing.T) {
	t.Run("prefers the configured language", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: movieIdentity(), SubtitleLang: "en"}))
		assert.Equal(t, "https://cdn.example.com/sub-en.vtt", f.player.lastCall(t).opts.SubtitleURL)
	})

	t.Run("falls back to the first track", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: movieIdentity(), SubtitleLang: "de"}))
		assert.Equal(t, "https://cdn.example.com/sub-es.vtt", f.player.lastCall(t).opts.SubtitleURL)
	})
}

type stubSurface struct{ released bool }

func (s *stubSurface) Resize(w, h int) {}
func (s *stubSurface) Release()        { s.released = true }

type stubCreator struct {
	failures int
	created  int
}

func (c *stubCreator) Create(ctx context.Context, url string) (embed.Surface, error) {
	if c.created < c.failures {
		c.created++
		return nil, fmt.Errorf("mirror down")
	}
	c.created++
	return &stubSurface{}, nil
}

func TestEmbedFallback(t *testing.T) {
	t.Run("transport failure falls through to the mirror chain", func(t *testing.T) {
		f := newFixture(t)
		controller := embed.NewController(nil, &stubCreator{}, nil)
		f.orch = New(f.cache, f.gateway, f.store, f.player, WithFallback(controller))
		f.gateway.err = &resolver.TransportError{Err: errors.New("connection refused")}

		require.NoError(t, f.orch.Play(context.Background(), Request{Identity: showIdentity(1), CatalogID: "dark-1"}))

		assert.Equal(t, StatePlaying, f.orch.State())
		assert.Equal(t, embed.StateReady, controller.State())
		assert.Empty(t, f.player.calls())
	})

	t.Run("mirror exhaustion is terminal", func(t *testing.T) {
		f := newFixture(t)
		controller := embed.NewController([]string{"d0.example", "d1.example"}, &stubCreator{failures: 99}, nil)
		f.orch = New(f.cache, f.gateway, f.store, f.player, WithFallback(controller))
		f.gateway.err = &resolver.TransportError{Err: errors.New("connection refused")}

		err := f.orch.Play(context.Background(), Request{Identity: showIdentity(1), CatalogID: "dark-1"})
		require.ErrorIs(t, err, embed.ErrAllMirrorsFailed)
		assert.Equal(t, StateError, f.orch.State())
	})

	t.Run("not found never uses the mirrors", func(t *testing.T) {
		f := newFixture(t)
		creator := &stubCreator{}
		controller := embed.NewController(nil, creator, nil)
		f.orch = New(f.cache, f.gateway, f.store, f.player, WithFallback(controller))
		f.gateway.err = resolver.ErrNotFound

		require.Error(t, f.orch.Play(context.Background(), Request{Identity: showIdentity(1), CatalogID: "dark-1"}))
		assert.Zero(t, creator.created)
	})
}
