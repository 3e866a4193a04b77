// Package playback coordinates stream resolution, the player process and
// progress persistence for one playback session at a time.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vidway/vidway/internal/embed"
	"github.com/vidway/vidway/internal/media"
	"github.com/vidway/vidway/internal/player"
	"github.com/vidway/vidway/internal/progress"
	"github.com/vidway/vidway/internal/resolver"
	"github.com/vidway/vidway/internal/streamcache"
)

// Resume is skipped when the saved position is within the lead-in or the
// final credits.
const (
	resumeMinimum     = 10 * time.Second
	resumeCreditsTail = 30 * time.Second

	// Minimum wall-clock gap between progress store writes while playing.
	progressWriteInterval = 5 * time.Second
)

// State is the orchestrator's position in the playback lifecycle.
type State int

const (
	StateIdle State = iota
	StateResolving
	StatePlaying
	StateBuffering
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StatePlaying:
		return "playing"
	case StateBuffering:
		return "buffering"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Request describes what to play. CatalogID is the provider's id for the
// title; it keys progress persistence and embed fallback URLs. When empty,
// the identity key is used for persistence instead.
type Request struct {
	Identity      media.Identity
	CatalogID     string
	PosterURL     string
	TotalEpisodes int
	SubtitleLang  string
	Fullscreen    bool

	// ExtraArgs are handed to the player binary unmodified.
	ExtraArgs []string
}

func (r Request) storeID() string {
	if r.CatalogID != "" {
		return r.CatalogID
	}
	return r.Identity.Key()
}

// Orchestrator drives the playback state machine. It resolves streams
// through the cache and gateway, attaches them to the player, persists
// progress while playing, and advances tv sessions episode to episode.
type Orchestrator struct {
	cache   *streamcache.Cache
	gateway resolver.Gateway
	store   *progress.Store
	player  player.Player

	// fallback is optional. When set, transport failures from the
	// gateway are retried through the embed mirror chain.
	fallback *embed.Controller

	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	current    Request
	generation uint64
	lastErr    error
	lastWrite  time.Time
	viaEmbed   bool

	// attached tracks identities that reached the player this session,
	// so saved progress is only applied on the first attach.
	attached map[string]bool
}

type Option func(*Orchestrator)

func WithFallback(c *embed.Controller) Option {
	return func(o *Orchestrator) { o.fallback = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires the orchestrator to its collaborators and registers the player
// callbacks. The orchestrator owns all writes to the cache and the store
// triggered by playback.
func New(cache *streamcache.Cache, gw resolver.Gateway, store *progress.Store, pl player.Player, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cache:    cache,
		gateway:  gw,
		store:    store,
		player:   pl,
		logger:   slog.Default(),
		now:      time.Now,
		state:    StateIdle,
		attached: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "playback")

	pl.OnProgressUpdate(o.handleProgress)
	pl.OnPlaybackEnd(o.handleEnd)
	pl.OnError(o.handlePlayerError)

	return o
}

// Play starts a session for the requested identity. Any in-progress
// resolution for a previous identity keeps running and may still populate
// the cache, but its result is no longer applied.
func (o *Orchestrator) Play(ctx context.Context, req Request) error {
	o.mu.Lock()
	o.generation++
	gen := o.generation
	o.current = req
	o.state = StateResolving
	o.lastErr = nil
	o.lastWrite = time.Time{}
	o.mu.Unlock()

	return o.resolve(ctx, gen, req)
}

// Retry re-enters resolution for the current identity. Failed resolutions
// are never retried automatically.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.mu.Lock()
	req := o.current
	o.mu.Unlock()

	if req.Identity.Title == "" {
		return fmt.Errorf("nothing to retry")
	}
	return o.Play(ctx, req)
}

// Stop ends the current session and returns the orchestrator to idle.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.generation++
	viaEmbed := o.viaEmbed
	o.viaEmbed = false
	o.state = StateIdle
	o.mu.Unlock()

	if viaEmbed && o.fallback != nil {
		o.fallback.Teardown()
		return nil
	}
	return o.player.Stop(ctx)
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) Current() Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// fail records a terminal failure unless a newer session has started.
// The error is returned either way so callers can surface it.
func (o *Orchestrator) fail(gen uint64, err error) error {
	o.mu.Lock()
	if gen == o.generation {
		o.state = StateError
		o.lastErr = err
	}
	id := o.current.Identity
	o.mu.Unlock()

	o.logger.Warn("playback failed", "identity", id.String(), "error", err)
	return err
}

func (o *Orchestrator) resolve(ctx context.Context, gen uint64, req Request) error {
	stream, hit := o.cache.Get(req.Identity)
	if !hit {
		resolved, err := o.gateway.Resolve(ctx, req.Identity)
		if err != nil {
			if resolver.IsTransient(err) && o.fallback != nil {
				o.logger.Warn("gateway unreachable, trying embed mirrors",
					"identity", req.Identity.String(), "error", err)
				return o.resolveEmbed(ctx, gen, req)
			}
			return o.fail(gen, fmt.Errorf("no stream found: %w", err))
		}
		if len(resolved.Sources) == 0 {
			return o.fail(gen, fmt.Errorf("no stream found: %w", resolver.ErrNoSources))
		}

		// Stale completions are still cached: entries are keyed by
		// identity, so a result for an abandoned identity is harmless
		// and may serve a later request.
		o.cache.Set(req.Identity, *resolved)
		stream = *resolved
	}

	stats := o.cache.Stats()
	o.logger.Info("stream resolved",
		"identity", req.Identity.String(),
		"cache_hit", hit,
		"provider", stream.Provider,
		"cache_hits", stats.Hits,
		"cache_misses", stats.Misses)

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		o.logger.Debug("dropping stale resolution", "identity", req.Identity.String())
		return nil
	}
	o.mu.Unlock()

	return o.apply(ctx, gen, req, stream)
}

// resolveEmbed walks the mirror chain when the gateway cannot be reached.
func (o *Orchestrator) resolveEmbed(ctx context.Context, gen uint64, req Request) error {
	domain, err := o.fallback.Load(ctx, req.storeID(), req.Identity)
	if err != nil {
		return o.fail(gen, err)
	}

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		o.fallback.Teardown()
		return nil
	}
	o.state = StatePlaying
	o.viaEmbed = true
	o.mu.Unlock()

	o.logger.Info("playing via embed mirror", "identity", req.Identity.String(), "domain", domain)
	o.recordSessionStart(req)
	return nil
}

func (o *Orchestrator) apply(ctx context.Context, gen uint64, req Request, stream media.ResolvedStream) error {
	source, ok := media.PickSource(stream.Sources)
	if !ok {
		return o.fail(gen, fmt.Errorf("no stream found: %w", resolver.ErrNoSources))
	}

	opts := player.PlayOptions{
		Title:      req.Identity.Title,
		Season:     req.Identity.Season,
		Episode:    req.Identity.Episode,
		Fullscreen: req.Fullscreen,
		ExtraArgs:  req.ExtraArgs,
	}
	if track, ok := pickSubtitle(stream.Subtitles, req.SubtitleLang); ok {
		opts.SubtitleURL = track.URL
		opts.SubtitleLang = track.Lang
	}

	key := req.Identity.Key()
	o.mu.Lock()
	firstAttach := !o.attached[key]
	o.mu.Unlock()

	if firstAttach {
		if offset := o.resumeOffset(req); offset > 0 {
			opts.StartTime = offset
			o.logger.Info("resuming from saved position",
				"identity", req.Identity.String(), "offset", offset)
		}
	}

	// Last gate before the player is touched. A newer Play may have
	// started while this resolution was finishing.
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		o.logger.Debug("dropping stale resolution", "identity", req.Identity.String())
		return nil
	}
	o.mu.Unlock()

	if err := o.player.Play(ctx, source.URL, opts); err != nil {
		return o.fail(gen, fmt.Errorf("starting player: %w", err))
	}

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		// The player was attached on behalf of a superseded session;
		// tear it down rather than leave the stale stream running.
		if err := o.player.Stop(ctx); err != nil {
			o.logger.Warn("stopping superseded playback", "identity", req.Identity.String(), "error", err)
		}
		return nil
	}
	o.attached[key] = true
	o.state = StatePlaying
	o.viaEmbed = false
	o.mu.Unlock()

	o.recordSessionStart(req)

	// Warm the cache for the rest of the binge session. Never blocks
	// the playing state.
	if req.Identity.IsTV() {
		go o.cache.PrefetchNext(context.WithoutCancel(ctx), o.gateway,
			req.Identity.Title, req.Identity.Year,
			req.Identity.Season, req.Identity.Episode, req.TotalEpisodes)
	}

	return nil
}

func (o *Orchestrator) recordSessionStart(req Request) {
	o.store.SetLastPlayed(progress.LastPlayed{
		ID:        req.storeID(),
		Title:     req.Identity.Title,
		Type:      req.Identity.Type,
		Year:      req.Identity.Year,
		Season:    req.Identity.Season,
		Episode:   req.Identity.Episode,
		Timestamp: o.now(),
	})
}

// resumeOffset returns the position to seek to on first attach, or zero.
// Positions inside the first 10 seconds or the final 30 are not resumed.
func (o *Orchestrator) resumeOffset(req Request) time.Duration {
	var saved, duration float64
	if req.Identity.IsTV() {
		ep, ok := o.store.GetEpisodeProgress(req.storeID(), req.Identity.Season, req.Identity.Episode)
		if !ok {
			return 0
		}
		saved, duration = ep.Time, ep.Duration
	} else {
		vs, ok := o.store.GetVideoState(req.storeID())
		if !ok {
			return 0
		}
		saved, duration = vs.Time, vs.Duration
	}

	if saved <= resumeMinimum.Seconds() {
		return 0
	}
	if duration <= 0 || saved >= duration-resumeCreditsTail.Seconds() {
		return 0
	}
	return time.Duration(saved * float64(time.Second))
}

// handleProgress receives player samples once a second and writes through
// to the store at most once per write interval.
func (o *Orchestrator) handleProgress(p player.PlaybackProgress) {
	o.mu.Lock()
	if o.state != StatePlaying && o.state != StateBuffering {
		o.mu.Unlock()
		return
	}

	// A sample without a duration means the pipeline is still opening
	// the stream.
	if p.Duration <= 0 {
		o.state = StateBuffering
		o.mu.Unlock()
		return
	}
	o.state = StatePlaying

	now := o.now()
	if !o.lastWrite.IsZero() && now.Sub(o.lastWrite) < progressWriteInterval {
		o.mu.Unlock()
		return
	}
	o.lastWrite = now
	req := o.current
	o.mu.Unlock()

	seconds := p.CurrentTime.Seconds()
	duration := p.Duration.Seconds()
	if req.Identity.IsTV() {
		o.store.UpdateEpisodeProgress(req.storeID(), req.Identity.Season, req.Identity.Episode, seconds, duration)
	} else {
		o.store.UpdateVideoState(req.storeID(), seconds, req.storeID(), duration)
	}
	o.store.AddToHistory(progress.Entry{
		ID:        req.storeID(),
		Title:     req.Identity.Title,
		Type:      req.Identity.Type,
		Year:      req.Identity.Year,
		PosterURL: req.PosterURL,
	})
}

// handleEnd advances a tv session to the next episode when one exists,
// otherwise the session stays ended.
func (o *Orchestrator) handleEnd() {
	o.mu.Lock()
	if o.state != StatePlaying && o.state != StateBuffering {
		o.mu.Unlock()
		return
	}
	req := o.current
	o.state = StateEnded
	o.mu.Unlock()

	if req.Identity.IsTV() && req.TotalEpisodes > 0 && req.Identity.Episode < req.TotalEpisodes {
		next := req
		next.Identity = req.Identity.NextEpisode()
		o.logger.Info("auto-advancing to next episode", "identity", next.Identity.String())
		if err := o.Play(context.Background(), next); err != nil {
			o.logger.Error("auto-advance failed", "identity", next.Identity.String(), "error", err)
		}
		return
	}

	o.logger.Info("playback ended", "identity", req.Identity.String())
}

func (o *Orchestrator) handlePlayerError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateIdle {
		return
	}
	o.state = StateError
	o.lastErr = err
	o.logger.Error("player failure", "identity", o.current.Identity.String(), "error", err)
}

func pickSubtitle(tracks []media.SubtitleTrack, lang string) (media.SubtitleTrack, bool) {
	if len(tracks) == 0 {
		return media.SubtitleTrack{}, false
	}
	if lang != "" {
		for _, t := range tracks {
			if t.Lang == lang {
				return t, true
			}
		}
	}
	return tracks[0], true
}
