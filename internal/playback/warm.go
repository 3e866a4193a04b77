package playback

import (
	"context"
	"log/slog"

	"github.com/vidway/vidway/internal/media"
	"github.com/vidway/vidway/internal/progress"
	"github.com/vidway/vidway/internal/resolver"
	"github.com/vidway/vidway/internal/streamcache"
)

// WarmStartup warms the stream cache for the episodes following the most
// recently played tv identity, so the next session starts on a hit. Movies
// and cold stores are a no-op. The episode count for the show is unknown at
// startup, so the window is bounded optimistically; resolutions for
// episodes past the end fail quietly without caching anything.
func WarmStartup(ctx context.Context, cache *streamcache.Cache, gw resolver.Gateway, store *progress.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	lp, ok := store.GetLastPlayed()
	if !ok || lp.Type != media.MediaTypeTV {
		return
	}

	logger.Info("warming stream cache for last played show",
		"title", lp.Title, "season", lp.Season, "episode", lp.Episode)
	cache.PrefetchNext(ctx, gw, lp.Title, lp.Year, lp.Season, lp.Episode, lp.Episode+2)
}
