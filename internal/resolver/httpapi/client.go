// Package httpapi implements the resolver gateway against a REST resolution
// API: search for the title, locate the requested episode, fetch its stream
// sources.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/vidway/vidway/internal/media"
	"github.com/vidway/vidway/internal/resolver"
	"github.com/vidway/vidway/internal/resolver/httpx"
)

// Config holds settings for the API gateway client
type Config struct {
	BaseURL    string
	Provider   string // provider slug the API multiplexes on, e.g. "flixhq"
	Timeout    time.Duration
	MaxRetries int
	Debug      bool
	Logger     *slog.Logger
}

// Client resolves identities against the resolution API. It implements
// resolver.Gateway. The client does not retry at the identity level and
// does not rank sources; both are caller policy.
type Client struct {
	baseURL  string
	provider string
	http     *httpx.Client
	logger   *slog.Logger
}

// New creates an API gateway client
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "flixhq"
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		provider: provider,
		http: httpx.New(httpx.Config{
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			Debug:      cfg.Debug,
			Logger:     logger,
		}),
		logger: logger,
	}
}

// Resolve maps an identity to playable sources. Failure taxonomy: unknown
// title or missing episode is resolver.ErrNotFound, empty source lists are
// resolver.ErrNoSources, network problems are *resolver.TransportError, and
// undecodable payloads are *resolver.MalformedResponse.
func (c *Client) Resolve(ctx context.Context, id media.Identity) (*media.ResolvedStream, error) {
	result, err := c.search(ctx, id)
	if err != nil {
		return nil, err
	}

	episodeID, err := c.findEpisodeID(ctx, result.ID, id)
	if err != nil {
		return nil, err
	}

	sources, err := c.fetchSources(ctx, result.ID, episodeID)
	if err != nil {
		return nil, err
	}
	if len(sources.Sources) == 0 {
		return nil, resolver.ErrNoSources
	}

	stream := &media.ResolvedStream{Provider: c.provider}
	for _, s := range sources.Sources {
		stream.Sources = append(stream.Sources, media.Source{
			URL:     s.URL,
			Quality: s.Quality,
			IsM3U8:  s.IsM3U8,
		})
	}
	for _, s := range sources.Subtitles {
		stream.Subtitles = append(stream.Subtitles, media.SubtitleTrack{URL: s.URL, Lang: s.Lang})
	}

	c.logger.Debug("resolved stream",
		"identity", id.String(), "provider", c.provider, "sources", len(stream.Sources))
	return stream, nil
}

// search finds the best-matching catalog entry for the identity
func (c *Client) search(ctx context.Context, id media.Identity) (SearchResult, error) {
	endpoint := fmt.Sprintf("%s/api/%s/search", c.baseURL, c.provider)

	var response SearchResponse
	if err := c.getJSON(ctx, endpoint, map[string]string{"query": id.Title}, &response); err != nil {
		return SearchResult{}, err
	}

	result, ok := pickResult(id.Title, id.Year, filterByType(response.Results, id.Type))
	if !ok {
		return SearchResult{}, resolver.ErrNotFound
	}
	return result, nil
}

// findEpisodeID locates the playable episode id within the title's info.
// Movies use the single pseudo-episode; TV identities require a matching
// season/episode pair.
func (c *Client) findEpisodeID(ctx context.Context, mediaID string, id media.Identity) (string, error) {
	// The media id may contain slashes (e.g. "movie/watch-foo-123"), which
	// are part of the path structure on this API.
	endpoint := fmt.Sprintf("%s/api/%s/info/%s", c.baseURL, c.provider, mediaID)

	var info InfoResponse
	if err := c.getJSON(ctx, endpoint, nil, &info); err != nil {
		return "", err
	}
	if len(info.Episodes) == 0 {
		return "", resolver.ErrNotFound
	}

	if !id.IsTV() {
		return info.Episodes[0].ID, nil
	}

	for _, ep := range info.Episodes {
		season := ep.Season
		if season == 0 {
			season = 1
		}
		if season == id.Season && ep.Number == id.Episode {
			return ep.ID, nil
		}
	}
	return "", resolver.ErrNotFound
}

// fetchSources retrieves the stream sources for an episode
func (c *Client) fetchSources(ctx context.Context, mediaID, episodeID string) (*SourcesResponse, error) {
	endpoint := fmt.Sprintf("%s/api/%s/sources/%s", c.baseURL, c.provider, episodeID)

	var sources SourcesResponse
	err := c.getJSON(ctx, endpoint, map[string]string{"mediaId": mediaID}, &sources)
	if err != nil {
		return nil, err
	}
	return &sources, nil
}

// getJSON performs the request and applies the failure taxonomy
func (c *Client) getJSON(ctx context.Context, endpoint string, params map[string]string, dest any) error {
	resp, err := c.http.GetWithParams(ctx, endpoint, params)
	if err != nil {
		if resp == nil {
			return &resolver.TransportError{Err: err}
		}
		if resp.StatusCode() == 404 {
			return resolver.ErrNotFound
		}
		return &resolver.TransportError{Err: err}
	}

	if err := json.Unmarshal(resp.Body(), dest); err != nil {
		return &resolver.MalformedResponse{Endpoint: endpointPath(endpoint), Err: err}
	}
	return nil
}

// filterByType keeps search candidates of the requested media type. The API
// labels results "Movie" or "TV Series"; unlabeled results pass through.
func filterByType(results []SearchResult, t media.MediaType) []SearchResult {
	var out []SearchResult
	for _, r := range results {
		switch r.Type {
		case "Movie":
			if t == media.MediaTypeMovie {
				out = append(out, r)
			}
		case "TV Series":
			if t == media.MediaTypeTV {
				out = append(out, r)
			}
		default:
			out = append(out, r)
		}
	}
	return out
}

// endpointPath strips the host from an endpoint for error messages
func endpointPath(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Path
}
