package media

import (
	"fmt"
	"strings"
)

// MediaType represents the type of media content
type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
)

// String returns the string representation of MediaType
func (t MediaType) String() string {
	return string(t)
}

// ParseMediaType parses a media type string
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(s) {
	case "movie":
		return MediaTypeMovie, nil
	case "tv", "show", "series":
		return MediaTypeTV, nil
	default:
		return "", fmt.Errorf("invalid media type: %s", s)
	}
}

// Identity is the tuple of title/type/year/season/episode that keys every
// cache entry and progress record. Equality is structural: two identities
// name the same stream iff all fields used for their type match exactly.
type Identity struct {
	Title   string    `json:"title"`
	Type    MediaType `json:"type"`
	Year    int       `json:"year,omitempty"`
	Season  int       `json:"season,omitempty"`
	Episode int       `json:"episode,omitempty"`
}

// Key derives the structural cache key for the identity. Movies ignore
// season/episode; TV identities include them so every episode is a distinct
// entry. Title comparison is case-sensitive, as supplied by the caller.
func (id Identity) Key() string {
	if id.Type == MediaTypeTV {
		return fmt.Sprintf("%s|%s|%d|s%de%d", id.Title, id.Type, id.Year, id.Season, id.Episode)
	}
	return fmt.Sprintf("%s|%s|%d", id.Title, id.Type, id.Year)
}

// IsTV reports whether the identity names a TV episode
func (id Identity) IsTV() bool {
	return id.Type == MediaTypeTV
}

// String returns a human-readable form for logging
func (id Identity) String() string {
	if id.IsTV() {
		return fmt.Sprintf("%s S%02dE%02d", id.Title, id.Season, id.Episode)
	}
	if id.Year > 0 {
		return fmt.Sprintf("%s (%d)", id.Title, id.Year)
	}
	return id.Title
}

// NextEpisode returns the identity of the following episode in the same
// season. Only meaningful for TV identities.
func (id Identity) NextEpisode() Identity {
	next := id
	next.Episode++
	return next
}

// Source represents a single playable stream variant
type Source struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
	IsM3U8  bool   `json:"isM3U8"`
}

// SubtitleTrack represents a subtitle track attached to a stream
type SubtitleTrack struct {
	URL  string `json:"url"`
	Lang string `json:"lang"`
}

// ResolvedStream is the result of resolving an identity: a ranked source
// list, subtitle tracks, and the name of the provider that produced them.
type ResolvedStream struct {
	Sources   []Source        `json:"sources"`
	Subtitles []SubtitleTrack `json:"subtitles"`
	Provider  string          `json:"provider"`
}

// PickSource applies the playback selection policy: prefer the first source
// flagged as an HLS manifest, otherwise fall back to the first source in the
// returned order. Returns false when the list is empty.
func PickSource(sources []Source) (Source, bool) {
	for _, s := range sources {
		if s.IsM3U8 {
			return s, true
		}
	}
	if len(sources) > 0 {
		return sources[0], true
	}
	return Source{}, false
}
