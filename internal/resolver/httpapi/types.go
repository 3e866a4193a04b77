package httpapi

// SearchResponse is the API's search envelope
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// SearchResult is a single search candidate from the API
type SearchResult struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Image       string `json:"image"`
	ReleaseDate string `json:"releaseDate"` // YYYY-MM-DD
	Type        string `json:"type"`        // "Movie" or "TV Series"
}

// InfoResponse is the API's details payload for a title
type InfoResponse struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	ReleaseDate   string       `json:"releaseDate,omitempty"`
	Type          string       `json:"type,omitempty"`
	TotalEpisodes int          `json:"totalEpisodes"`
	Episodes      []EpisodeRef `json:"episodes"`
}

// EpisodeRef identifies one playable episode within a title. For movies the
// API exposes a single pseudo-episode carrying the playable id.
type EpisodeRef struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	Season int    `json:"season,omitempty"`
	Title  string `json:"title"`
}

// SourcesResponse is the API's stream-sources payload
type SourcesResponse struct {
	Sources   []Source   `json:"sources"`
	Subtitles []Subtitle `json:"subtitles"`
}

// Source is a playable stream variant on the wire
type Source struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
	IsM3U8  bool   `json:"isM3U8"`
}

// Subtitle is a subtitle track on the wire
type Subtitle struct {
	URL  string `json:"url"`
	Lang string `json:"lang"`
}
