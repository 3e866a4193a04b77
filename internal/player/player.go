package player

import (
	"context"
	"time"
)

// Player is the control surface the playback layer drives. Implementations
// launch and supervise an external player process; all methods must be safe
// for concurrent use.
type Player interface {
	Play(ctx context.Context, url string, options PlayOptions) error
	Stop(ctx context.Context) error

	GetProgress(ctx context.Context) (*PlaybackProgress, error)
	Seek(ctx context.Context, position time.Duration) error

	OnProgressUpdate(callback func(progress PlaybackProgress))
	OnPlaybackEnd(callback func())
	OnError(callback func(err error))

	IsPlaying() bool
}

// PlayOptions configures a single playback session.
type PlayOptions struct {
	StartTime  time.Duration `json:"start_time,omitempty"`
	Fullscreen bool          `json:"fullscreen"`

	SubtitleURL  string `json:"subtitle_url,omitempty"`
	SubtitleLang string `json:"subtitle_lang,omitempty"`

	// HTTP delivery context for the stream URL.
	Headers   map[string]string `json:"headers,omitempty"`
	Referer   string            `json:"referer,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`

	// Display metadata.
	Title   string `json:"title,omitempty"`
	Season  int    `json:"season,omitempty"`
	Episode int    `json:"episode,omitempty"`

	// ExtraArgs are passed through to the player binary unmodified.
	ExtraArgs []string `json:"extra_args,omitempty"`
}

// PlaybackProgress is a point-in-time sample of the player position.
type PlaybackProgress struct {
	CurrentTime time.Duration `json:"current_time"`
	Duration    time.Duration `json:"duration"`
	Percentage  float64       `json:"percentage"`
	Paused      bool          `json:"paused"`
	EOF         bool          `json:"eof"`
}

// PlaybackState represents the state of the player process.
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StateStopped PlaybackState = "stopped"
	StateLoading PlaybackState = "loading"
	StateError   PlaybackState = "error"
)

func (s PlaybackState) String() string {
	return string(s)
}
