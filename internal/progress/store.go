// Package progress owns all playback-progress state: per-movie positions,
// per-episode positions, the recency-ordered watch history, and the user's
// saved list. One store instance is created at process start and shared by
// reference; every mutation is written through to the database immediately.
package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vidway/vidway/internal/database"
	"github.com/vidway/vidway/internal/media"
)

// HistoryCap bounds the watch history to the most recent entries
const HistoryCap = 20

// Persisted state keys. Values are JSON blobs wrapped in a versioned
// envelope; see persist/load.
const (
	keyVideoStates     = "video-states"
	keyEpisodeProgress = "episode-progress"
	keyWatchHistory    = "watch-history"
	keyUserList        = "user-list"
	keyLastPlayed      = "last-played"
	keySettings        = "settings"
)

// envelopeVersion is the current persisted-shape version
const envelopeVersion = 1

// envelope wraps every persisted collection with an explicit shape version
// so future format changes cannot silently drop data.
type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// VideoState records playback position for a movie
type VideoState struct {
	Time     float64 `json:"time"`
	Duration float64 `json:"duration,omitempty"`
	VideoID  string  `json:"videoId,omitempty"`
}

// EpisodeProgress records playback position for one episode of a show
type EpisodeProgress struct {
	Time      float64   `json:"time"`
	Duration  float64   `json:"duration"`
	Season    int       `json:"season"`
	Episode   int       `json:"episode"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is a content reference as stored in the watch history and the
// saved list.
type Entry struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Type      media.MediaType `json:"type"`
	Year      int             `json:"year,omitempty"`
	PosterURL string          `json:"poster_url,omitempty"`
}

// LastPlayed describes the most recently played identity, persisted so the
// next startup can warm the cache for the following episodes.
type LastPlayed struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Type      media.MediaType `json:"type"`
	Year      int             `json:"year,omitempty"`
	Season    int             `json:"season,omitempty"`
	Episode   int             `json:"episode,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is the process-wide progress store. State is loaded eagerly from
// the database at construction and every mutation writes the full affected
// collection back through (collections are small, so no delta writes).
// Corrupt persisted blobs degrade to empty defaults, never to an error.
type Store struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	videoStates map[string]VideoState
	episodes    map[string]EpisodeProgress
	history     []Entry
	list        []Entry
	lastPlayed  *LastPlayed
	settings    map[string]any
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store's logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source used for UpdatedAt stamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates the progress store and eagerly loads all persisted
// collections. db may be nil, in which case the store is memory-only
// (used by tests and by callers that disable persistence).
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		logger:      slog.Default(),
		now:         time.Now,
		videoStates: make(map[string]VideoState),
		episodes:    make(map[string]EpisodeProgress),
		settings:    make(map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.load(keyVideoStates, &s.videoStates)
	s.load(keyEpisodeProgress, &s.episodes)
	s.load(keyWatchHistory, &s.history)
	s.load(keyUserList, &s.list)
	s.load(keyLastPlayed, &s.lastPlayed)
	s.load(keySettings, &s.settings)

	return s
}

// episodeKey derives the map key for a (show, season, episode) tuple
func episodeKey(showID string, season, episode int) string {
	return fmt.Sprintf("%s|s%d|e%d", showID, season, episode)
}

// UpdateVideoState merges a movie position into the existing entry. A zero
// duration or empty videoID leaves the previously known value in place, so
// sparse updates do not erase metadata recorded earlier.
func (s *Store) UpdateVideoState(movieID string, seconds float64, videoID string, duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.videoStates[movieID]
	state.Time = seconds
	if videoID != "" {
		state.VideoID = videoID
	}
	if duration > 0 {
		state.Duration = duration
	}
	s.videoStates[movieID] = state

	s.persist(keyVideoStates, s.videoStates)
}

// GetVideoState returns the saved movie position, if any
func (s *Store) GetVideoState(movieID string) (VideoState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.videoStates[movieID]
	return state, ok
}

// ClearVideoState removes a movie's saved position entirely
func (s *Store) ClearVideoState(movieID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.videoStates, movieID)
	s.persist(keyVideoStates, s.videoStates)
}

// UpdateEpisodeProgress upserts the per-episode record, stamping UpdatedAt
func (s *Store) UpdateEpisodeProgress(showID string, season, episode int, seconds, duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.episodes[episodeKey(showID, season, episode)] = EpisodeProgress{
		Time:      seconds,
		Duration:  duration,
		Season:    season,
		Episode:   episode,
		UpdatedAt: s.now(),
	}
	s.persist(keyEpisodeProgress, s.episodes)
}

// GetEpisodeProgress returns the saved position for one episode, if any
func (s *Store) GetEpisodeProgress(showID string, season, episode int) (EpisodeProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.episodes[episodeKey(showID, season, episode)]
	return p, ok
}

// GetLastWatchedEpisode derives the most recently updated episode record
// for a show. Linear scan over the show's entries; the expected scale is
// hundreds of records, so no index is kept.
func (s *Store) GetLastWatchedEpisode(showID string) (EpisodeProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := showID + "|"
	var best EpisodeProgress
	found := false
	for key, p := range s.episodes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !found || p.UpdatedAt.After(best.UpdatedAt) {
			best = p
			found = true
		}
	}
	return best, found
}

// AddToHistory records a watch event. Re-adding the current front entry is
// a no-op; otherwise any existing occurrence moves to the front and the
// list is truncated to the most recent HistoryCap entries.
func (s *Store) AddToHistory(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) > 0 && s.history[0].ID == entry.ID {
		return
	}

	filtered := make([]Entry, 0, len(s.history)+1)
	filtered = append(filtered, entry)
	for _, e := range s.history {
		if e.ID != entry.ID {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) > HistoryCap {
		filtered = filtered[:HistoryCap]
	}
	s.history = filtered

	s.persist(keyWatchHistory, s.history)
	s.mirrorWatchRecord(entry)
}

// History returns the watch history, most recent first
func (s *Store) History() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.history))
	copy(out, s.history)
	return out
}

// ClearHistory drops the watch history and its relational mirror
func (s *Store) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = nil
	s.persist(keyWatchHistory, s.history)

	if s.db != nil {
		if err := s.db.Where("1 = 1").Delete(&database.WatchRecord{}).Error; err != nil {
			s.logger.Warn("failed to clear watch records", "error", err)
		}
	}
}

// ToggleList adds the entry to the saved list if absent, removes it if
// present. Membership is tested by identifier. Returns true when the entry
// is on the list after the call.
func (s *Store) ToggleList(entry Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.list {
		if e.ID == entry.ID {
			s.list = append(s.list[:i], s.list[i+1:]...)
			s.persist(keyUserList, s.list)
			return false
		}
	}
	s.list = append(s.list, entry)
	s.persist(keyUserList, s.list)
	return true
}

// OnList reports saved-list membership by identifier
func (s *Store) OnList(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.list {
		if e.ID == id {
			return true
		}
	}
	return false
}

// List returns the saved list in insertion order
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.list))
	copy(out, s.list)
	return out
}

// SetLastPlayed persists the descriptor used for startup prefetch
func (s *Store) SetLastPlayed(lp LastPlayed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lp.Timestamp = s.now()
	s.lastPlayed = &lp
	s.persist(keyLastPlayed, s.lastPlayed)
}

// GetLastPlayed returns the last-played descriptor, if one was saved
func (s *Store) GetLastPlayed() (LastPlayed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastPlayed == nil {
		return LastPlayed{}, false
	}
	return *s.lastPlayed, true
}

// SetSetting stores one per-device setting and persists the settings object
func (s *Store) SetSetting(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	s.persist(keySettings, s.settings)
}

// GetSetting returns one per-device setting
func (s *Store) GetSetting(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.settings[key]
	return v, ok
}

// RecentWatchRecords returns the newest rows of the relational history
// mirror for reporting.
func (s *Store) RecentWatchRecords(limit int) ([]database.WatchRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = HistoryCap
	}

	var records []database.WatchRecord
	err := s.db.Order("watched_at DESC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch watch records: %w", err)
	}
	return records, nil
}

// mirrorWatchRecord upserts the reporting row for a history entry using the
// progress currently known for it. Caller holds mu.
func (s *Store) mirrorWatchRecord(entry Entry) {
	if s.db == nil {
		return
	}

	record := database.WatchRecord{
		MediaID:    entry.ID,
		MediaTitle: entry.Title,
		MediaType:  string(entry.Type),
		WatchedAt:  s.now(),
	}
	if entry.Type == media.MediaTypeTV {
		if ep, ok := s.lastEpisodeLocked(entry.ID); ok {
			record.Season = ep.Season
			record.Episode = ep.Episode
			record.ProgressSeconds = int(ep.Time)
			record.TotalSeconds = int(ep.Duration)
		}
	} else if vs, ok := s.videoStates[entry.ID]; ok {
		record.ProgressSeconds = int(vs.Time)
		record.TotalSeconds = int(vs.Duration)
	}

	var existing database.WatchRecord
	err := s.db.Where("media_id = ? AND season = ? AND episode = ?",
		record.MediaID, record.Season, record.Episode).
		First(&existing).Error
	if err == nil {
		existing.ProgressSeconds = record.ProgressSeconds
		existing.TotalSeconds = record.TotalSeconds
		existing.WatchedAt = record.WatchedAt
		if err := s.db.Save(&existing).Error; err != nil {
			s.logger.Warn("failed to update watch record", "error", err)
		}
		return
	}
	if err := s.db.Create(&record).Error; err != nil {
		s.logger.Warn("failed to create watch record", "error", err)
	}
}

// lastEpisodeLocked is GetLastWatchedEpisode without locking. Caller holds mu.
func (s *Store) lastEpisodeLocked(showID string) (EpisodeProgress, bool) {
	prefix := showID + "|"
	var best EpisodeProgress
	found := false
	for key, p := range s.episodes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !found || p.UpdatedAt.After(best.UpdatedAt) {
			best = p
			found = true
		}
	}
	return best, found
}

// persist writes one collection through to the database inside a versioned
// envelope. Persistence failures are logged, never surfaced: the in-memory
// state is authoritative for the rest of the session. Caller holds mu.
func (s *Store) persist(key string, value any) {
	if s.db == nil {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("failed to marshal state", "key", key, "error", err)
		return
	}
	wrapped, err := json.Marshal(envelope{Version: envelopeVersion, Data: data})
	if err != nil {
		s.logger.Warn("failed to wrap state", "key", key, "error", err)
		return
	}

	blob := database.StateBlob{Key: key, Value: string(wrapped), UpdatedAt: s.now()}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&blob).Error
	if err != nil {
		s.logger.Warn("failed to persist state", "key", key, "error", err)
	}
}

// load reads one collection from the database into dest. Missing keys and
// corrupt payloads fall back to the zero value. Payloads without an
// envelope are read as version 1 for compatibility with pre-envelope data.
func (s *Store) load(key string, dest any) {
	if s.db == nil {
		return
	}

	var blob database.StateBlob
	if err := s.db.First(&blob, "key = ?", key).Error; err != nil {
		return
	}

	var env envelope
	payload := []byte(blob.Value)
	if err := json.Unmarshal(payload, &env); err == nil && env.Version >= 1 && len(env.Data) > 0 {
		payload = env.Data
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		s.logger.Warn("corrupt persisted state, using defaults", "key", key, "error", err)
	}
}

// SortedEpisodes returns all episode records for a show ordered by season
// then episode. Used by callers that render a show's progress overview.
func (s *Store) SortedEpisodes(showID string) []EpisodeProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := showID + "|"
	var out []EpisodeProgress
	for key, p := range s.episodes {
		if strings.HasPrefix(key, prefix) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Season != out[j].Season {
			return out[i].Season < out[j].Season
		}
		return out[i].Episode < out[j].Episode
	})
	return out
}
