package database

import (
	"time"

	"gorm.io/gorm"
)

// StateBlob is the persisted key-value surface behind the progress store.
// Values are JSON-serialized collections under stable string keys
// (video-states, episode-progress, watch-history, user-list, last-played,
// settings).
type StateBlob struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}

// TableName overrides the table name
func (StateBlob) TableName() string {
	return "state"
}

// WatchRecord is the relational mirror of the watch history, kept for
// reporting (the history CLI listing). The progress store's JSON blob
// remains the source of truth for the bounded most-recent-first list.
type WatchRecord struct {
	ID              uint      `gorm:"primaryKey"`
	MediaID         string    `gorm:"not null;index"`
	MediaTitle      string    `gorm:"not null"`
	MediaType       string    `gorm:"not null;index"` // movie, tv
	Season          int       `gorm:"default:0"`
	Episode         int       `gorm:"default:0"`
	ProgressSeconds int       `gorm:"not null;default:0"`
	TotalSeconds    int       `gorm:"not null;default:0"`
	Provider        string    `gorm:"default:''"`
	WatchedAt       time.Time `gorm:"index;default:CURRENT_TIMESTAMP"`
}

// TableName overrides the table name
func (WatchRecord) TableName() string {
	return "watch_records"
}

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&StateBlob{},
		&WatchRecord{},
	)
}
