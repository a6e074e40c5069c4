package models

import "time"

// CacheEntry is what the persistence cache hands back on load.
type CacheEntry struct {
	Records       []FeedbackRecord `json:"records"`
	LastFetchDate time.Time        `json:"last_fetch_date"`
}

// HasFetchDate reports whether a successful fetch was ever recorded.
func (e CacheEntry) HasFetchDate() bool {
	return !e.LastFetchDate.IsZero()
}

// KeyValue is the row backing the SQL key-value store.
type KeyValue struct {
	Key       string    `json:"key" gorm:"primaryKey;type:varchar(191)"`
	Value     string    `json:"value" gorm:"type:text;not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName sets custom table name
func (KeyValue) TableName() string { return "nps_kv" }
