package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"nps-dashboard-server/database"
	"nps-dashboard-server/logger"
	"nps-dashboard-server/models"
)

// Storage keys. Filters live under their own key so record data can be
// dropped without losing the user's view.
const (
	KeyFeedbackData = "nps_feedback_data"
	KeyLastFetch    = "nps_last_fetch"
	KeyFilters      = "nps_filters"
)

// DefaultCacheTTL is the age after which a cache is considered stale.
const DefaultCacheTTL = 24 * time.Hour

// storageTimeout bounds every storage call; persistence is best effort.
const storageTimeout = 10 * time.Second

// PersistenceCache stores the record set, the last-fetch date and the filter
// configuration in a KeyValueStore. Storage failures are logged and swallowed.
type PersistenceCache struct {
	kv    database.KeyValueStore
	log   *logger.Logger
	clock Clock
	ttl   time.Duration

	mu sync.Mutex
}

// NewPersistenceCache creates a cache over kv. A non-positive ttl uses DefaultCacheTTL.
func NewPersistenceCache(kv database.KeyValueStore, clock Clock, ttl time.Duration, log *logger.Logger) *PersistenceCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &PersistenceCache{
		kv:    kv,
		log:   log.With("service", "PersistenceCache"),
		clock: clock,
		ttl:   ttl,
	}
}

// Save writes records and, when fetchedAt is non-zero, the last-fetch date.
// The date is written only after the records were stored, and is clamped to now.
func (c *PersistenceCache) Save(records []models.FeedbackRecord, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if records == nil {
		records = []models.FeedbackRecord{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		c.log.Error("failed to encode records", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	if err := c.kv.Set(ctx, KeyFeedbackData, string(payload)); err != nil {
		c.log.Warn("failed to persist records, next sync will fetch more", "error", err, "records", len(records))
		return
	}

	if fetchedAt.IsZero() {
		return
	}
	if now := c.clock.Now(); fetchedAt.After(now) {
		fetchedAt = now
	}
	if err := c.kv.Set(ctx, KeyLastFetch, fetchedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		c.log.Warn("failed to persist last fetch date", "error", err)
	}
}

// Load returns the cached entry. Any read or parse failure is treated as "no cache".
func (c *PersistenceCache) Load() (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	raw, err := c.kv.Get(ctx, KeyFeedbackData)
	if err != nil {
		if !errors.Is(err, database.ErrKeyNotFound) {
			c.log.Warn("failed to read cached records", "error", err)
		}
		return models.CacheEntry{}, false
	}

	var records []models.FeedbackRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		c.log.Warn("discarding unreadable record cache", "error", err)
		return models.CacheEntry{}, false
	}

	entry := models.CacheEntry{Records: records}

	rawDate, err := c.kv.Get(ctx, KeyLastFetch)
	switch {
	case err == nil:
		if t, perr := time.Parse(time.RFC3339Nano, rawDate); perr == nil {
			entry.LastFetchDate = t
		} else {
			c.log.Warn("ignoring unreadable last fetch date", "value", rawDate, "error", perr)
		}
	case !errors.Is(err, database.ErrKeyNotFound):
		c.log.Warn("failed to read last fetch date", "error", err)
	}

	return entry, true
}

// IsExpired reports whether more than the TTL elapsed since lastFetch.
// A zero lastFetch is always expired.
func (c *PersistenceCache) IsExpired(lastFetch, now time.Time) bool {
	if lastFetch.IsZero() {
		return true
	}
	return now.Sub(lastFetch) > c.ttl
}

// SaveFilters persists the active filter configuration.
func (c *PersistenceCache) SaveFilters(criteria models.FilterCriteria) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(criteria)
	if err != nil {
		c.log.Error("failed to encode filters", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	if err := c.kv.Set(ctx, KeyFilters, string(payload)); err != nil {
		c.log.Warn("failed to persist filters", "error", err)
	}
}

// LoadFilters returns the last saved filter configuration, if any is readable and valid.
func (c *PersistenceCache) LoadFilters() (models.FilterCriteria, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	raw, err := c.kv.Get(ctx, KeyFilters)
	if err != nil {
		if !errors.Is(err, database.ErrKeyNotFound) {
			c.log.Warn("failed to read filters", "error", err)
		}
		return models.FilterCriteria{}, false
	}

	var criteria models.FilterCriteria
	if err := json.Unmarshal([]byte(raw), &criteria); err != nil {
		c.log.Warn("discarding unreadable filters", "error", err)
		return models.FilterCriteria{}, false
	}
	if err := criteria.Validate(); err != nil {
		c.log.Warn("discarding invalid filters", "error", err)
		return models.FilterCriteria{}, false
	}
	return criteria, true
}

// Clear removes every persisted key.
func (c *PersistenceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	for _, key := range []string{KeyFeedbackData, KeyLastFetch, KeyFilters} {
		if err := c.kv.Remove(ctx, key); err != nil {
			c.log.Warn("failed to remove cache key", "key", key, "error", err)
		}
	}
}
