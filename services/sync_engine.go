package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nps-dashboard-server/config"
	"nps-dashboard-server/jobs"
	"nps-dashboard-server/logger"
	"nps-dashboard-server/models"
)

const (
	defaultBackfillWindows = 4
	backfillWindowMonths   = 3
	defaultRefreshInterval = 12 * time.Hour
	// refreshLookbackYears bounds an incremental fetch when no fetch was ever recorded.
	refreshLookbackYears = 1
)

// SyncEngine loads feedback into the record store: cache first, network second.
type SyncEngine struct {
	store    *RecordStore
	cache    *PersistenceCache
	filters  *FilterEngine
	source   DataSource
	progress ProgressObserver
	clock    Clock
	log      *logger.Logger
	metrics  *Metrics

	refreshInterval time.Duration
	windows         int

	group   singleflight.Group
	cycleMu sync.Mutex

	stateMu   sync.RWMutex
	lastFetch time.Time

	jobMu sync.Mutex
	job   *jobs.RefreshJob

	restored    chan struct{}
	restoreOnce sync.Once

	background sync.WaitGroup
}

// SyncDeps groups the collaborators of a SyncEngine.
type SyncDeps struct {
	Store    *RecordStore
	Cache    *PersistenceCache
	Filters  *FilterEngine
	Source   DataSource
	Progress ProgressObserver
	Clock    Clock
	Metrics  *Metrics
}

// NewSyncEngine wires a sync engine. Progress, Clock and Metrics are optional.
func NewSyncEngine(deps SyncDeps, cfg config.SyncConfig, log *logger.Logger) *SyncEngine {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Progress == nil {
		deps.Progress = noopProgress{}
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	windows := cfg.BackfillWindows
	if windows <= 0 {
		windows = defaultBackfillWindows
	}
	return &SyncEngine{
		store:           deps.Store,
		cache:           deps.Cache,
		filters:         deps.Filters,
		source:          deps.Source,
		progress:        deps.Progress,
		clock:           deps.Clock,
		metrics:         deps.Metrics,
		log:             log.With("service", "SyncEngine"),
		refreshInterval: interval,
		windows:         windows,
		restored:        make(chan struct{}),
	}
}

// Initialize runs LoadInitial and then starts the periodic refresh.
// It reports whether a cache was found.
func (e *SyncEngine) Initialize(ctx context.Context) bool {
	hadCache := e.LoadInitial(ctx)
	e.StartPeriodicRefresh(ctx)
	return hadCache
}

// LoadInitial restores the saved filters and cached records. A fresh cache is
// used as is; an expired one is shown immediately while an incremental fetch
// runs in the background; without a cache a full backfill runs in the foreground.
// Nothing is scheduled. It reports whether a cache was found.
func (e *SyncEngine) LoadInitial(ctx context.Context) bool {
	entry, hadCache := e.restore()

	if !hadCache {
		e.log.Info("no cached feedback, running full backfill")
		if err := e.Backfill(ctx); err != nil {
			e.log.Error("initial backfill failed", "error", err)
		}
		return false
	}

	if e.cache.IsExpired(entry.LastFetchDate, e.clock.Now()) {
		e.log.Info("cache expired, refreshing in background")
		e.background.Add(1)
		go func() {
			defer e.background.Done()
			if _, err := e.Refresh(ctx); err != nil {
				e.log.Warn("background refresh failed, keeping cached data", "error", err)
			}
		}()
	}
	return true
}

// restore loads the persisted state while holding the cycle lock, so no
// refresh, backfill or clear can slip between reading and applying it.
func (e *SyncEngine) restore() (models.CacheEntry, bool) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	defer e.restoreOnce.Do(func() { close(e.restored) })

	if criteria, ok := e.cache.LoadFilters(); ok {
		e.filters.Restore(criteria)
	}

	entry, hadCache := e.cache.Load()
	if hadCache {
		e.store.Restore(entry)
		e.setLastFetch(entry.LastFetchDate)
		e.log.Info("loaded feedback from cache", "records", len(entry.Records), "last_fetch", entry.LastFetchDate)
	}
	return entry, hadCache
}

// Restored is closed once the persisted state has been applied to the store.
// Until then the store is empty and must not be written to, or the cache would
// be overwritten before it is read.
func (e *SyncEngine) Restored() <-chan struct{} {
	return e.restored
}

// Clear empties the store, purges the persisted cache and forgets the last
// fetch, so the next refresh looks back a full year again.
func (e *SyncEngine) Clear() {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.store.Clear()
	e.setLastFetch(time.Time{})
	e.metrics.setLastFetch(0)
	e.log.Info("feedback cleared")
}

// Backfill fetches the last windows*3 months as sequential 3-month windows,
// most recent first, and replaces the record set on success. Progress moves in
// equal steps per window and is always finished. On failure the current data stays.
func (e *SyncEngine) Backfill(ctx context.Context) error {
	_, err, _ := e.group.Do(CycleBackfill, func() (interface{}, error) {
		e.cycleMu.Lock()
		defer e.cycleMu.Unlock()
		return nil, e.backfill(ctx)
	})
	return err
}

func (e *SyncEngine) backfill(ctx context.Context) (err error) {
	started := time.Now()
	defer func() { e.metrics.observeCycle(CycleBackfill, time.Since(started).Seconds(), err) }()

	e.progress.Start()
	defer e.progress.Finish()

	now := e.clock.Now()
	var records []models.FeedbackRecord
	for i := 0; i < e.windows; i++ {
		end := now.AddDate(0, -backfillWindowMonths*i, 0)
		start := now.AddDate(0, -backfillWindowMonths*(i+1), 0)

		rows, err := e.source.Fetch(ctx, start, end)
		if err != nil {
			return fmt.Errorf("backfill window %d: %w", i+1, err)
		}
		records = append(records, e.normalizeRows(rows)...)
		e.progress.Update((i + 1) * 100 / e.windows)
	}

	inserted := e.store.ReplaceAll(records, now)
	e.metrics.addInserted(inserted)
	e.markFetched(now)
	e.log.Info("backfill finished", "records", inserted, "windows", e.windows)
	return nil
}

// Refresh fetches records created since the last fetch (or the last year when
// none was recorded) and merges them into the store. Concurrent calls share one cycle.
func (e *SyncEngine) Refresh(ctx context.Context) (int, error) {
	v, err, _ := e.group.Do(CycleRefresh, func() (interface{}, error) {
		e.cycleMu.Lock()
		defer e.cycleMu.Unlock()
		return e.refresh(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (e *SyncEngine) refresh(ctx context.Context) (inserted int, err error) {
	started := time.Now()
	defer func() { e.metrics.observeCycle(CycleRefresh, time.Since(started).Seconds(), err) }()

	now := e.clock.Now()
	since := e.LastFetch()
	if since.IsZero() {
		since = now.AddDate(-refreshLookbackYears, 0, 0)
	}

	rows, err := e.source.Fetch(ctx, since, now)
	if err != nil {
		return 0, fmt.Errorf("incremental refresh: %w", err)
	}

	inserted = e.store.MergeFetched(e.normalizeRows(rows), now)
	e.metrics.addInserted(inserted)
	e.markFetched(now)
	e.log.Info("refresh finished", "fetched", len(rows), "inserted", inserted, "since", since)
	return inserted, nil
}

// StartPeriodicRefresh runs Refresh on the configured interval. Starting again
// stops the previous job first, so at most one runs.
func (e *SyncEngine) StartPeriodicRefresh(ctx context.Context) {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	if e.job != nil {
		e.job.Stop()
	}
	e.job = jobs.NewRefreshJob("nps-refresh", e.refreshInterval, func(ctx context.Context) error {
		_, err := e.Refresh(ctx)
		return err
	}, e.log)
	e.job.Start(ctx)
}

// Stop halts the periodic refresh and waits for background work.
func (e *SyncEngine) Stop() {
	e.jobMu.Lock()
	if e.job != nil {
		e.job.Stop()
		e.job = nil
	}
	e.jobMu.Unlock()

	e.background.Wait()
}

// LastFetch is the time of the last successful fetch, zero if none.
func (e *SyncEngine) LastFetch() time.Time {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.lastFetch
}

func (e *SyncEngine) setLastFetch(t time.Time) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.lastFetch = t
}

func (e *SyncEngine) markFetched(t time.Time) {
	e.setLastFetch(t)
	e.metrics.setLastFetch(float64(t.Unix()))
}

// normalizeRows converts upstream rows, dropping malformed ones.
func (e *SyncEngine) normalizeRows(rows []models.RawFeedback) []models.FeedbackRecord {
	records := make([]models.FeedbackRecord, 0, len(rows))
	malformed := 0
	var firstErr error
	for _, raw := range rows {
		rec, err := models.NormalizeFeedback(raw)
		if err != nil {
			malformed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		records = append(records, rec)
	}
	if malformed > 0 {
		e.log.Warn("dropped malformed feedback rows", "count", malformed, "first_error", firstErr)
	}
	e.metrics.addFetched(len(rows), malformed)
	return records
}

type noopProgress struct{}

func (noopProgress) Start()     {}
func (noopProgress) Update(int) {}
func (noopProgress) Finish()    {}
