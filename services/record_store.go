package services

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nps-dashboard-server/logger"
	"nps-dashboard-server/models"
)

// View selects which record set an aggregate is computed over.
type View string

const (
	ViewAll      View = "all"
	ViewFiltered View = "filtered"
)

// Valid reports whether v names a known view.
func (v View) Valid() bool {
	return v == ViewAll || v == ViewFiltered
}

// StoreEvent describes a completed mutation of the record store.
type StoreEvent struct {
	Kind     string `json:"kind"`
	Inserted int    `json:"inserted"`
	Total    int    `json:"total"`
	Filtered int    `json:"filtered"`
	Version  uint64 `json:"version"`
}

// Store event kinds.
const (
	EventInserted = "inserted"
	EventMerged   = "merged"
	EventReplaced = "replaced"
	EventRestored = "restored"
	EventFiltered = "filtered"
	EventCleared  = "cleared"
)

// StoreListener is called after every mutation, outside the store lock.
type StoreListener func(StoreEvent)

// maxMemoEntries caps the aggregate memo: views x (roles + overall) fit well inside it.
const maxMemoEntries = 32

type aggregateKey struct {
	name string
	view View
	role models.Role
}

// RecordStore holds the full record set and the filtered view, and serves
// memoized aggregates over both. The memo is keyed by a version counter that
// every mutation bumps.
type RecordStore struct {
	filters *FilterEngine
	cache   *PersistenceCache
	log     *logger.Logger
	newUID  func() string

	mu       sync.RWMutex
	all      []models.FeedbackRecord
	index    map[string]struct{}
	filtered []models.FeedbackRecord
	version  uint64

	memoMu      sync.Mutex
	memo        map[aggregateKey]int
	memoVersion uint64

	listenersMu sync.RWMutex
	listeners   []StoreListener

	// persistMu orders writes to the cache; persisted is the version last written.
	persistMu sync.Mutex
	persisted uint64
}

// NewRecordStore creates an empty store. cache may be nil for a store that never persists.
func NewRecordStore(filters *FilterEngine, cache *PersistenceCache, log *logger.Logger) *RecordStore {
	return &RecordStore{
		filters: filters,
		cache:   cache,
		log:     log.With("service", "RecordStore"),
		newUID:  uuid.NewString,
		index:   make(map[string]struct{}),
	}
}

// OnChange registers a listener for store mutations.
func (s *RecordStore) OnChange(listener StoreListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// InsertAll adds records whose UID is not present yet, ahead of the existing
// ones, and returns how many were accepted. Records without a UID get a random one.
// The last-fetch date is left untouched.
func (s *RecordStore) InsertAll(records []models.FeedbackRecord) int {
	return s.merge(records, time.Time{}, EventInserted)
}

// MergeFetched is InsertAll for records that came from a successful fetch:
// the set is persisted together with fetchedAt as the new last-fetch date.
func (s *RecordStore) MergeFetched(records []models.FeedbackRecord, fetchedAt time.Time) int {
	return s.merge(records, fetchedAt, EventMerged)
}

func (s *RecordStore) merge(records []models.FeedbackRecord, fetchedAt time.Time, kind string) int {
	s.mu.Lock()

	accepted := make([]models.FeedbackRecord, 0, len(records))
	for _, rec := range records {
		rec, ok := s.prepare(rec)
		if !ok {
			continue
		}
		if _, exists := s.index[rec.UID]; exists {
			continue
		}
		s.index[rec.UID] = struct{}{}
		accepted = append(accepted, rec)
	}

	if len(accepted) == 0 && fetchedAt.IsZero() {
		s.mu.Unlock()
		return 0
	}

	if len(accepted) > 0 {
		s.all = append(accepted, s.all...)
		s.refilterLocked()
		s.bumpLocked()
	}
	snapshot, version := s.all, s.version
	ev := s.eventLocked(kind, len(accepted))
	s.mu.Unlock()

	s.persist(version, snapshot, fetchedAt)
	if len(accepted) > 0 {
		s.notify(ev)
	}
	return len(accepted)
}

// ReplaceAll swaps the full set for records (deduplicated by UID) and persists
// it with fetchedAt. Used by the full backfill.
func (s *RecordStore) ReplaceAll(records []models.FeedbackRecord, fetchedAt time.Time) int {
	s.mu.Lock()
	s.loadLocked(records)
	snapshot, version := s.all, s.version
	ev := s.eventLocked(EventReplaced, len(s.all))
	s.mu.Unlock()

	s.persist(version, snapshot, fetchedAt)
	s.notify(ev)
	return ev.Inserted
}

// persist writes a snapshot taken at version. s.all is always replaced and
// never modified in place, so the snapshot stays valid after s.mu is released.
// A snapshot older than the last one written is skipped; the newer one already
// holds its records.
func (s *RecordStore) persist(version uint64, records []models.FeedbackRecord, fetchedAt time.Time) {
	if s.cache == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if version < s.persisted {
		s.log.Debug("skipping stale cache write", "version", version, "persisted", s.persisted)
		return
	}
	s.persisted = version
	s.cache.Save(records, fetchedAt)
}

// Restore loads a cache entry without writing it back to storage.
func (s *RecordStore) Restore(entry models.CacheEntry) {
	s.mu.Lock()
	s.loadLocked(entry.Records)
	ev := s.eventLocked(EventRestored, len(s.all))
	s.mu.Unlock()

	s.notify(ev)
}

func (s *RecordStore) loadLocked(records []models.FeedbackRecord) {
	s.index = make(map[string]struct{}, len(records))
	all := make([]models.FeedbackRecord, 0, len(records))
	for _, rec := range records {
		rec, ok := s.prepare(rec)
		if !ok {
			continue
		}
		if _, exists := s.index[rec.UID]; exists {
			continue
		}
		s.index[rec.UID] = struct{}{}
		all = append(all, rec)
	}
	s.all = all
	s.refilterLocked()
	s.bumpLocked()
}

// prepare assigns a UID when missing and rejects scores outside 0..10.
func (s *RecordStore) prepare(rec models.FeedbackRecord) (models.FeedbackRecord, bool) {
	if rec.Score < models.MinScore || rec.Score > models.MaxScore {
		s.log.Warn("dropping record with out-of-range score", "uid", rec.UID, "score", rec.Score)
		return rec, false
	}
	if rec.UID == "" {
		rec.UID = s.newUID()
	}
	if !rec.Role.Valid() {
		rec.Role = models.NormalizeRole(string(rec.Role))
	}
	return rec, true
}

// ApplyFilter validates criteria, makes it active and recomputes the filtered view.
func (s *RecordStore) ApplyFilter(criteria models.FilterCriteria) error {
	if err := criteria.Validate(); err != nil {
		return &filterError{err: err}
	}

	s.mu.Lock()
	s.filtered = s.filters.Apply(s.all, criteria)
	s.bumpLocked()
	ev := s.eventLocked(EventFiltered, 0)
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

// ActiveFilter returns the criteria behind the filtered view.
func (s *RecordStore) ActiveFilter() models.FilterCriteria {
	return s.filters.Active()
}

// Clear empties both sets, purges the persisted cache and resets the filters.
func (s *RecordStore) Clear() {
	s.mu.Lock()
	s.all = nil
	s.filtered = nil
	s.index = make(map[string]struct{})
	s.filters.Reset()
	s.bumpLocked()
	version := s.version
	ev := s.eventLocked(EventCleared, 0)
	s.mu.Unlock()

	if s.cache != nil {
		s.persistMu.Lock()
		s.persisted = version
		s.cache.Clear()
		s.persistMu.Unlock()
	}
	s.notify(ev)
}

// TotalCount is the size of the full set.
func (s *RecordStore) TotalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.all)
}

// FilteredCount is the size of the filtered view.
func (s *RecordStore) FilteredCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filtered)
}

// Version increases on every mutation.
func (s *RecordStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// All returns a copy of the full set in insertion order (newest insert first).
func (s *RecordStore) All() []models.FeedbackRecord {
	return s.Records(ViewAll)
}

// Filtered returns a copy of the filtered view.
func (s *RecordStore) Filtered() []models.FeedbackRecord {
	return s.Records(ViewFiltered)
}

// Records returns a copy of the given view.
func (s *RecordStore) Records(view View) []models.FeedbackRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.viewLocked(view)
	out := make([]models.FeedbackRecord, len(src))
	copy(out, src)
	return out
}

// SortedByCreatedAt returns a copy of the view ordered newest first.
// Insertion order is not chronological, callers that need time order use this.
func (s *RecordStore) SortedByCreatedAt(view View) []models.FeedbackRecord {
	out := s.Records(view)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// NPSScore is the net promoter score of the view, 0 when it is empty.
func (s *RecordStore) NPSScore(view View) int {
	return s.memoized(aggregateKey{name: "nps", view: view}, CalculateNPS)
}

// NPSScoreByRole is the net promoter score of the view restricted to role.
func (s *RecordStore) NPSScoreByRole(view View, role models.Role) int {
	return s.memoized(aggregateKey{name: "nps_role", view: view, role: role}, func(records []models.FeedbackRecord) int {
		matching := make([]models.FeedbackRecord, 0, len(records))
		for _, r := range records {
			if r.Role == role {
				matching = append(matching, r)
			}
		}
		return CalculateNPS(matching)
	})
}

// Breakdown returns the promoter/passive/detractor split of the view.
func (s *RecordStore) Breakdown(view View) NPSBreakdown {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Breakdown(s.viewLocked(view))
}

func (s *RecordStore) memoized(key aggregateKey, compute func([]models.FeedbackRecord) int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.memoMu.Lock()
	defer s.memoMu.Unlock()

	if s.memo == nil || s.memoVersion != s.version {
		s.memo = make(map[aggregateKey]int)
		s.memoVersion = s.version
	}
	if v, ok := s.memo[key]; ok {
		return v
	}

	v := compute(s.viewLocked(key.view))
	if len(s.memo) < maxMemoEntries {
		s.memo[key] = v
	}
	return v
}

func (s *RecordStore) viewLocked(view View) []models.FeedbackRecord {
	if view == ViewFiltered {
		return s.filtered
	}
	return s.all
}

func (s *RecordStore) refilterLocked() {
	s.filtered = s.filters.Filter(s.all)
}

// bumpLocked invalidates every memoized aggregate.
func (s *RecordStore) bumpLocked() {
	s.version++
	s.memoMu.Lock()
	s.memo = nil
	s.memoMu.Unlock()
}

func (s *RecordStore) eventLocked(kind string, inserted int) StoreEvent {
	return StoreEvent{
		Kind:     kind,
		Inserted: inserted,
		Total:    len(s.all),
		Filtered: len(s.filtered),
		Version:  s.version,
	}
}

func (s *RecordStore) notify(ev StoreEvent) {
	s.listenersMu.RLock()
	listeners := append([]StoreListener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

type filterError struct {
	err error
}

func (e *filterError) Error() string { return ErrInvalidFilter.Error() + ": " + e.err.Error() }

func (e *filterError) Unwrap() []error { return []error{ErrInvalidFilter, e.err} }
