package services

import (
	"sync"
	"time"

	"nps-dashboard-server/models"
)

// FilterEngine owns the active filter criteria and produces filtered views.
type FilterEngine struct {
	cache *PersistenceCache
	clock Clock

	mu     sync.RWMutex
	active models.FilterCriteria
}

// NewFilterEngine starts with the default criteria. cache may be nil.
func NewFilterEngine(cache *PersistenceCache, clock Clock) *FilterEngine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &FilterEngine{
		cache:  cache,
		clock:  clock,
		active: models.DefaultFilterCriteria(),
	}
}

// Active returns a copy of the criteria currently in force.
func (e *FilterEngine) Active() models.FilterCriteria {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active.Clone()
}

// Apply makes criteria active, persists it, then filters full with it.
// Persisting first keeps the user's choice even if filtering never completes.
func (e *FilterEngine) Apply(full []models.FeedbackRecord, criteria models.FilterCriteria) []models.FeedbackRecord {
	criteria = criteria.Clone()

	e.mu.Lock()
	e.active = criteria
	e.mu.Unlock()

	if e.cache != nil {
		e.cache.SaveFilters(criteria)
	}
	return FilterRecords(full, criteria, e.clock.Now())
}

// Filter re-applies the active criteria to full without persisting anything.
func (e *FilterEngine) Filter(full []models.FeedbackRecord) []models.FeedbackRecord {
	return FilterRecords(full, e.Active(), e.clock.Now())
}

// Restore activates previously saved criteria without writing them back.
func (e *FilterEngine) Restore(criteria models.FilterCriteria) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = criteria.Clone()
}

// Reset goes back to the default criteria.
func (e *FilterEngine) Reset() {
	e.Restore(models.DefaultFilterCriteria())
}

// FilterRecords keeps the records passing the period, role and score tests.
// It depends only on its arguments. An empty input is returned as is.
func FilterRecords(full []models.FeedbackRecord, criteria models.FilterCriteria, now time.Time) []models.FeedbackRecord {
	if len(full) == 0 {
		return full
	}

	roleOK := roleTest(criteria.Roles)
	scoreOK := scoreTest(criteria.Scores)
	dateOK := dateTest(criteria, now)

	out := make([]models.FeedbackRecord, 0, len(full))
	for _, r := range full {
		if roleOK(r.Role) && scoreOK(r.Score) && dateOK(r.CreatedAt) {
			out = append(out, r)
		}
	}
	return out
}

func roleTest(roles []models.Role) func(models.Role) bool {
	if len(roles) == 0 {
		return func(models.Role) bool { return true }
	}
	set := make(map[models.Role]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return func(r models.Role) bool {
		_, ok := set[r]
		return ok
	}
}

func scoreTest(scores []int) func(int) bool {
	if len(scores) == 0 {
		return func(int) bool { return true }
	}
	set := make(map[int]struct{}, len(scores))
	for _, s := range scores {
		set[s] = struct{}{}
	}
	return func(s int) bool {
		_, ok := set[s]
		return ok
	}
}

func dateTest(criteria models.FilterCriteria, now time.Time) func(time.Time) bool {
	if days, ok := criteria.Period.LookbackDays(); ok {
		cutoff := now.AddDate(0, 0, -days)
		return func(t time.Time) bool { return t.After(cutoff) }
	}

	if criteria.Period == models.PeriodCustom && criteria.CustomStart != nil && criteria.CustomEnd != nil {
		start := startOfDay(*criteria.CustomStart)
		end := endOfDay(*criteria.CustomEnd)
		return func(t time.Time) bool { return !t.Before(start) && !t.After(end) }
	}

	return func(time.Time) bool { return true }
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}
